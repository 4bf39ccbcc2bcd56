package walletcore

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/btcwallet/internal/account"
	"github.com/klingon-exchange/btcwallet/internal/txbuilder"
	"github.com/klingon-exchange/btcwallet/internal/walleterr"
)

// spendableUTXOsLocked lists every output currently owned by the wallet
// (HD-derived or imported) that is not already referenced as an input
// by some cached transaction, scoped to accountID when non-empty ("-1"
// selects imported keys only). Caller must hold stateLock and txLock for
// reading.
func (c *Core) spendableUTXOsLocked(accountID string) []txbuilder.UTXO {
	scope := make(map[string]bool)
	if accountID == "" {
		for addr := range c.importedKeys {
			scope[addr] = true
		}
		for _, entry := range c.accounts {
			for _, addr := range entry.acct.Addresses(account.External) {
				scope[addr] = true
			}
			for _, addr := range entry.acct.Addresses(account.Change) {
				scope[addr] = true
			}
		}
	} else if accountID == ImportedAccountID {
		for addr := range c.importedKeys {
			scope[addr] = true
		}
	} else if entry, ok := c.accounts[accountID]; ok {
		for _, addr := range entry.acct.Addresses(account.External) {
			scope[addr] = true
		}
		for _, addr := range entry.acct.Addresses(account.Change) {
			scope[addr] = true
		}
	}

	var out []txbuilder.UTXO
	for key, addr := range c.prevoutAddr {
		if !scope[addr] || c.spentOutputs[key] {
			continue
		}
		txid, vout, err := splitOutpointKey(key)
		if err != nil {
			continue
		}
		tx, ok := c.transactions[txid]
		if !ok || int(vout) >= len(tx.TxOut) {
			continue
		}
		out = append(out, txbuilder.UTXO{
			TxID:        txid,
			Vout:        vout,
			Amount:      c.prevoutValue[key],
			Address:     addr,
			PkScript:    tx.TxOut[vout].PkScript,
			Prioritized: c.prioritized[addr],
			Frozen:      c.frozen[addr],
		})
	}
	return out
}

func splitOutpointKey(key string) (string, uint32, error) {
	i := len(key) - 1
	for i >= 0 && key[i] != ':' {
		i--
	}
	if i < 0 {
		return "", 0, fmt.Errorf("malformed outpoint key %q", key)
	}
	var vout uint32
	if _, err := fmt.Sscanf(key[i+1:], "%d", &vout); err != nil {
		return "", 0, fmt.Errorf("malformed outpoint key %q: %w", key, err)
	}
	return key[:i], vout, nil
}

// MakeUnsignedTransaction implements make_unsigned_transaction(outputs,
// fee?, change_addr?, account?): selects coins from the given account's
// domain (or the whole wallet if accountID is empty), resolves the
// change address per §4.4.2, and assembles an unsigned transaction.
func (c *Core) MakeUnsignedTransaction(outputs []txbuilder.Output, fixedFee *int64, changeAddr string, accountID string) (*wire.MsgTx, error) {
	var amount int64
	for _, o := range outputs {
		amount += o.Amount
	}

	c.stateLock.RLock()
	c.txLock.RLock()
	domain := c.spendableUTXOsLocked(accountID)
	feePerKB := c.feePerKB
	useChange := c.useChange
	isImported := accountID == ImportedAccountID
	var changeChain []string
	if entry, ok := c.accounts[accountID]; ok {
		changeChain = entry.acct.Addresses(account.Change)
	}
	c.txLock.RUnlock()
	c.stateLock.RUnlock()

	selected, fee, err := txbuilder.SelectCoins(domain, amount, feePerKB, fixedFee)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, u := range selected {
		total += u.Amount
	}

	resolvedChange, err := txbuilder.ResolveChangeAddress(txbuilder.ChangePolicy{
		CallerAddress:  changeAddr,
		UseChange:      useChange,
		IsImported:     isImported,
		LastInputAddr:  selected[len(selected)-1].Address,
		ChangeChain:    changeChain,
		ChangeGapLimit: GapLimitForChange,
	})
	if err != nil {
		return nil, err
	}

	changeAmount := total - amount - fee
	var changeScript []byte
	if changeAmount > 0 {
		changeScript, err = c.addressToScript(resolvedChange)
		if err != nil {
			return nil, err
		}
	}

	return txbuilder.BuildUnsigned(selected, outputs, changeScript, changeAmount)
}

func (c *Core) addressToScript(addr string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, c.params)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", addr, err)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("build output script for %q: %w", addr, err)
	}
	return script, nil
}

// SignTransaction implements sign_transaction(tx, passphrase): for each
// input, looks up the owning address via its prevout, gathers the
// available signing keys through GetPrivateKey, and signs in place.
// Inputs whose prevout is unknown locally are left unsigned — the
// caller is expected to have supplied input_info via SignRawTransaction
// (signraw.go) for those.
func (c *Core) SignTransaction(tx *wire.MsgTx, passphrase string) error {
	c.txLock.RLock()
	defer c.txLock.RUnlock()

	for i, in := range tx.TxIn {
		key := outpointKey(in.PreviousOutPoint.Hash.String(), in.PreviousOutPoint.Index)
		addr, ok := c.prevoutAddr[key]
		if !ok {
			continue
		}
		prevTx, ok := c.transactions[in.PreviousOutPoint.Hash.String()]
		if !ok || int(in.PreviousOutPoint.Index) >= len(prevTx.TxOut) {
			continue
		}
		if err := c.signInputLocked(tx, i, addr, prevTx.TxOut[in.PreviousOutPoint.Index].PkScript, passphrase); err != nil {
			return err
		}
	}
	return nil
}

func (c *Core) signInputLocked(tx *wire.MsgTx, inputIndex int, addr string, prevPkScript []byte, passphrase string) error {
	wifs, err := c.GetPrivateKey(addr, passphrase)
	if err != nil {
		return err
	}
	privs := make([]*btcec.PrivateKey, 0, len(wifs))
	for _, w := range wifs {
		decoded, err := btcutil.DecodeWIF(w)
		if err != nil {
			return fmt.Errorf("decode signing WIF for %s: %w", addr, err)
		}
		privs = append(privs, decoded.PrivKey)
	}
	if len(privs) == 0 {
		return walleterr.New("SignTransaction", walleterr.InvalidPrivateKey,
			fmt.Errorf("no signing key available for %s", addr))
	}

	idx, err := c.GetAddressIndex(addr)
	if err != nil || idx.Imported {
		return txbuilder.SignP2PKH(tx, inputIndex, privs[0], prevPkScript)
	}

	c.stateLock.RLock()
	entry, ok := c.accounts[idx.AccountID]
	c.stateLock.RUnlock()
	if !ok {
		return txbuilder.SignP2PKH(tx, inputIndex, privs[0], prevPkScript)
	}

	redeemScript, err := entry.acct.RedeemScriptAt(idx.ChangeFlag, uint32(idx.ChainIndex))
	if err != nil {
		return fmt.Errorf("redeem script for %s: %w", addr, err)
	}
	if redeemScript == nil {
		return txbuilder.SignP2PKH(tx, inputIndex, privs[0], prevPkScript)
	}
	return txbuilder.SignP2SHMultisig(tx, inputIndex, privs, redeemScript)
}

// Mktx implements mktx(outputs, passphrase, …): composes an unsigned
// transaction, then signs it.
func (c *Core) Mktx(outputs []txbuilder.Output, passphrase string, fixedFee *int64, changeAddr string, accountID string) (*wire.MsgTx, error) {
	tx, err := c.MakeUnsignedTransaction(outputs, fixedFee, changeAddr, accountID)
	if err != nil {
		return nil, err
	}
	if err := c.SignTransaction(tx, passphrase); err != nil {
		return nil, err
	}
	return tx, nil
}
