package walletcore

import (
	"errors"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/btcwallet/internal/account"
	"github.com/klingon-exchange/btcwallet/internal/cryptoutil"
	"github.com/klingon-exchange/btcwallet/internal/txbuilder"
	"github.com/klingon-exchange/btcwallet/internal/walleterr"
)

// InputInfo is one caller-supplied entry of signrawtransaction's
// input_info: everything the wallet cannot reconstruct from its own
// transaction cache for a given prevout — its output script, an
// optional P2SH redeem script, and an optional KeyID naming which
// registry leg(s) sign it.
type InputInfo struct {
	TxID         string
	Vout         uint32
	ScriptPubKey []byte
	RedeemScript []byte
	KeyID        string
}

func findInputInfo(inputInfo []InputInfo, txid string, vout uint32) (InputInfo, bool) {
	for _, item := range inputInfo {
		if item.TxID == txid && item.Vout == vout {
			return item, true
		}
	}
	return InputInfo{}, false
}

// SignRawTransaction implements signrawtransaction(tx, input_info,
// extra_keys, passphrase): for every input, resolves its prevout script
// and redeem script either from a matching input_info entry or from the
// wallet's own UTXO set, fails with UnknownInput if neither is
// available, then gathers signing keys from extraKeys, from the
// input's KeyID (decoded against the master-key registry), and from any
// address the wallet already recognizes — signing with whatever subset
// it can resolve and silently leaving unresolvable legs unsigned.
func (c *Core) SignRawTransaction(tx *wire.MsgTx, inputInfo []InputInfo, extraKeys []*btcec.PrivateKey, passphrase string) error {
	c.stateLock.RLock()
	c.txLock.RLock()
	known := c.spendableUTXOsLocked("")
	c.txLock.RUnlock()
	c.stateLock.RUnlock()

	knownByOutpoint := make(map[string]txbuilder.UTXO, len(known))
	for _, u := range known {
		knownByOutpoint[outpointKey(u.TxID, u.Vout)] = u
	}

	for i, in := range tx.TxIn {
		txid := in.PreviousOutPoint.Hash.String()
		vout := in.PreviousOutPoint.Index

		var pkScript, redeemScript []byte
		var keyID string

		if item, ok := findInputInfo(inputInfo, txid, vout); ok {
			pkScript = item.ScriptPubKey
			redeemScript = item.RedeemScript
			keyID = item.KeyID
		} else if u, ok := knownByOutpoint[outpointKey(txid, vout)]; ok {
			pkScript = u.PkScript
			if idx, err := c.GetAddressIndex(u.Address); err == nil && !idx.Imported {
				c.stateLock.RLock()
				if entry, ok := c.accounts[idx.AccountID]; ok {
					redeemScript, _ = entry.acct.RedeemScriptAt(idx.ChangeFlag, uint32(idx.ChainIndex))
				}
				c.stateLock.RUnlock()
			}
		} else {
			return walleterr.New("SignRawTransaction", walleterr.UnknownInput,
				errors.New("no input_info supplied and no matching UTXO for "+txid+":"+strconv.FormatUint(uint64(vout), 10)))
		}

		addr, err := addressFromScripts(pkScript, redeemScript, c.params)
		if err != nil {
			return err
		}

		keypairs := make(map[string]*btcec.PrivateKey)
		for _, priv := range extraKeys {
			keypairs[hexEncode(priv.PubKey().SerializeCompressed())] = priv
		}

		if keyID != "" {
			for _, priv := range c.resolveKeyID(keyID, passphrase) {
				keypairs[hexEncode(priv.PubKey().SerializeCompressed())] = priv
			}
		}

		if wifs, err := c.GetPrivateKey(addr, passphrase); err == nil {
			for _, w := range wifs {
				decoded, err := btcutil.DecodeWIF(w)
				if err != nil {
					continue
				}
				keypairs[hexEncode(decoded.PrivKey.PubKey().SerializeCompressed())] = decoded.PrivKey
			}
		}

		if len(keypairs) == 0 {
			// No leg of this input resolved to a key we hold — leave it
			// unsigned, per the partial-sign contract.
			continue
		}

		privs := make([]*btcec.PrivateKey, 0, len(keypairs))
		for _, priv := range keypairs {
			privs = append(privs, priv)
		}

		if redeemScript != nil {
			if err := txbuilder.SignP2SHMultisig(tx, i, privs, redeemScript); err != nil {
				return err
			}
		} else {
			if err := txbuilder.SignP2PKH(tx, i, privs[0], pkScript); err != nil {
				return err
			}
		}
	}

	return nil
}

// addressFromScripts recovers the address an input pays to: the P2SH
// address of redeemScript when present, otherwise whatever address
// pkScript resolves to.
func addressFromScripts(pkScript, redeemScript []byte, params *chaincfg.Params) (string, error) {
	if redeemScript != nil {
		addr, err := btcutil.NewAddressScriptHash(redeemScript, params)
		if err != nil {
			return "", errors.New("decode redeem script address: " + err.Error())
		}
		return addr.EncodeAddress(), nil
	}
	addr, ok := scriptToAddress(pkScript, params)
	if !ok {
		return "", errors.New("cannot resolve address from prevout script")
	}
	return addr, nil
}

// resolveKeyID decodes an Electrum-style KeyID of the form
// "bip32(<chain_code_hex>,<pubkey_hex>,/<num>/<change>/<index>)&…" —
// one leg per '&'-joined clause — matches each leg's (chain_code,
// pubkey) pair against the six-entry master registry, and, if every
// matched leg resolves to a single already-materialized account,
// derives that account's private keys at the shared (change, index)
// the clauses agree on. Legs that match no registry entry, or whose
// joined account id names no materialized account, contribute nothing
// — signing proceeds with whatever was resolved.
func (c *Core) resolveKeyID(keyID string, passphrase string) []*btcec.PrivateKey {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()

	var legIDs []string
	var change account.ChangeFlag
	var index uint32
	haveSequence := false

	for _, clause := range strings.Split(keyID, "&") {
		num, chg, idx, ri, ok := c.parseKeyIDClauseLocked(clause)
		if !ok {
			continue
		}
		legIDs = append(legIDs, accountLegID(ri, num))
		if !haveSequence {
			change, index, haveSequence = chg, idx, true
		}
	}

	if len(legIDs) == 0 || !haveSequence {
		return nil
	}

	entry, ok := c.accounts[joinAccountID(legIDs)]
	if !ok {
		return nil
	}

	legSecrets, err := c.legSecretsForLocked(entry, passphrase)
	if err != nil {
		return nil
	}
	privKeys, err := entry.acct.PrivateKeysAt(legSecrets, change, index)
	if err != nil {
		return nil
	}
	out := make([]*btcec.PrivateKey, 0, len(privKeys))
	for _, priv := range privKeys {
		if priv != nil {
			out = append(out, priv)
		}
	}
	return out
}

// parseKeyIDClauseLocked parses one "bip32(chaincode,pubkey,/n/c/i)"
// clause and matches (chaincode, pubkey) against the registry,
// returning the account-number component of the sequence, the change
// flag, the chain index, and the matching registry slot. Caller must
// hold stateLock.
func (c *Core) parseKeyIDClauseLocked(clause string) (num uint32, change account.ChangeFlag, index uint32, regIdx uint32, ok bool) {
	clause = strings.TrimSpace(clause)
	if !strings.HasPrefix(clause, "bip32(") || !strings.HasSuffix(clause, ")") {
		return 0, 0, 0, 0, false
	}
	body := clause[len("bip32(") : len(clause)-1]
	fields := strings.SplitN(body, ",", 3)
	if len(fields) != 3 {
		return 0, 0, 0, 0, false
	}
	chainCode, err := hexDecode(fields[0])
	if err != nil {
		return 0, 0, 0, 0, false
	}
	pubkey, err := hexDecode(fields[1])
	if err != nil {
		return 0, 0, 0, 0, false
	}

	seq := strings.Split(strings.Trim(fields[2], "/"), "/")
	if len(seq) != 3 {
		return 0, 0, 0, 0, false
	}
	nums := make([]uint64, 3)
	for i, s := range seq {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return 0, 0, 0, 0, false
		}
		nums[i] = n
	}

	for ri, entry := range c.registry {
		if entry.leg.Pubkey == nil {
			continue
		}
		if string(entry.leg.ChainCode) != string(chainCode) {
			continue
		}
		if string(entry.leg.Pubkey.SerializeCompressed()) != string(pubkey) {
			continue
		}
		return uint32(nums[0]), account.ChangeFlag(nums[1]), uint32(nums[2]), uint32(ri), true
	}
	return 0, 0, 0, 0, false
}

// legSecretsForLocked is legSecretsFor without re-acquiring stateLock;
// caller must already hold it for reading.
func (c *Core) legSecretsForLocked(entry *accountEntry, passphrase string) ([]*btcec.PrivateKey, error) {
	out := make([]*btcec.PrivateKey, len(entry.regIndices))
	for i, ri := range entry.regIndices {
		enc := c.registry[ri].privEncrypted
		if enc == "" {
			continue
		}
		hexScalar, err := cryptoutil.PwDecode(enc, passphrase)
		if err != nil {
			return nil, err
		}
		raw, err := hexDecode(hexScalar)
		if err != nil {
			return nil, err
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		out[i] = priv
	}
	return out, nil
}

// accountLegID builds the "m/<regIdx>'/<num>" id one registry leg
// contributes to a joined multi-leg account id.
func accountLegID(regIdx, num uint32) string {
	return "m/" + strconv.FormatUint(uint64(regIdx), 10) + "'/" + strconv.FormatUint(uint64(num), 10)
}
