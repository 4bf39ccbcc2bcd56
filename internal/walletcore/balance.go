package walletcore

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/btcwallet/internal/account"
)

// Balance is a (confirmed, unconfirmed) satoshi pair.
type Balance struct {
	Confirmed   int64
	Unconfirmed int64
}

func (b Balance) add(o Balance) Balance {
	return Balance{Confirmed: b.Confirmed + o.Confirmed, Unconfirmed: b.Unconfirmed + o.Unconfirmed}
}

// GetAddrBalance implements get_addr_balance(addr): for each (txid,
// height) in history, sum outputs paying to addr, subtract inputs whose
// prevout was a received coin at addr; confirmed if height>0, else
// unconfirmed. The pruned sentinel yields (0,0).
func (c *Core) GetAddrBalance(addr string) Balance {
	c.stateLock.RLock()
	hist, ok := c.history[addr]
	c.stateLock.RUnlock()
	if !ok || hist.Pruned {
		return Balance{}
	}

	c.txLock.RLock()
	defer c.txLock.RUnlock()

	var bal Balance
	for _, e := range hist.Entries {
		tx, ok := c.transactions[e.TxID]
		if !ok {
			continue
		}
		delta := c.addressDeltaLocked(addr, tx)
		if e.Height > 0 {
			bal.Confirmed += delta
		} else {
			bal.Unconfirmed += delta
		}
	}
	return bal
}

// addressDeltaLocked returns how much tx changes addr's balance. Caller
// must hold txLock for reads of prevoutAddr/prevoutValue.
func (c *Core) addressDeltaLocked(addr string, tx *wire.MsgTx) int64 {
	var delta int64
	for _, out := range tx.TxOut {
		if outAddr, ok := scriptToAddress(out.PkScript, c.params); ok && outAddr == addr {
			delta += out.Value
		}
	}
	for _, in := range tx.TxIn {
		key := outpointKey(in.PreviousOutPoint.Hash.String(), in.PreviousOutPoint.Index)
		if c.prevoutAddr[key] == addr {
			delta -= c.prevoutValue[key]
		}
	}
	return delta
}

func outpointKey(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

// scriptToAddress extracts the single pay-to address a standard output
// script resolves to, if any. Multisig/P2SH redemptions still resolve
// to one address: the P2SH address itself.
func scriptToAddress(pkScript []byte, params *chaincfg.Params) (string, bool) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || len(addrs) != 1 {
		return "", false
	}
	return addrs[0].EncodeAddress(), true
}

// GetAccountBalance sums GetAddrBalance over every address of account
// id (both chains).
func (c *Core) GetAccountBalance(id string) Balance {
	c.stateLock.RLock()
	entry, ok := c.accounts[id]
	c.stateLock.RUnlock()
	if !ok {
		return Balance{}
	}

	var total Balance
	for _, flag := range []account.ChangeFlag{account.External, account.Change} {
		for _, addr := range entry.acct.Addresses(flag) {
			total = total.add(c.GetAddrBalance(addr))
		}
	}
	return total
}

// GetBalance sums GetAccountBalance over every account plus the
// imported-keys balance.
func (c *Core) GetBalance() Balance {
	c.stateLock.RLock()
	ids := make([]string, 0, len(c.accounts))
	for id := range c.accounts {
		ids = append(ids, id)
	}
	importedAddrs := make([]string, 0, len(c.importedKeys))
	for addr := range c.importedKeys {
		importedAddrs = append(importedAddrs, addr)
	}
	c.stateLock.RUnlock()

	var total Balance
	for _, id := range ids {
		total = total.add(c.GetAccountBalance(id))
	}
	for _, addr := range importedAddrs {
		total = total.add(c.GetAddrBalance(addr))
	}
	return total
}

// HistoryRow is one row of get_tx_history's output: (txid, conf,
// is_mine, value, fee, running_balance, timestamp).
type HistoryRow struct {
	TxID           string
	Height         int64
	Confirmations  int64
	IsMine         bool
	Value          int64
	Fee            int64
	RunningBalance int64
	Timestamp      int64
}

// GetTxHistory implements get_tx_history(account?): rows in ascending
// chain-position order (unconfirmed last), carrying a running balance;
// if the running balance disagrees with the scope's total balance, an
// unknown-history row is prepended carrying the discrepancy. Ordering,
// confirmations, and timestamp all come from the Verifier when one is
// installed — the wallet's own (possibly stale) height is used only as
// a fallback, e.g. for a daemon that has not yet attached a Verifier.
func (c *Core) GetTxHistory(accountID string) []HistoryRow {
	addrs, scopeBalance := c.historyScope(accountID)

	c.stateLock.RLock()
	type seenEntry struct {
		txid   string
		height int64
	}
	seen := make(map[string]seenEntry)
	for _, addr := range addrs {
		hist, ok := c.history[addr]
		if !ok || hist.Pruned {
			continue
		}
		for _, e := range hist.Entries {
			seen[e.TxID] = seenEntry{txid: e.TxID, height: e.Height}
		}
	}
	verifier := c.verifier
	c.stateLock.RUnlock()

	entries := make([]seenEntry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return txPosOf(verifier, entries[i]) < txPosOf(verifier, entries[j])
	})

	c.txLock.RLock()
	defer c.txLock.RUnlock()

	addrSet := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		addrSet[a] = true
	}

	var running int64
	rows := make([]HistoryRow, 0, len(entries))
	for _, e := range entries {
		tx, ok := c.transactions[e.txid]
		if !ok {
			continue
		}
		var value int64
		for addr := range addrSet {
			value += c.addressDeltaLocked(addr, tx)
		}
		running += value

		confirmations, timestamp := int64(0), int64(0)
		if verifier != nil {
			confirmations, timestamp = verifier.GetConfirmations(e.txid)
		} else if e.height > 0 {
			confirmations = 1
		}

		rows = append(rows, HistoryRow{
			TxID:           e.txid,
			Height:         e.height,
			Confirmations:  confirmations,
			IsMine:         true,
			Value:          value,
			Fee:            c.txFeeIfFullyOwnedLocked(addrSet, tx),
			RunningBalance: running,
			Timestamp:      timestamp,
		})
	}

	if running != scopeBalance.Confirmed+scopeBalance.Unconfirmed {
		rows = append([]HistoryRow{{
			TxID:           "",
			IsMine:         false,
			Value:          scopeBalance.Confirmed + scopeBalance.Unconfirmed - running,
			RunningBalance: scopeBalance.Confirmed + scopeBalance.Unconfirmed,
		}}, rows...)
	}

	return rows
}

// txPosOf orders by the Verifier's chain position when one is
// installed, falling back to raw height (unconfirmed last) otherwise.
func txPosOf(v Verifier, e struct {
	txid   string
	height int64
}) int64 {
	if v != nil {
		return v.GetTxPos(e.txid)
	}
	if e.height <= 0 {
		return 1 << 62
	}
	return e.height
}

// txFeeIfFullyOwnedLocked returns tx's fee — total input value minus
// total output value — when every one of tx's inputs spends a prevout
// this scope owns, and 0 otherwise (the fee is unknowable without
// knowing every input's value). Caller must hold txLock.
func (c *Core) txFeeIfFullyOwnedLocked(addrSet map[string]bool, tx *wire.MsgTx) int64 {
	var totalIn int64
	for _, in := range tx.TxIn {
		key := outpointKey(in.PreviousOutPoint.Hash.String(), in.PreviousOutPoint.Index)
		addr, ok := c.prevoutAddr[key]
		if !ok || !addrSet[addr] {
			return 0
		}
		totalIn += c.prevoutValue[key]
	}
	var totalOut int64
	for _, out := range tx.TxOut {
		totalOut += out.Value
	}
	return totalIn - totalOut
}

func (c *Core) historyScope(accountID string) ([]string, Balance) {
	c.stateLock.RLock()
	var addrs []string
	if accountID != "" {
		if entry, ok := c.accounts[accountID]; ok {
			addrs = append(addrs, entry.acct.Addresses(account.External)...)
			addrs = append(addrs, entry.acct.Addresses(account.Change)...)
		}
	} else {
		for _, entry := range c.accounts {
			addrs = append(addrs, entry.acct.Addresses(account.External)...)
			addrs = append(addrs, entry.acct.Addresses(account.Change)...)
		}
		for addr := range c.importedKeys {
			addrs = append(addrs, addr)
		}
	}
	c.stateLock.RUnlock()

	var bal Balance
	if accountID != "" {
		bal = c.GetAccountBalance(accountID)
	} else {
		bal = c.GetBalance()
	}
	return addrs, bal
}
