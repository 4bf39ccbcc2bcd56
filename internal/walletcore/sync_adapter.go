package walletcore

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/btcwallet/internal/account"
	"github.com/klingon-exchange/btcwallet/internal/indexer"
	"github.com/klingon-exchange/btcwallet/internal/sync"
	"github.com/klingon-exchange/btcwallet/internal/walleterr"
)

// Core implements sync.WalletView; this file holds that adapter surface
// plus the state mutations it needs (chain growth, new-history/new-tx
// acceptance, orphan recovery) that belong to no other file.

// MineAddresses returns every address the Synchronizer should subscribe
// to: every materialized address, plus the speculative first address of
// the next not-yet-created account of each kind (so usage of one can be
// detected before the account formally exists).
func (c *Core) MineAddresses() []string {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()

	var out []string
	for addr := range c.importedKeys {
		out = append(out, addr)
	}
	for _, entry := range c.accounts {
		out = append(out, entry.acct.Addresses(account.External)...)
		out = append(out, entry.acct.Addresses(account.Change)...)
	}
	for addr := range c.speculativeNextAddressesLocked() {
		out = append(out, addr)
	}
	return out
}

// speculativeNextAddressesLocked returns, for each account kind, the
// first external address the next not-yet-materialized account of that
// kind would have. Caller must hold stateLock.
func (c *Core) speculativeNextAddressesLocked() map[string]account.Kind {
	out := make(map[string]account.Kind)

	// first skips a kind whose registry legs are not installed (a fresh
	// core, or a watch-only wallet holding only m/0').
	first := func(a interface{ FirstAddress() (string, error) }, legs ...int) (string, bool) {
		for _, i := range legs {
			if c.registry[i].leg.Pubkey == nil {
				return "", false
			}
		}
		addr, err := a.FirstAddress()
		return addr, err == nil
	}

	single := account.NewSingleSigAccount(
		fmt.Sprintf("m/0'/%d", c.nextAccounts[account.KindSingle]),
		c.registry[0].leg, c.params)
	if addr, ok := first(single, 0); ok {
		out[addr] = account.KindSingle
	}

	idx2 := c.nextAccounts[account.Kind("2of2")]
	ms2 := account.NewMultisigAccount(
		joinAccountID([]string{fmt.Sprintf("m/1'/%d", idx2), fmt.Sprintf("m/2'/%d", idx2)}),
		2, []account.Leg{c.registry[1].leg, c.registry[2].leg}, c.params)
	if addr, ok := first(ms2, 1, 2); ok {
		out[addr] = "2of2"
	}

	idx3 := c.nextAccounts[account.Kind("2of3")]
	ms3 := account.NewMultisigAccount(
		joinAccountID([]string{fmt.Sprintf("m/3'/%d", idx3), fmt.Sprintf("m/4'/%d", idx3), fmt.Sprintf("m/5'/%d", idx3)}),
		2, []account.Leg{c.registry[3].leg, c.registry[4].leg, c.registry[5].leg}, c.params)
	if addr, ok := first(ms3, 3, 4, 5); ok {
		out[addr] = "2of3"
	}

	return out
}

// materializeNextOfKindLocked creates the next account of kind at its
// current chain index and advances nextAccounts. Caller must hold
// stateLock.
func (c *Core) materializeNextOfKindLocked(kind account.Kind) (*accountEntry, error) {
	idx := c.nextAccounts[kind]
	switch kind {
	case account.KindSingle:
		return c.materializeSingleSigLocked(idx), nil
	case "2of2":
		return c.materializeMultisigLocked(idx, 2, []uint32{1, 2}), nil
	case "2of3":
		return c.materializeMultisigLocked(idx, 2, []uint32{3, 4, 5}), nil
	default:
		return nil, fmt.Errorf("unknown account kind %q", kind)
	}
}

// ExtendChains implements the per-account, per-change-flag chain
// extension of the synchronizer loop: grows each chain until its
// trailing gap-limit addresses are all unused. Returns every newly
// created address. Materializing the next account of a kind, once its
// speculative first address is seen to have history, happens in
// ReceiveHistory, not here.
func (c *Core) ExtendChains() ([]string, error) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	var newAddrs []string

	for _, entry := range c.accounts {
		for _, flag := range []account.ChangeFlag{account.External, account.Change} {
			added, err := c.growChainLocked(entry, flag)
			if err != nil {
				return newAddrs, fmt.Errorf("extend %s chain %d: %w", entry.id, flag, err)
			}
			newAddrs = append(newAddrs, added...)
		}
	}

	return newAddrs, nil
}

// growChainLocked extends flag's chain on entry until the trailing
// gapLimitFor(flag) addresses all lack history.
func (c *Core) growChainLocked(entry *accountEntry, flag account.ChangeFlag) ([]string, error) {
	limit := c.gapLimitFor(flag)
	var added []string
	for {
		addrs := entry.acct.Addresses(flag)
		if len(addrs) >= limit && c.trailingUnusedLocked(addrs, limit) {
			return added, nil
		}
		addr, err := entry.acct.CreateNextAddress(flag)
		if err != nil {
			return added, err
		}
		c.history[addr] = indexer.History{}
		added = append(added, addr)
	}
}

func (c *Core) trailingUnusedLocked(addrs []string, limit int) bool {
	for _, addr := range addrs[len(addrs)-limit:] {
		if h, ok := c.history[addr]; ok && !isEmptyHistory(h) {
			return false
		}
	}
	return true
}

// History returns the locally known history for addr.
func (c *Core) History(addr string) (indexer.History, bool) {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	h, ok := c.history[addr]
	return h, ok
}

// ReceiveHistory implements check_new_history then, on success, applies
// it: every tx in hist must be either unknown locally or actually
// pay-to/spend-from addr. Confirmed transactions addr used to be the
// sole attributor of, that the new history drops, are recorded as
// orphan candidates for OrphanCandidates/RecoverOrphan rather than
// pruned immediately. Every confirmed entry is also fed to the
// Verifier, in case it was previously unconfirmed.
func (c *Core) ReceiveHistory(addr string, hist indexer.History) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.txLock.Lock()
	defer c.txLock.Unlock()

	if !hist.Pruned {
		for _, e := range hist.Entries {
			tx, known := c.transactions[e.TxID]
			if !known {
				continue
			}
			if !c.txReferencesAddressLocked(tx, addr) {
				return walleterr.New("ReceiveHistory", walleterr.HistoryInconsistent,
					fmt.Errorf("tx %s in new history does not reference %s", e.TxID, addr))
			}
		}
	}

	old, hadOld := c.history[addr]
	if hadOld && !old.Pruned {
		newSet := make(map[string]bool, len(hist.Entries))
		for _, e := range hist.Entries {
			newSet[e.TxID] = true
		}
		for _, e := range old.Entries {
			if e.Height <= 0 || newSet[e.TxID] {
				continue
			}
			if c.attributedElsewhereLocked(e.TxID, addr) {
				continue
			}
			c.orphanCandidates[e.TxID] = c.outputAddressesLocked(e.TxID)
		}
	}

	c.history[addr] = hist

	if c.verifier != nil && !hist.Pruned {
		for _, e := range hist.Entries {
			if e.Height > 0 {
				c.verifier.Add(e.TxID, e.Height)
			}
		}
	}

	if kind, ok := c.speculativeNextAddressesLocked()[addr]; ok && !isEmptyHistory(hist) {
		entry, err := c.materializeNextOfKindLocked(kind)
		if err != nil {
			return err
		}
		for flag := account.ChangeFlag(0); flag <= account.Change; flag++ {
			for j := 0; j < c.gapLimitFor(flag); j++ {
				newAddr, err := entry.acct.CreateNextAddress(flag)
				if err != nil {
					return fmt.Errorf("extend newly materialized account: %w", err)
				}
				if newAddr != addr {
					c.history[newAddr] = indexer.History{}
				} else {
					c.history[newAddr] = hist
				}
			}
		}
	}

	return nil
}

// txReferencesAddressLocked reports whether tx pays to or spends from
// addr, per check_new_tx's membership test. Caller must hold stateLock
// and txLock.
func (c *Core) txReferencesAddressLocked(tx *wire.MsgTx, addr string) bool {
	for _, out := range tx.TxOut {
		if a, ok := scriptToAddress(out.PkScript, c.params); ok && a == addr {
			return true
		}
	}
	for _, in := range tx.TxIn {
		key := outpointKey(in.PreviousOutPoint.Hash.String(), in.PreviousOutPoint.Index)
		if c.prevoutAddr[key] == addr {
			return true
		}
	}
	return false
}

// attributedElsewhereLocked reports whether some address other than
// addr still lists txid in its history.
func (c *Core) attributedElsewhereLocked(txid, addr string) bool {
	for a, h := range c.history {
		if a == addr || h.Pruned {
			continue
		}
		for _, e := range h.Entries {
			if e.TxID == txid {
				return true
			}
		}
	}
	return false
}

// outputAddressesLocked lists the addresses txid's outputs pay to, for
// orphan cross-request. Caller must hold txLock.
func (c *Core) outputAddressesLocked(txid string) []string {
	tx, ok := c.transactions[txid]
	if !ok {
		return nil
	}
	var addrs []string
	for _, out := range tx.TxOut {
		if a, ok := scriptToAddress(out.PkScript, c.params); ok {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// OrphanCandidates returns confirmed transactions flagged by the most
// recent ReceiveHistory calls as no longer attributed to any address.
func (c *Core) OrphanCandidates() []sync.OrphanCandidate {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	out := make([]sync.OrphanCandidate, 0, len(c.orphanCandidates))
	for txid, outAddrs := range c.orphanCandidates {
		out = append(out, sync.OrphanCandidate{TxID: txid, OutputAddresses: outAddrs})
		delete(c.orphanCandidates, txid)
	}
	return out
}

// RecoverOrphan prunes txid from the cache if foundAtAddresses is empty,
// per check_new_history's cross-request fallback; the open-question
// decision keeps this silent beyond a log line, which the caller emits.
func (c *Core) RecoverOrphan(txid string, foundAtAddresses []string) error {
	if len(foundAtAddresses) > 0 {
		return nil
	}

	c.txLock.Lock()
	defer c.txLock.Unlock()
	delete(c.transactions, txid)

	for key, t := range c.prevoutAddr {
		_ = t
		if hasPrefix(key, txid+":") {
			delete(c.prevoutAddr, key)
			delete(c.prevoutValue, key)
		}
	}
	for key := range c.spentOutputs {
		if hasPrefix(key, txid+":") {
			delete(c.spentOutputs, key)
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// MissingTransactions returns (txid, height) pairs referenced by some
// history but absent from the transaction cache.
func (c *Core) MissingTransactions() []sync.TxRef {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	c.txLock.RLock()
	defer c.txLock.RUnlock()

	seen := make(map[string]bool)
	var out []sync.TxRef
	for _, h := range c.history {
		if h.Pruned {
			continue
		}
		for _, e := range h.Entries {
			if seen[e.TxID] {
				continue
			}
			if _, ok := c.transactions[e.TxID]; ok {
				continue
			}
			seen[e.TxID] = true
			out = append(out, sync.TxRef{TxID: e.TxID, Height: e.Height})
		}
	}
	return out
}

// ReceiveTransaction implements receive_tx_callback: verifies rawHex
// hashes to txid, parses it, runs check_new_tx, inserts it, and updates
// the prevout/spent derived tables.
func (c *Core) ReceiveTransaction(txid string, rawHex string) error {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return walleterr.New("ReceiveTransaction", walleterr.Unknown, fmt.Errorf("decode hex: %w", err))
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return walleterr.New("ReceiveTransaction", walleterr.Unknown, fmt.Errorf("parse tx: %w", err))
	}
	if got := tx.TxHash().String(); got != txid {
		return walleterr.New("ReceiveTransaction", walleterr.Unknown,
			fmt.Errorf("tx hash mismatch: got %s want %s", got, txid))
	}

	c.stateLock.RLock()
	hists := make(map[string]indexer.History, len(c.history))
	for a, h := range c.history {
		hists[a] = h
	}
	c.stateLock.RUnlock()

	c.txLock.Lock()
	defer c.txLock.Unlock()

	for addr, h := range hists {
		if h.Pruned {
			continue
		}
		for _, e := range h.Entries {
			if e.TxID != txid {
				continue
			}
			if !c.txReferencesAddressLocked(&tx, addr) {
				return walleterr.New("ReceiveTransaction", walleterr.HistoryInconsistent,
					fmt.Errorf("tx %s does not reference %s despite appearing in its history", txid, addr))
			}
		}
	}

	c.transactions[txid] = &tx

	for i, out := range tx.TxOut {
		key := outpointKey(txid, uint32(i))
		c.prevoutValue[key] = out.Value
		if addr, ok := scriptToAddress(out.PkScript, c.params); ok {
			c.prevoutAddr[key] = addr
		}
	}
	for _, in := range tx.TxIn {
		key := outpointKey(in.PreviousOutPoint.Hash.String(), in.PreviousOutPoint.Index)
		c.spentOutputs[key] = true
	}

	return nil
}

// SetUpToDate flips the up_to_date bit; returns whether it changed.
func (c *Core) SetUpToDate(v bool) bool {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.upToDate == v {
		return false
	}
	c.upToDate = v
	return true
}

// IsUpToDate reports the current up_to_date bit.
func (c *Core) IsUpToDate() bool {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.upToDate
}
