package walletcore

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/btcwallet/internal/account"
	"github.com/klingon-exchange/btcwallet/internal/cryptoutil"
	"github.com/klingon-exchange/btcwallet/internal/indexer"
	"github.com/klingon-exchange/btcwallet/internal/txbuilder"
)

// Top-level store keys, per the persisted wallet file's external
// interface.
const (
	keySeedVersion    = "seed_version"
	keySeed           = "seed"
	keyUseEncryption  = "use_encryption"
	keyGapLimit       = "gap_limit"
	keyUseChange      = "use_change"
	keyFeePerKB       = "fee_per_kb"
	keyLabels         = "labels"
	keyContacts       = "contacts"
	keyFrozen         = "frozen_addresses"
	keyPrioritized    = "prioritized_addresses"
	keyImportedKeys   = "imported_keys"
	keyAddrHistory    = "addr_history"
	keyTransactions   = "transactions"
	keyAccounts       = "accounts"
	keyMasterPubKeys  = "master_public_keys"
	keyMasterPrivKeys = "master_private_keys"
	keyNextAddresses  = "next_addresses"
)

// registryPrefix is the persisted key for registry slot i, matching the
// "m/<i>'/" form named in the data model.
func registryPrefix(i int) string {
	return fmt.Sprintf("m/%d'/", i)
}

// Save writes every piece of Core's state into the backing Store and, if
// persist is true, rewrites the file on disk.
func (c *Core) Save(persist bool) error {
	c.stateLock.RLock()
	c.txLock.RLock()
	snapshot := c.buildSnapshotLocked()
	c.txLock.RUnlock()
	c.stateLock.RUnlock()

	for k, v := range snapshot {
		if err := c.store.Put(k, v, false); err != nil {
			return fmt.Errorf("stage %s: %w", k, err)
		}
	}
	if !persist {
		return nil
	}
	return c.store.Save()
}

func (c *Core) buildSnapshotLocked() map[string]interface{} {
	labels := make(map[string]interface{}, len(c.labels))
	for k, v := range c.labels {
		labels[k] = v
	}

	contacts := make([]interface{}, len(c.contacts))
	for i, a := range c.contacts {
		contacts[i] = a
	}

	frozen := sortedKeys(c.frozen)
	prioritized := sortedKeys(c.prioritized)

	imported := make(map[string]interface{}, len(c.importedKeys))
	for addr, wif := range c.importedKeys {
		imported[addr] = wif
	}

	addrHistory := make(map[string]interface{}, len(c.history))
	for addr, h := range c.history {
		addrHistory[addr] = historyToStoreValue(h)
	}

	transactions := make(map[string]interface{}, len(c.transactions))
	for txid, tx := range c.transactions {
		raw, err := txbuilder.Serialize(tx)
		if err != nil {
			continue
		}
		transactions[txid] = hexEncode(raw)
	}

	accounts := make(map[string]interface{}, len(c.accounts))
	for id, entry := range c.accounts {
		regIndices := make([]interface{}, len(entry.regIndices))
		for i, ri := range entry.regIndices {
			regIndices[i] = int64(ri)
		}
		accounts[id] = map[string]interface{}{
			"type":           string(entry.kind),
			"label":          entry.label,
			"chain_index":    int64(entry.chainIndex),
			"reg_indices":    regIndices,
			"external_count": int64(len(entry.acct.Addresses(account.External))),
			"change_count":   int64(len(entry.acct.Addresses(account.Change))),
		}
	}

	masterPub := make(map[string]interface{}, account.NumRegistryPrefixes)
	masterPriv := make(map[string]interface{}, account.NumRegistryPrefixes)
	for i, entry := range c.registry {
		if entry.leg.Pubkey == nil {
			continue
		}
		masterPub[registryPrefix(i)] = map[string]interface{}{
			"chain_code": hexEncode(entry.leg.ChainCode),
			"pubkey":     hexEncode(entry.leg.Pubkey.SerializeCompressed()),
		}
		if entry.privEncrypted != "" {
			masterPriv[registryPrefix(i)] = entry.privEncrypted
		}
	}

	nextAddrs := make(map[string]interface{}, len(c.nextAccounts))
	for kind, idx := range c.nextAccounts {
		nextAddrs[string(kind)] = int64(idx)
	}

	return map[string]interface{}{
		keySeedVersion:    int64(c.seedVersion),
		keySeed:           c.seedEncrypted,
		keyUseEncryption:  c.useEncryption,
		keyGapLimit:       int64(c.gapLimit),
		keyUseChange:      c.useChange,
		keyFeePerKB:       c.feePerKB,
		keyLabels:         labels,
		keyContacts:       contacts,
		keyFrozen:         frozen,
		keyPrioritized:    prioritized,
		keyImportedKeys:   imported,
		keyAddrHistory:    addrHistory,
		keyTransactions:   transactions,
		keyAccounts:       accounts,
		keyMasterPubKeys:  masterPub,
		keyMasterPrivKeys: masterPriv,
		keyNextAddresses:  nextAddrs,
	}
}

func sortedKeys(m map[string]bool) []interface{} {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

func historyToStoreValue(h indexer.History) interface{} {
	if h.Pruned {
		return []interface{}{"*"}
	}
	entries := make([]interface{}, len(h.Entries))
	for i, e := range h.Entries {
		entries[i] = map[string]interface{}{
			"tx_hash": e.TxID,
			"height":  e.Height,
		}
	}
	return entries
}

// Load repopulates Core from the backing Store, in the dependency order
// the data model requires: registry before accounts (accounts reference
// registry legs), accounts before history/transactions (chain growth
// needs to know the account's addresses only for bookkeeping, not for
// parsing history).
func (c *Core) Load() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.txLock.Lock()
	defer c.txLock.Unlock()

	snap := c.store.Snapshot()

	if v, ok := snap[keySeedVersion].(int64); ok {
		c.seedVersion = int(v)
	}
	if v, ok := snap[keySeed].(string); ok {
		c.seedEncrypted = v
	}
	if c.seedEncrypted != "" {
		if err := cryptoutil.CheckSeedVersion(c.seedVersion); err != nil {
			return err
		}
	}
	if v, ok := snap[keyUseEncryption].(bool); ok {
		c.useEncryption = v
	}
	if v, ok := snap[keyGapLimit].(int64); ok {
		c.gapLimit = int(v)
	}
	if v, ok := snap[keyUseChange].(bool); ok {
		c.useChange = v
	}
	if v, ok := snap[keyFeePerKB].(int64); ok {
		c.feePerKB = v
	}

	if m, ok := snap[keyLabels].(map[string]interface{}); ok {
		for k, v := range m {
			if s, ok := v.(string); ok {
				c.labels[k] = s
			}
		}
	}
	if list, ok := snap[keyContacts].([]interface{}); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				c.contacts = append(c.contacts, s)
			}
		}
	}
	if list, ok := snap[keyFrozen].([]interface{}); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				c.frozen[s] = true
			}
		}
	}
	if list, ok := snap[keyPrioritized].([]interface{}); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				c.prioritized[s] = true
			}
		}
	}
	if m, ok := snap[keyImportedKeys].(map[string]interface{}); ok {
		for addr, v := range m {
			if s, ok := v.(string); ok {
				c.importedKeys[addr] = s
			}
		}
	}

	if err := c.loadRegistryLocked(snap); err != nil {
		return err
	}
	if err := c.loadAccountsLocked(snap); err != nil {
		return err
	}
	if err := c.loadHistoryLocked(snap); err != nil {
		return err
	}
	if err := c.loadTransactionsLocked(snap); err != nil {
		return err
	}
	c.rebuildPrevoutTablesLocked()

	if m, ok := snap[keyNextAddresses].(map[string]interface{}); ok {
		for kind, v := range m {
			if n, ok := v.(int64); ok {
				c.nextAccounts[account.Kind(kind)] = uint32(n)
			}
		}
	}

	return nil
}

func (c *Core) loadRegistryLocked(snap map[string]interface{}) error {
	pub, _ := snap[keyMasterPubKeys].(map[string]interface{})
	priv, _ := snap[keyMasterPrivKeys].(map[string]interface{})

	for i := 0; i < account.NumRegistryPrefixes; i++ {
		entryMap, ok := pub[registryPrefix(i)].(map[string]interface{})
		if !ok {
			continue
		}
		chainCodeHex, _ := entryMap["chain_code"].(string)
		pubkeyHex, _ := entryMap["pubkey"].(string)
		chainCode, err := hexDecode(chainCodeHex)
		if err != nil {
			return fmt.Errorf("decode chain code for registry %d: %w", i, err)
		}
		pubkeyBytes, err := hexDecode(pubkeyHex)
		if err != nil {
			return fmt.Errorf("decode pubkey for registry %d: %w", i, err)
		}
		pubkey, err := btcec.ParsePubKey(pubkeyBytes)
		if err != nil {
			return fmt.Errorf("parse pubkey for registry %d: %w", i, err)
		}
		entry := registryEntry{leg: account.Leg{ChainCode: chainCode, Pubkey: pubkey}}
		if encPriv, ok := priv[registryPrefix(i)].(string); ok {
			entry.privEncrypted = encPriv
		}
		c.registry[i] = entry
	}
	return nil
}

func (c *Core) loadAccountsLocked(snap map[string]interface{}) error {
	accounts, ok := snap[keyAccounts].(map[string]interface{})
	if !ok {
		return nil
	}

	for _, raw := range accounts {
		fields, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		kind, _ := fields["type"].(string)
		label, _ := fields["label"].(string)
		chainIndex, _ := fields["chain_index"].(int64)
		externalCount, _ := fields["external_count"].(int64)
		changeCount, _ := fields["change_count"].(int64)

		regIndices := decodeRegIndices(fields["reg_indices"])

		var entry *accountEntry
		var err error
		switch account.Kind(kind) {
		case account.KindSingle:
			entry = c.materializeSingleSigLocked(uint32(chainIndex))
		case "2of2":
			entry = c.materializeMultisigLocked(uint32(chainIndex), 2, regIndices)
		case "2of3":
			entry = c.materializeMultisigLocked(uint32(chainIndex), 2, regIndices)
		default:
			continue
		}
		entry.label = label

		for j := int64(0); j < externalCount; j++ {
			if _, err = entry.acct.CreateNextAddress(account.External); err != nil {
				return fmt.Errorf("replay external chain for %s: %w", entry.id, err)
			}
		}
		for j := int64(0); j < changeCount; j++ {
			if _, err = entry.acct.CreateNextAddress(account.Change); err != nil {
				return fmt.Errorf("replay change chain for %s: %w", entry.id, err)
			}
		}
	}
	return nil
}

func decodeRegIndices(v interface{}) []uint32 {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]uint32, 0, len(list))
	for _, item := range list {
		if n, ok := item.(int64); ok {
			out = append(out, uint32(n))
		}
	}
	return out
}

func (c *Core) loadHistoryLocked(snap map[string]interface{}) error {
	m, ok := snap[keyAddrHistory].(map[string]interface{})
	if !ok {
		return nil
	}
	for addr, raw := range m {
		list, ok := raw.([]interface{})
		if !ok {
			continue
		}
		if len(list) == 1 {
			if s, ok := list[0].(string); ok && s == "*" {
				c.history[addr] = indexer.History{Pruned: true}
				continue
			}
		}
		entries := make([]indexer.HistEntry, 0, len(list))
		for _, item := range list {
			row, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			txid, _ := row["tx_hash"].(string)
			height, _ := row["height"].(int64)
			entries = append(entries, indexer.HistEntry{TxID: txid, Height: height})
		}
		c.history[addr] = indexer.History{Entries: entries}
	}
	return nil
}

func (c *Core) loadTransactionsLocked(snap map[string]interface{}) error {
	m, ok := snap[keyTransactions].(map[string]interface{})
	if !ok {
		return nil
	}
	for txid, raw := range m {
		hexStr, ok := raw.(string)
		if !ok {
			continue
		}
		data, err := hexDecode(hexStr)
		if err != nil {
			return fmt.Errorf("decode cached tx %s: %w", txid, err)
		}
		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("parse cached tx %s: %w", txid, err)
		}
		c.transactions[txid] = &tx
	}
	return nil
}

// rebuildPrevoutTablesLocked recomputes prevoutValue/prevoutAddr/
// spentOutputs from the loaded transaction cache, mirroring what
// ReceiveTransaction does incrementally at runtime.
func (c *Core) rebuildPrevoutTablesLocked() {
	for txid, tx := range c.transactions {
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
	}
}
