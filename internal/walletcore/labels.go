package walletcore

import "github.com/btcsuite/btcd/wire"

// GetLabel implements get_label(txid): the user-assigned label if one
// was set, otherwise GetDefaultLabel's inferred label. The second
// return value reports whether the label is the inferred default.
func (c *Core) GetLabel(txid string) (label string, isDefault bool) {
	c.stateLock.RLock()
	label, ok := c.labels[txid]
	c.stateLock.RUnlock()
	if ok && label != "" {
		return label, false
	}
	return c.GetDefaultLabel(txid), true
}

// GetDefaultLabel implements get_default_label(txid): for a
// wallet-initiated spend, the label (or address) of the first output
// that does not belong to the wallet, or "(internal)" if every output
// does; for a receive, the label (or address) of the first receiving
// output, preferring one that is not a change address.
func (c *Core) GetDefaultLabel(txid string) string {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	c.txLock.RLock()
	defer c.txLock.RUnlock()

	tx, ok := c.transactions[txid]
	if !ok {
		return ""
	}

	if c.allInputsMineLocked(tx) {
		for _, out := range tx.TxOut {
			addr, ok := scriptToAddress(out.PkScript, c.params)
			if !ok || c.isMineLocked(addr) {
				continue
			}
			if label := c.labels[addr]; label != "" {
				return label
			}
			return addr
		}
		return "(internal)"
	}

	received := ""
	for _, out := range tx.TxOut {
		addr, ok := scriptToAddress(out.PkScript, c.params)
		if !ok || !c.isMineLocked(addr) {
			continue
		}
		if received == "" {
			received = addr
		}
		if !c.isChangeLocked(addr) {
			received = addr
			break
		}
	}
	if received == "" {
		return ""
	}
	if label := c.labels[received]; label != "" {
		return label
	}
	return received
}

// allInputsMineLocked reports whether every input of tx spends a
// prevout this wallet owns, i.e. tx is a spend this wallet originated.
// Caller must hold stateLock and txLock.
func (c *Core) allInputsMineLocked(tx *wire.MsgTx) bool {
	if len(tx.TxIn) == 0 {
		return false
	}
	for _, in := range tx.TxIn {
		key := outpointKey(in.PreviousOutPoint.Hash.String(), in.PreviousOutPoint.Index)
		addr, ok := c.prevoutAddr[key]
		if !ok || !c.isMineLocked(addr) {
			return false
		}
	}
	return true
}

// FillAddressbook implements fill_addressbook(): for every cached
// wallet-originated transaction, adds each output address that is not
// our own and not already present to the contact list.
func (c *Core) FillAddressbook() {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.txLock.RLock()
	defer c.txLock.RUnlock()

	present := make(map[string]bool, len(c.contacts))
	for _, a := range c.contacts {
		present[a] = true
	}

	for _, tx := range c.transactions {
		if !c.allInputsMineLocked(tx) {
			continue
		}
		for _, out := range tx.TxOut {
			addr, ok := scriptToAddress(out.PkScript, c.params)
			if !ok || c.isMineLocked(addr) || present[addr] {
				continue
			}
			c.contacts = append(c.contacts, addr)
			present[addr] = true
		}
	}
}
