package walletcore

import (
	"errors"
	"sort"

	"github.com/klingon-exchange/btcwallet/internal/account"
	"github.com/klingon-exchange/btcwallet/internal/indexer"
	"github.com/klingon-exchange/btcwallet/internal/walleterr"
)

var errGapLimitTooSmall = errors.New("gap limit below the longest observed empty run")

// Addresses implements addresses(include_change, include_next): imported
// addresses first (under the pseudo account id "-1"), then each
// account's external chain, then its change chain if requested, then
// any pending not-yet-materialized next-addresses.
func (c *Core) Addresses(includeChange, includeNext bool) []string {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()

	var out []string

	importedAddrs := make([]string, 0, len(c.importedKeys))
	for addr := range c.importedKeys {
		importedAddrs = append(importedAddrs, addr)
	}
	sort.Strings(importedAddrs)
	out = append(out, importedAddrs...)

	ids := make([]string, 0, len(c.accounts))
	for id := range c.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		entry := c.accounts[id]
		out = append(out, entry.acct.Addresses(account.External)...)
		if includeChange {
			out = append(out, entry.acct.Addresses(account.Change)...)
		}
	}

	if includeNext {
		// next_addresses: the first external address of each
		// not-yet-materialized account, one per kind, using the same
		// derivation CreateAccount would use to actually create it.
		speculative := c.speculativeNextAddressesLocked()
		next := make([]string, 0, len(speculative))
		for addr := range speculative {
			next = append(next, addr)
		}
		sort.Strings(next)
		out = append(out, next...)
	}

	return out
}

// IsMine reports whether addr belongs to this wallet (HD-derived or
// imported).
func (c *Core) IsMine(addr string) bool {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.isMineLocked(addr)
}

func (c *Core) isMineLocked(addr string) bool {
	if _, ok := c.importedKeys[addr]; ok {
		return true
	}
	for _, entry := range c.accounts {
		for _, a := range entry.acct.Addresses(account.External) {
			if a == addr {
				return true
			}
		}
		for _, a := range entry.acct.Addresses(account.Change) {
			if a == addr {
				return true
			}
		}
	}
	return false
}

// IsChange reports whether addr is on some account's change chain.
func (c *Core) IsChange(addr string) bool {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.isChangeLocked(addr)
}

func (c *Core) isChangeLocked(addr string) bool {
	for _, entry := range c.accounts {
		for _, a := range entry.acct.Addresses(account.Change) {
			if a == addr {
				return true
			}
		}
	}
	return false
}

// AddressIndex is the (account_id, change_flag, chain_index) triple
// returned by get_address_index, or the imported-key sentinel.
type AddressIndex struct {
	AccountID  string
	Imported   bool
	ChangeFlag account.ChangeFlag
	ChainIndex int
}

// GetAddressIndex implements get_address_index(address).
func (c *Core) GetAddressIndex(addr string) (AddressIndex, error) {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()

	if _, ok := c.importedKeys[addr]; ok {
		return AddressIndex{AccountID: ImportedAccountID, Imported: true}, nil
	}

	for _, entry := range c.accounts {
		for flag := account.ChangeFlag(0); flag <= account.Change; flag++ {
			for i, a := range entry.acct.Addresses(flag) {
				if a == addr {
					return AddressIndex{AccountID: entry.id, ChangeFlag: flag, ChainIndex: i}, nil
				}
			}
		}
	}

	return AddressIndex{}, walleterr.New("GetAddressIndex", walleterr.AddressNotFound, nil)
}

// Freeze/Unfreeze/Prioritize/Unprioritize mutate the two disjoint sets;
// each returns false for a non-mine address or a no-op mutation.

func (c *Core) Freeze(addr string) bool {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if !c.isMineLocked(addr) || c.frozen[addr] {
		return false
	}
	delete(c.prioritized, addr)
	c.frozen[addr] = true
	return true
}

func (c *Core) Unfreeze(addr string) bool {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if !c.frozen[addr] {
		return false
	}
	delete(c.frozen, addr)
	return true
}

func (c *Core) Prioritize(addr string) bool {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if !c.isMineLocked(addr) || c.prioritized[addr] {
		return false
	}
	delete(c.frozen, addr)
	c.prioritized[addr] = true
	return true
}

func (c *Core) Unprioritize(addr string) bool {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if !c.prioritized[addr] {
		return false
	}
	delete(c.prioritized, addr)
	return true
}

// minAcceptableGap is the longest observed run of empty addresses
// anywhere in any external chain, plus 1.
func (c *Core) minAcceptableGapLocked() int {
	longest := 0
	for _, entry := range c.accounts {
		run := 0
		for _, addr := range entry.acct.Addresses(account.External) {
			h, ok := c.history[addr]
			if ok && !isEmptyHistory(h) {
				run = 0
				continue
			}
			run++
			if run > longest {
				longest = run
			}
		}
	}
	return longest + 1
}

// ChangeGapLimit implements change_gap_limit(v): accepted only if
// v >= gap_limit or v >= min_acceptable_gap(); trims trailing unused
// addresses when decreasing.
func (c *Core) ChangeGapLimit(v int) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if v < c.gapLimit && v < c.minAcceptableGapLocked() {
		return walleterr.New("ChangeGapLimit", walleterr.Unknown, errGapLimitTooSmall)
	}

	decreasing := v < c.gapLimit
	c.gapLimit = v

	if decreasing {
		for _, entry := range c.accounts {
			entry.acct.TrimTrailingUnused(account.External, v, func(addr string) bool {
				h, ok := c.history[addr]
				return ok && !isEmptyHistory(h)
			})
		}
	}
	return nil
}

func isEmptyHistory(h indexer.History) bool {
	return !h.Pruned && len(h.Entries) == 0
}

// SetLabel / AddContact / DeleteContact / SetFee are small bookkeeping
// mutations with no indexer interaction.

func (c *Core) SetLabel(key, label string) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.labels[key] = label
}

func (c *Core) AddContact(addr string) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	for _, a := range c.contacts {
		if a == addr {
			return
		}
	}
	c.contacts = append(c.contacts, addr)
}

func (c *Core) DeleteContact(addr string) bool {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	for i, a := range c.contacts {
		if a == addr {
			c.contacts = append(c.contacts[:i], c.contacts[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Core) SetFee(satPerKB int64) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.feePerKB = satPerKB
}
