// Package account implements the four wallet account variants — Old,
// BIP32-Single, BIP32-2of2 and BIP32-2of3 — behind a single Account
// interface. The source this core is derived from models accounts with
// class inheritance; here the capability set in the component design is
// expressed as a tagged variant: one interface, three concrete structs
// (MultisigAccount covers both 2of2 and 2of3), no dynamic dispatch beyond
// the interface call itself.
package account

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ChangeFlag selects the external (receiving) or change (internal) chain
// of an account.
type ChangeFlag int

const (
	External ChangeFlag = 0
	Change   ChangeFlag = 1
)

// Kind identifies which variant an Account is, matching the external
// "account-type strings" from the wire/storage format.
type Kind string

const (
	KindOld      Kind = "old"
	KindSingle   Kind = "1"
	KindMultisig Kind = "multisig" // distinguished further by NumLegs()
)

// Account is the capability set every account variant implements:
// enumerating and growing its two address chains, deriving pubkeys and
// redeem scripts at a chain position, and recovering the private keys
// needed to sign for an address given whatever master secrets the caller
// can supply.
type Account interface {
	// ID is the account identifier as persisted and surfaced externally,
	// e.g. "m/0'/3", "m/1'/0 & m/2'/0", or the legacy integer account "0".
	ID() string

	// TypeString is the external account-type string: "1", "2of2", "2of3".
	TypeString() string

	// NumLegs is 1 for Old/Single accounts, 2 for 2-of-2, 3 for 2-of-3.
	NumLegs() int

	// Addresses returns the materialized address chain for flag, in
	// derivation order.
	Addresses(flag ChangeFlag) []string

	// CreateNextAddress derives and appends the next address on flag's
	// chain, returning it.
	CreateNextAddress(flag ChangeFlag) (string, error)

	// AddressAt returns the address at position index on flag's chain,
	// deriving it if it is beyond what has been materialized so far is
	// the caller's responsibility — AddressAt only recomputes, it does
	// not grow the stored chain.
	AddressAt(flag ChangeFlag, index uint32) (string, error)

	// PubkeysAt returns the compressed pubkey for each leg at (flag,
	// index), in leg order (never re-sorted — see the multisig pubkey
	// ordering design note).
	PubkeysAt(flag ChangeFlag, index uint32) ([][]byte, error)

	// RedeemScriptAt returns the P2SH redeem script for (flag, index), or
	// nil for account kinds that have none (Old, Single).
	RedeemScriptAt(flag ChangeFlag, index uint32) ([]byte, error)

	// PrivateKeysAt derives the private key for each leg whose master
	// private scalar is present in legSecrets (nil entries are skipped,
	// matching the "missing legs are silently skipped" partial-sign
	// behavior). legSecrets must have NumLegs() entries, by leg order.
	PrivateKeysAt(legSecrets []*btcec.PrivateKey, flag ChangeFlag, index uint32) ([]*btcec.PrivateKey, error)

	// FirstAddress returns the external chain's address at index 0,
	// deriving it on demand; used to test whether a not-yet-materialized
	// account has already received funds.
	FirstAddress() (string, error)

	// TrimTrailingUnused shrinks flag's chain back down to the longest
	// prefix ending with at most limit consecutive addresses for which
	// isUsed returns false, per change_gap_limit's "trim trailing unused
	// addresses" rule when the gap limit decreases.
	TrimTrailingUnused(flag ChangeFlag, limit int, isUsed func(addr string) bool)
}

// addressChain is the shared growing-list bookkeeping embedded by every
// concrete account variant.
type addressChain struct {
	external []string
	change   []string
}

func (c *addressChain) slice(flag ChangeFlag) []string {
	if flag == Change {
		return c.change
	}
	return c.external
}

func (c *addressChain) append(flag ChangeFlag, addr string) {
	if flag == Change {
		c.change = append(c.change, addr)
	} else {
		c.external = append(c.external, addr)
	}
}

func (c *addressChain) truncate(flag ChangeFlag, n int) {
	if flag == Change {
		c.change = c.change[:n]
	} else {
		c.external = c.external[:n]
	}
}

// TrimTrailingUnused shrinks flag's chain back down to the longest
// prefix ending with at most limit consecutive addresses for which
// isUsed returns false. Promoted to every concrete account variant
// through embedding, satisfying Account.TrimTrailingUnused.
func (c *addressChain) TrimTrailingUnused(flag ChangeFlag, limit int, isUsed func(addr string) bool) {
	s := c.slice(flag)
	lastUsed := -1
	for i, addr := range s {
		if isUsed(addr) {
			lastUsed = i
		}
	}
	keep := lastUsed + 1 + limit
	if keep < 0 {
		keep = 0
	}
	if keep < len(s) {
		c.truncate(flag, keep)
	}
}

func validateLegCount(legSecrets []*btcec.PrivateKey, want int) error {
	if len(legSecrets) != want {
		return fmt.Errorf("expected %d leg secrets, got %d", want, len(legSecrets))
	}
	return nil
}
