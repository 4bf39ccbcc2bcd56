// Package walletcore is the Wallet Core: it owns the seed, accounts,
// address history, transaction cache, and balances, and exposes the
// high-level operations every other component (Synchronizer, CLI) calls
// into. It is the only package that holds the state_lock/transaction_lock
// pair described in the concurrency model.
package walletcore

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/btcwallet/internal/account"
	"github.com/klingon-exchange/btcwallet/internal/cryptoutil"
	"github.com/klingon-exchange/btcwallet/internal/indexer"
	"github.com/klingon-exchange/btcwallet/internal/store"
	"github.com/klingon-exchange/btcwallet/internal/walleterr"
	"github.com/klingon-exchange/btcwallet/pkg/logging"
)

// GapLimitForChange is the fixed gap limit for every account's change
// chain; only the external-chain gap limit is user-configurable.
const GapLimitForChange = 3

// DefaultGapLimit is the external-chain gap limit a fresh wallet starts
// with.
const DefaultGapLimit = 5

// ImportedAccountID is the pseudo account id addresses())/coin-selection
// logic uses for keys imported outside the HD tree.
const ImportedAccountID = "-1"

// registryEntry is one slot of the six-entry master key registry.
type registryEntry struct {
	leg           account.Leg
	privEncrypted string // pw_encode'd hex of the 32-byte scalar; empty if watch-only
}

// accountEntry wraps an Account with the registry bookkeeping needed to
// reconstruct its private keys and to answer get_address_index.
type accountEntry struct {
	id         string
	kind       account.Kind
	regIndices []uint32 // registry indices backing this account's legs, in leg order
	chainIndex uint32   // the shared "i" component of the account id
	label      string
	acct       account.Account
}

// Core is the Wallet Core.
type Core struct {
	stateLock sync.RWMutex // up_to_date, history, address-set mutations
	txLock    sync.RWMutex // transactions, prevout/spent derived tables

	store  *store.Store
	params *chaincfg.Params
	log    *logging.Logger

	seedVersion   int
	seedEncrypted string // pw_encode'd hex seed; empty means watch-only
	useEncryption bool

	gapLimit int
	useChange bool
	feePerKB  int64

	registry [account.NumRegistryPrefixes]registryEntry

	accounts     map[string]*accountEntry
	nextAccounts map[account.Kind]uint32 // next chain index to materialize per account kind

	labels      map[string]string
	contacts    []string
	frozen      map[string]bool
	prioritized map[string]bool

	importedKeys map[string]string // address -> pw_encode'd WIF

	history      map[string]indexer.History
	transactions map[string]*wire.MsgTx
	prevoutValue map[string]int64  // "txid:vout" -> satoshis
	prevoutAddr  map[string]string // "txid:vout" -> owning address, when known
	spentOutputs map[string]bool   // "txid:vout" spent by some cached tx

	orphanCandidates map[string][]string // txid -> its output addresses, pending cross-request

	upToDate bool

	verifier Verifier // SPV chain-position collaborator; nil until SetVerifier
}

// New constructs an empty Core backed by st, for the given network.
func New(st *store.Store, params *chaincfg.Params, log *logging.Logger) *Core {
	return &Core{
		store:            st,
		params:           params,
		log:              log,
		gapLimit:         DefaultGapLimit,
		useChange:        true,
		feePerKB:         1000,
		accounts:         make(map[string]*accountEntry),
		nextAccounts:     make(map[account.Kind]uint32),
		labels:           make(map[string]string),
		frozen:           make(map[string]bool),
		prioritized:      make(map[string]bool),
		importedKeys:     make(map[string]string),
		history:          make(map[string]indexer.History),
		transactions:     make(map[string]*wire.MsgTx),
		prevoutValue:     make(map[string]int64),
		prevoutAddr:      make(map[string]string),
		spentOutputs:     make(map[string]bool),
		orphanCandidates: make(map[string][]string),
	}
}

// InitSeed implements init_seed(seed_or_none): fails if a seed already
// exists; otherwise generates 128 bits of entropy if none supplied.
func (c *Core) InitSeed(seedHex string) (mnemonic string, err error) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if c.seedEncrypted != "" {
		return "", walleterr.New("InitSeed", walleterr.SeedAlreadyExists, fmt.Errorf("seed already present"))
	}

	if seedHex == "" {
		var err error
		seedHex, mnemonic, err = cryptoutil.NewSeed()
		if err != nil {
			return "", fmt.Errorf("generate seed: %w", err)
		}
	} else {
		mnemonic, err = cryptoutil.EncodeMnemonic(seedHex)
		if err != nil {
			return "", fmt.Errorf("encode mnemonic: %w", err)
		}
	}

	c.seedVersion = cryptoutil.CurrentSeedVersion
	// Stored unencrypted until the caller sets a passphrase via
	// update_password — pw_encode with an empty passphrase is the
	// identity transform.
	encoded, err := cryptoutil.PwEncode(seedHex, "")
	if err != nil {
		return "", err
	}
	c.seedEncrypted = encoded
	c.useEncryption = false

	return mnemonic, nil
}

// DecodeSeed returns the plaintext seed hex, failing with
// InvalidPassword if passphrase is wrong and DeprecatedSeed if the
// stored seed version predates CurrentSeedVersion.
func (c *Core) DecodeSeed(passphrase string) (string, error) {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()

	if err := cryptoutil.CheckSeedVersion(c.seedVersion); err != nil {
		return "", err
	}
	return cryptoutil.PwDecode(c.seedEncrypted, passphrase)
}

// CreateAccounts implements create_accounts(): derives all six master
// key pairs from the seed into the in-memory registry, then creates one
// default single-sig account labeled "Main account". It does not write
// the store; the keys reach the wallet file on the next Save.
func (c *Core) CreateAccounts(passphrase string) error {
	seedHex, err := c.DecodeSeed(passphrase)
	if err != nil {
		return err
	}
	seed, err := hexDecode(seedHex)
	if err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}

	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	for i := uint32(0); i < account.NumRegistryPrefixes; i++ {
		leg, priv, err := account.DeriveRegistryLeg(seed, i)
		if err != nil {
			return fmt.Errorf("derive registry leg %d: %w", i, err)
		}
		encPriv, err := cryptoutil.PwEncode(hexEncode(priv.Serialize()), passphrase)
		if err != nil {
			return fmt.Errorf("encrypt registry leg %d: %w", i, err)
		}
		c.registry[i] = registryEntry{leg: leg, privEncrypted: encPriv}
	}

	entry := c.materializeSingleSigLocked(0)
	entry.label = "Main account"

	for flag := account.ChangeFlag(0); flag <= account.Change; flag++ {
		for j := 0; j < c.gapLimitFor(flag); j++ {
			if _, err := entry.acct.CreateNextAddress(flag); err != nil {
				return fmt.Errorf("extend new account: %w", err)
			}
		}
	}

	return nil
}

func (c *Core) gapLimitFor(flag account.ChangeFlag) int {
	if flag == account.Change {
		return GapLimitForChange
	}
	return c.gapLimit
}

// materializeSingleSigLocked creates the single-sig account at chain
// index idx. Caller must hold stateLock.
func (c *Core) materializeSingleSigLocked(idx uint32) *accountEntry {
	id := fmt.Sprintf("m/0'/%d", idx)
	acct := account.NewSingleSigAccount(id, c.registry[0].leg, c.params)
	entry := &accountEntry{id: id, kind: account.KindSingle, regIndices: []uint32{0}, chainIndex: idx, acct: acct}
	c.accounts[id] = entry
	if idx+1 > c.nextAccounts[account.KindSingle] {
		c.nextAccounts[account.KindSingle] = idx + 1
	}
	return entry
}

// CreateWatchingOnlyWallet implements create_watching_only_wallet(c0,K0):
// installs the single-sig master pubkey only.
func (c *Core) CreateWatchingOnlyWallet(chainCode []byte, pubkeyCompressed []byte) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	pub, err := btcec.ParsePubKey(pubkeyCompressed)
	if err != nil {
		return fmt.Errorf("parse master pubkey: %w", err)
	}
	c.registry[0] = registryEntry{leg: account.Leg{ChainCode: chainCode, Pubkey: pub}}
	c.materializeSingleSigLocked(0)
	return nil
}

// CreateAccount implements create_account(kind): materializes the next
// account of that kind (first index not already present).
func (c *Core) CreateAccount(kind account.Kind) (string, error) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	idx := c.nextAccounts[kind]
	var entry *accountEntry

	switch kind {
	case account.KindSingle:
		entry = c.materializeSingleSigLocked(idx)
	case "2of2":
		entry = c.materializeMultisigLocked(idx, 2, []uint32{1, 2})
	case "2of3":
		entry = c.materializeMultisigLocked(idx, 2, []uint32{3, 4, 5})
	default:
		return "", fmt.Errorf("unknown account kind %q", kind)
	}

	for flag := account.ChangeFlag(0); flag <= account.Change; flag++ {
		for j := 0; j < c.gapLimitFor(flag); j++ {
			if _, err := entry.acct.CreateNextAddress(flag); err != nil {
				return "", fmt.Errorf("extend new account: %w", err)
			}
		}
	}

	return entry.id, nil
}

func (c *Core) materializeMultisigLocked(idx uint32, m int, regIndices []uint32) *accountEntry {
	legs := make([]account.Leg, len(regIndices))
	for i, ri := range regIndices {
		legs[i] = c.registry[ri].leg
	}
	ids := make([]string, len(regIndices))
	for i, ri := range regIndices {
		ids[i] = fmt.Sprintf("m/%d'/%d", ri, idx)
	}
	id := joinAccountID(ids)

	acct := account.NewMultisigAccount(id, m, legs, c.params)
	kind := account.Kind(fmt.Sprintf("%dof%d", m, len(regIndices)))
	entry := &accountEntry{id: id, kind: kind, regIndices: regIndices, chainIndex: idx, acct: acct}
	c.accounts[id] = entry
	if idx+1 > c.nextAccounts[kind] {
		c.nextAccounts[kind] = idx + 1
	}
	return entry
}

func joinAccountID(ids []string) string {
	out := ids[0]
	for _, id := range ids[1:] {
		out += " & " + id
	}
	return out
}
