package account

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// OldAccount is the legacy pre-BIP32 "Old" account (account id "0"):
// a single EC point offset scheme rather than hierarchical derivation.
// Addresses are uncompressed P2PKH, version 0x00.
type OldAccount struct {
	addressChain

	label        string
	masterPubkey *btcec.PublicKey // uncompressed master point
	masterSecret *big.Int         // nil for watch-only
	params       *chaincfg.Params
}

// StretchOldSeed derives the legacy master private scalar from a raw seed
// via the classic Electrum 1.x stretching function: 100,000 rounds of
// sha256(x || seed), interpreted as a big-endian scalar mod the curve
// order. This is deliberately slow — it stood in for a real KDF before
// BIP32 wallets existed.
func StretchOldSeed(seed []byte) *big.Int {
	x := append([]byte{}, seed...)
	for i := 0; i < 100000; i++ {
		h := sha256.Sum256(append(x, seed...))
		x = h[:]
	}
	n := new(big.Int).SetBytes(x)
	return n.Mod(n, btcec.S256().N)
}

// NewOldAccountFromSeed builds an Old account with full spending
// capability from a raw seed.
func NewOldAccountFromSeed(seed []byte, params *chaincfg.Params) *OldAccount {
	secret := StretchOldSeed(seed)
	privKey, pubKey := btcec.PrivKeyFromBytes(secret.FillBytes(make([]byte, 32)))
	_ = privKey
	return &OldAccount{masterSecret: secret, masterPubkey: pubKey, params: params}
}

// NewOldAccountFromMasterPubkey builds a watch-only Old account from a
// previously exported 64-byte (no 0x04 prefix) master public key.
func NewOldAccountFromMasterPubkey(mpk []byte, params *chaincfg.Params) (*OldAccount, error) {
	pub, err := parseUncompressedXY(mpk)
	if err != nil {
		return nil, fmt.Errorf("parse master pubkey: %w", err)
	}
	return &OldAccount{masterPubkey: pub, params: params}, nil
}

func parseUncompressedXY(xy []byte) (*btcec.PublicKey, error) {
	if len(xy) != 64 {
		return nil, fmt.Errorf("expected 64-byte master pubkey, got %d", len(xy))
	}
	full := append([]byte{0x04}, xy...)
	return btcec.ParsePubKey(full)
}

// MasterPubkeyBytes returns the 64-byte (x||y) master public key used to
// seed the sequence() function, suitable for persistence as a
// watching-only master key.
func (a *OldAccount) MasterPubkeyBytes() []byte {
	return a.masterPubkey.SerializeUncompressed()[1:]
}

func (a *OldAccount) ID() string          { return "0" }
func (a *OldAccount) TypeString() string  { return "old" }
func (a *OldAccount) NumLegs() int        { return 1 }
func (a *OldAccount) Label() string       { return a.label }
func (a *OldAccount) SetLabel(l string)   { a.label = l }

func (a *OldAccount) Addresses(flag ChangeFlag) []string {
	return a.slice(flag)
}

func (a *OldAccount) CreateNextAddress(flag ChangeFlag) (string, error) {
	index := uint32(len(a.slice(flag)))
	addr, err := a.AddressAt(flag, index)
	if err != nil {
		return "", err
	}
	a.append(flag, addr)
	return addr, nil
}

// sequence computes sha256d("<index>:<change>:" || mpk) mod N, the
// per-position EC scalar offset from the master key.
func (a *OldAccount) sequence(flag ChangeFlag, index uint32) *big.Int {
	msg := fmt.Sprintf("%d:%d:", index, int(flag))
	data := append([]byte(msg), a.MasterPubkeyBytes()...)
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	n := new(big.Int).SetBytes(second[:])
	return n.Mod(n, btcec.S256().N)
}

func (a *OldAccount) childPubkey(flag ChangeFlag, index uint32) (*btcec.PublicKey, error) {
	curve := btcec.S256()
	seq := a.sequence(flag, index)

	masterUncompressed := a.masterPubkey.SerializeUncompressed()
	masterX := new(big.Int).SetBytes(masterUncompressed[1:33])
	masterY := new(big.Int).SetBytes(masterUncompressed[33:65])

	offsetX, offsetY := curve.ScalarBaseMult(seq.Bytes())
	childX, childY := curve.Add(masterX, masterY, offsetX, offsetY)

	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	childX.FillBytes(uncompressed[1:33])
	childY.FillBytes(uncompressed[33:65])
	return btcec.ParsePubKey(uncompressed)
}

func (a *OldAccount) AddressAt(flag ChangeFlag, index uint32) (string, error) {
	pub, err := a.childPubkey(flag, index)
	if err != nil {
		return "", err
	}
	hash160 := btcutil.Hash160(pub.SerializeUncompressed())
	addr, err := btcutil.NewAddressPubKeyHash(hash160, a.params)
	if err != nil {
		return "", fmt.Errorf("encode address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

func (a *OldAccount) PubkeysAt(flag ChangeFlag, index uint32) ([][]byte, error) {
	pub, err := a.childPubkey(flag, index)
	if err != nil {
		return nil, err
	}
	return [][]byte{pub.SerializeUncompressed()}, nil
}

func (a *OldAccount) RedeemScriptAt(flag ChangeFlag, index uint32) ([]byte, error) {
	return nil, nil
}

func (a *OldAccount) PrivateKeysAt(legSecrets []*btcec.PrivateKey, flag ChangeFlag, index uint32) ([]*btcec.PrivateKey, error) {
	if err := validateLegCount(legSecrets, 1); err != nil {
		return nil, err
	}
	if legSecrets[0] == nil {
		if a.masterSecret == nil {
			return nil, nil
		}
		return a.privateKeyFromMasterSecret(flag, index)
	}
	// Old accounts ignore the BIP32 leg-secret path entirely: their
	// private key comes from the stretched seed scalar, not a CKDpriv
	// chain. A non-nil legSecrets[0] here just signals "we do have the
	// seed available"; the actual scalar lives in a.masterSecret.
	return a.privateKeyFromMasterSecret(flag, index)
}

func (a *OldAccount) privateKeyFromMasterSecret(flag ChangeFlag, index uint32) ([]*btcec.PrivateKey, error) {
	if a.masterSecret == nil {
		return nil, fmt.Errorf("old account is watch-only: no master secret")
	}
	seq := a.sequence(flag, index)
	childScalar := new(big.Int).Add(a.masterSecret, seq)
	childScalar.Mod(childScalar, btcec.S256().N)

	priv, _ := btcec.PrivKeyFromBytes(childScalar.FillBytes(make([]byte, 32)))
	return []*btcec.PrivateKey{priv}, nil
}

func (a *OldAccount) FirstAddress() (string, error) {
	return a.AddressAt(External, 0)
}
