package account

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// bip32 HD key magic bytes for Bitcoin mainnet (xpub/xprv). The account
// package only ever constructs scratch extended keys to walk /change/index
// — it never serializes them to base58, so the version bytes have no
// observable effect beyond satisfying hdkeychain's internal bookkeeping.
var (
	xpubVersion = [4]byte{0x04, 0x88, 0xb2, 0x1e}
	xprvVersion = [4]byte{0x04, 0x88, 0xad, 0xe4}
)

// leg is one (chain_code, pubkey) master key-pair, the public half of one
// of the six registry entries at prefixes "m/0'/".."m/5'/".
type Leg struct {
	ChainCode []byte // 32 bytes
	Pubkey    *btcec.PublicKey
}

// pubkeyAt derives the compressed child pubkey at non-hardened path
// /change/index below this leg's node, i.e. the standard BIP32 CKDpub
// applied twice.
func (l Leg) pubkeyAt(change ChangeFlag, index uint32) ([]byte, error) {
	node := hdkeychain.NewExtendedKey(
		xpubVersion[:],
		l.Pubkey.SerializeCompressed(),
		l.ChainCode,
		[]byte{0, 0, 0, 0},
		1,
		hdkeychain.HardenedKeyStart,
		false,
	)

	child, err := node.Derive(uint32(change))
	if err != nil {
		return nil, fmt.Errorf("derive change: %w", err)
	}
	grandchild, err := child.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive index: %w", err)
	}
	pub, err := grandchild.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("extract pubkey: %w", err)
	}
	return pub.SerializeCompressed(), nil
}

// privateKeyAt derives the child private key at /change/index below the
// leg's node, given that leg's master private scalar.
func privateKeyAt(chainCode []byte, masterPriv *btcec.PrivateKey, change ChangeFlag, index uint32) (*btcec.PrivateKey, error) {
	node := hdkeychain.NewExtendedKey(
		xprvVersion[:],
		masterPriv.Serialize(),
		chainCode,
		[]byte{0, 0, 0, 0},
		1,
		hdkeychain.HardenedKeyStart,
		true,
	)

	child, err := node.Derive(uint32(change))
	if err != nil {
		return nil, fmt.Errorf("derive change: %w", err)
	}
	grandchild, err := child.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive index: %w", err)
	}
	return grandchild.ECPrivKey()
}
