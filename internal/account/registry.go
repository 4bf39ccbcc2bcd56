package account

import (
	"crypto/hmac"
	"crypto/sha512"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// NumRegistryPrefixes is the size of the master key registry: one leg
// for the single-sig account (index 0), two legs for 2-of-2 (1,2), three
// legs for 2-of-3 (3,4,5).
const NumRegistryPrefixes = 6

// DeriveRegistryLeg derives the hardened child at m/<index>' directly
// below the BIP32 master node for seed, returning both the public Leg
// (chain code + pubkey) persisted in the public master-key registry and
// the private scalar persisted (encrypted) in the private registry.
//
// This performs the first two BIP32 steps (master key generation, one
// hardened CKDpriv step) by hand with HMAC-SHA512 rather than through
// hdkeychain, since hdkeychain.ExtendedKey does not expose its chain
// code once built — and the chain code is exactly what must be
// persisted in the master key registry so pubkeyAt/privateKeyAt can
// later rebuild a scratch node for the /change/index levels.
func DeriveRegistryLeg(seed []byte, index uint32) (Leg, *btcec.PrivateKey, error) {
	if index >= NumRegistryPrefixes {
		return Leg{}, nil, fmt.Errorf("registry index %d out of range [0,%d)", index, NumRegistryPrefixes)
	}

	masterKey, masterChainCode, err := masterKeyAndChainCode(seed)
	if err != nil {
		return Leg{}, nil, err
	}

	childKey, childChainCode, err := ckdPrivHardened(masterKey, masterChainCode, index)
	if err != nil {
		return Leg{}, nil, fmt.Errorf("derive m/%d': %w", index, err)
	}

	priv, pub := btcec.PrivKeyFromBytes(childKey)
	return Leg{ChainCode: childChainCode, Pubkey: pub}, priv, nil
}

var bip32MasterHMACKey = []byte("Bitcoin seed")

func masterKeyAndChainCode(seed []byte) ([]byte, []byte, error) {
	mac := hmac.New(sha512.New, bip32MasterHMACKey)
	mac.Write(seed)
	i := mac.Sum(nil)

	il, ir := i[:32], i[32:]
	scalar := new(big.Int).SetBytes(il)
	if scalar.Sign() == 0 || scalar.Cmp(btcec.S256().N) >= 0 {
		return nil, nil, fmt.Errorf("invalid master key derived from seed")
	}
	return il, ir, nil
}

// ckdPrivHardened implements CKDpriv for a hardened index (BIP32 adds
// hdkeychain.HardenedKeyStart so the serialized child number carries the
// hardened bit).
func ckdPrivHardened(parentKey, parentChainCode []byte, index uint32) ([]byte, []byte, error) {
	childNum := hdkeychain.HardenedKeyStart + index

	data := make([]byte, 0, 37)
	data = append(data, 0x00)
	data = append(data, parentKey...)
	data = append(data, byte(childNum>>24), byte(childNum>>16), byte(childNum>>8), byte(childNum))

	mac := hmac.New(sha512.New, parentChainCode)
	mac.Write(data)
	i := mac.Sum(nil)

	il, ir := i[:32], i[32:]
	ilNum := new(big.Int).SetBytes(il)
	parentNum := new(big.Int).SetBytes(parentKey)
	if ilNum.Cmp(btcec.S256().N) >= 0 {
		return nil, nil, fmt.Errorf("invalid child key (IL >= N)")
	}

	childNum32 := new(big.Int).Add(ilNum, parentNum)
	childNum32.Mod(childNum32, btcec.S256().N)
	if childNum32.Sign() == 0 {
		return nil, nil, fmt.Errorf("invalid child key (zero)")
	}

	return childNum32.FillBytes(make([]byte, 32)), ir, nil
}

// RegistryPrefix formats the registry key for index, e.g. "m/0'/".
func RegistryPrefix(index uint32) string {
	return fmt.Sprintf("m/%d'/", index)
}
