package cryptoutil

import (
	"encoding/hex"
	"fmt"

	"github.com/tyler-smith/go-bip39"
)

// NewSeed generates 128 bits of entropy and returns it as a hex string
// alongside the 12-word mnemonic that encodes it.
func NewSeed() (seedHex string, mnemonic string, err error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return hex.EncodeToString(entropy), mnemonic, nil
}

// EncodeMnemonic converts a hex-encoded 128-bit seed into its 12-word
// mnemonic form.
func EncodeMnemonic(seedHex string) (string, error) {
	entropy, err := hex.DecodeString(seedHex)
	if err != nil {
		return "", fmt.Errorf("decode seed: %w", err)
	}
	if len(entropy)*8 != MnemonicEntropyBits {
		return "", fmt.Errorf("seed must be %d bits, got %d", MnemonicEntropyBits, len(entropy)*8)
	}
	return bip39.NewMnemonic(entropy)
}

// DecodeMnemonic validates a 12-word mnemonic's checksum and returns the
// hex-encoded 128-bit seed it encodes.
func DecodeMnemonic(mnemonic string) (string, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", fmt.Errorf("invalid mnemonic")
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return "", fmt.Errorf("decode mnemonic: %w", err)
	}
	if len(entropy)*8 != MnemonicEntropyBits {
		return "", fmt.Errorf("unsupported mnemonic length: %d bits", len(entropy)*8)
	}
	return hex.EncodeToString(entropy), nil
}

// ValidateMnemonic reports whether mnemonic round-trips through the
// 12-word encoder with a valid checksum.
func ValidateMnemonic(mnemonic string) bool {
	_, err := DecodeMnemonic(mnemonic)
	return err == nil
}

// BIP32SeedFromMnemonic derives the 64-byte BIP32 root seed from a mnemonic
// and an optional passphrase, per BIP-39's PBKDF2 scheme. This is distinct
// from the wallet's own 128-bit entropy seed, which is what
// walletcore.CreateAccounts feeds into master-key derivation; this value
// is not used there.
func BIP32SeedFromMnemonic(mnemonic, passphrase string) []byte {
	return bip39.NewSeed(mnemonic, passphrase)
}
