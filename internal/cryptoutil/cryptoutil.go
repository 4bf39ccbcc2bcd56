// Package cryptoutil provides the wallet's password-based symmetric
// encryption and seed-encoding primitives.
//
// pw_encode/pw_decode deliberately do not use a slow KDF: the secret
// derivation is a single double-SHA256 of the passphrase, matching the
// legacy wallet format this core is compatible with. Do not "improve"
// this with Argon2/scrypt — it would break on-disk compatibility.
package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/klingon-exchange/btcwallet/internal/walleterr"
)

// CurrentSeedVersion is the minimum seed version this core accepts.
// Wallet files carrying an older version must fail to load with
// walleterr.DeprecatedSeed rather than be silently upgraded.
const CurrentSeedVersion = 4

// MnemonicEntropyBits is the entropy size backing the 12-word mnemonic.
const MnemonicEntropyBits = 128

// Hash returns sha256(sha256(data)), the key-derivation step used by
// pw_encode/pw_decode.
func Hash(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// PwEncode returns plaintext unchanged if passphrase is empty; otherwise it
// encrypts plaintext under sha256(sha256(passphrase)) with AES-256-CBC, a
// random IV prepended to the ciphertext, and PKCS#7 padding, base64-encoded.
func PwEncode(plaintext, passphrase string) (string, error) {
	if passphrase == "" {
		return plaintext, nil
	}

	secret := Hash([]byte(passphrase))
	block, err := aes.NewCipher(secret)
	if err != nil {
		return "", fmt.Errorf("pw_encode: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), block.BlockSize())

	iv := make([]byte, block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("pw_encode: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := append(append([]byte{}, iv...), ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// PwDecode is the inverse of PwEncode. An empty passphrase returns the
// ciphertext unchanged (it was never encrypted). Any failure decoding,
// decrypting, or unpadding is reported as walleterr.InvalidPassword.
func PwDecode(ciphertext, passphrase string) (string, error) {
	if passphrase == "" {
		return ciphertext, nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", walleterr.New("pw_decode", walleterr.InvalidPassword, err)
	}

	secret := Hash([]byte(passphrase))
	block, err := aes.NewCipher(secret)
	if err != nil {
		return "", walleterr.New("pw_decode", walleterr.InvalidPassword, err)
	}

	blockSize := block.BlockSize()
	if len(raw) < blockSize || (len(raw)-blockSize)%blockSize != 0 {
		return "", walleterr.New("pw_decode", walleterr.InvalidPassword, fmt.Errorf("malformed ciphertext length"))
	}

	iv, enc := raw[:blockSize], raw[blockSize:]
	plainPadded := make([]byte, len(enc))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, enc)

	plain, err := pkcs7Unpad(plainPadded, blockSize)
	if err != nil {
		return "", walleterr.New("pw_decode", walleterr.InvalidPassword, err)
	}

	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:n-padLen], nil
}

// Zero overwrites data with zeros. No caller in this module uses it:
// decrypted passphrases, seeds and private keys are held in Go strings
// and key structs that are not zeroed when they go out of scope.
func Zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information about where they first differ.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// CheckSeedVersion fails with walleterr.DeprecatedSeed for any version
// older than CurrentSeedVersion.
func CheckSeedVersion(version int) error {
	if version < CurrentSeedVersion {
		return walleterr.New("check_seed_version", walleterr.DeprecatedSeed,
			fmt.Errorf("seed version %d is older than minimum %d", version, CurrentSeedVersion))
	}
	return nil
}
