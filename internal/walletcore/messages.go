package walletcore

import (
	"bytes"
	"encoding/base64"
	"fmt"

	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/btcwallet/internal/walleterr"
)

// bitcoinSignedMessageMagic is the fixed preamble every Bitcoin Signed
// Message hashes along with the message text, so a signature over a
// message can never also be replayed as a valid transaction signature.
const bitcoinSignedMessageMagic = "Bitcoin Signed Message:\n"

// bitcoinMessageMagicHash reproduces the varint-length-prefixed magic
// string scheme: varint(len(magic)) || magic || varint(len(message)) ||
// message, double-SHA256'd.
func bitcoinMessageMagicHash(message string) []byte {
	var buf bytes.Buffer
	wire.WriteVarInt(&buf, 0, uint64(len(bitcoinSignedMessageMagic)))
	buf.WriteString(bitcoinSignedMessageMagic)
	wire.WriteVarInt(&buf, 0, uint64(len(message)))
	buf.WriteString(message)
	return chainhash.DoubleHashB(buf.Bytes())
}

// SignMessage implements sign_message(address, message, passphrase):
// signs message's magic-prefixed hash with address's single signing
// key, base64-encoding the 65-byte recoverable signature. Fails if
// address resolves to more than one signing key (a multisig account has
// no single "the" key to sign with).
func (c *Core) SignMessage(address, message, passphrase string) (string, error) {
	wifs, err := c.GetPrivateKey(address, passphrase)
	if err != nil {
		return "", err
	}
	if len(wifs) != 1 {
		return "", walleterr.New("SignMessage", walleterr.InvalidPrivateKey,
			fmt.Errorf("address %s does not resolve to a single signing key", address))
	}

	decoded, err := btcutil.DecodeWIF(wifs[0])
	if err != nil {
		return "", walleterr.New("SignMessage", walleterr.InvalidPrivateKey, err)
	}

	sig := btcecdsa.SignCompact(decoded.PrivKey, bitcoinMessageMagicHash(message), decoded.CompressPubKey)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyMessage implements verify_message(address, signature, message):
// recovers the signing pubkey from signature, derives its P2PKH
// address under c's network, and reports whether it equals address.
// Any malformed input is a verification failure, not an error.
func (c *Core) VerifyMessage(address, signature, message string) bool {
	sigBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	pub, wasCompressed, err := btcecdsa.RecoverCompact(sigBytes, bitcoinMessageMagicHash(message))
	if err != nil {
		return false
	}

	pubKeyBytes := pub.SerializeUncompressed()
	if wasCompressed {
		pubKeyBytes = pub.SerializeCompressed()
	}
	recoveredAddr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKeyBytes), c.params)
	if err != nil {
		return false
	}
	return recoveredAddr.EncodeAddress() == address
}
