package indexer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// AddressToScriptHash converts a Bitcoin address to the indexer's
// subscription key: SHA-256 of the address's scriptPubKey, byte-reversed
// and hex encoded. Unlike the teacher's Electrum client, the network is
// supplied explicitly by the caller (the wallet always knows its own
// chaincfg.Params) rather than guessed from the address prefix.
func AddressToScriptHash(address string, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return "", fmt.Errorf("decode address %q: %w", address, err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", fmt.Errorf("script for address %q: %w", address, err)
	}

	hash := sha256.Sum256(script)
	reversed := make([]byte, len(hash))
	for i := range hash {
		reversed[i] = hash[len(hash)-1-i]
	}
	return hex.EncodeToString(reversed), nil
}
