// Package txbuilder assembles and signs spending transactions: coin
// selection, change placement, and P2PKH/P2SH signing orchestration.
// Grounded on the teacher's transaction-building flow in
// internal/wallet/tx.go, narrowed to the account types this wallet core
// actually supports (P2PKH and P2SH multisig — no SegWit, no Taproot).
package txbuilder

import (
	"bytes"
	"fmt"
	"math/rand"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/btcwallet/internal/walleterr"
)

// UTXO is one spendable output, enriched with the account metadata the
// coin selector and signer need — independent of any particular indexer
// wire format.
type UTXO struct {
	TxID        string
	Vout        uint32
	Amount      int64 // satoshis
	Address     string
	PkScript    []byte
	Prioritized bool
	Frozen      bool
}

// Output is one requested payment destination.
type Output struct {
	Address string
	Script  []byte
	Amount  int64
}

// inputVSize is the per-input size estimate used by the legacy fee
// formula: 180 bytes for a P2PKH/P2SH scriptSig-bearing input.
const inputVSize = 180

// baseVSize is the per-transaction overhead the legacy fee formula
// assumes: 80 bytes covers version, locktime, and output count/value
// fields for the common one-or-two-output case.
const baseVSize = 80

// SelectCoins implements the ordering and greedy-fill rule: prioritized
// UTXOs first, then the rest of the account domain, frozen addresses
// excluded entirely. It appends UTXOs one at a time until the running
// total covers amount plus a fee that is re-estimated after every
// addition, per the legacy fee formula
// fee = fee_per_kb * round((180*num_inputs + 80) / 1024), floored at
// fee_per_kb itself. If fixedFee is non-nil, that exact fee is used
// instead of re-estimating.
//
// On exhaustion it returns an empty input list, zero fee, and a
// walleterr.InsufficientFunds error.
func SelectCoins(domain []UTXO, amount int64, feePerKB int64, fixedFee *int64) ([]UTXO, int64, error) {
	var candidates []UTXO
	for _, u := range domain {
		if u.Frozen {
			continue
		}
		if u.Prioritized {
			candidates = append(candidates, u)
		}
	}
	for _, u := range domain {
		if u.Frozen || u.Prioritized {
			continue
		}
		candidates = append(candidates, u)
	}

	var selected []UTXO
	var total int64
	var fee int64

	for _, u := range candidates {
		selected = append(selected, u)
		total += u.Amount

		if fixedFee != nil {
			fee = *fixedFee
		} else {
			fee = estimateFee(len(selected), feePerKB)
		}

		if total >= amount+fee {
			return selected, fee, nil
		}
	}

	return nil, 0, walleterr.New("txbuilder.SelectCoins", walleterr.InsufficientFunds,
		fmt.Errorf("could not cover %d sat + fee from %d candidate UTXOs", amount, len(candidates)))
}

func estimateFee(numInputs int, feePerKB int64) int64 {
	estimatedSize := inputVSize*numInputs + baseVSize
	kb := roundDiv(estimatedSize, 1024)
	fee := feePerKB * int64(kb)
	if fee < feePerKB {
		fee = feePerKB
	}
	return fee
}

// roundDiv rounds a/b to the nearest integer, matching round(x/1024).
func roundDiv(a, b int) int {
	if a < 0 {
		return -roundDiv(-a, b)
	}
	return (a + b/2) / b
}

// ChangePolicy carries the inputs needed to resolve a change address per
// the rule in 4.4.2: caller-supplied address wins; otherwise, when
// change chains are disabled or the spend is from the imported-keys
// pseudo-account ("-1"), fall back to the last selected input's address;
// otherwise the third-from-last address of the account's change chain
// (position len(changeChain)-gapLimit).
type ChangePolicy struct {
	CallerAddress  string
	UseChange      bool
	IsImported     bool
	LastInputAddr  string
	ChangeChain    []string // account's change-chain addresses, oldest first
	ChangeGapLimit int
}

// ResolveChangeAddress implements the 4.4.2 fallback chain.
func ResolveChangeAddress(p ChangePolicy) (string, error) {
	if p.CallerAddress != "" {
		return p.CallerAddress, nil
	}
	if !p.UseChange || p.IsImported {
		if p.LastInputAddr == "" {
			return "", fmt.Errorf("no input address available to fall back on for change")
		}
		return p.LastInputAddr, nil
	}
	n := len(p.ChangeChain)
	idx := n - p.ChangeGapLimit
	if idx < 0 || idx >= n {
		return "", fmt.Errorf("change chain too short for gap limit %d (have %d addresses)", p.ChangeGapLimit, n)
	}
	return p.ChangeChain[idx], nil
}

// BuildUnsigned assembles an unsigned transaction from the selected
// inputs and the requested outputs plus an optional change output,
// inserting the change output at a uniformly random position among the
// final outputs list.
func BuildUnsigned(inputs []UTXO, outputs []Output, changeScript []byte, changeAmount int64) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)

	for _, in := range inputs {
		hash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid input txid %q: %w", in.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, in.Vout), nil, nil))
	}

	allOutputs := make([]*wire.TxOut, len(outputs))
	for i, o := range outputs {
		allOutputs[i] = wire.NewTxOut(o.Amount, o.Script)
	}

	if changeAmount > 0 {
		changeOut := wire.NewTxOut(changeAmount, changeScript)
		pos := rand.Intn(len(allOutputs) + 1)
		allOutputs = append(allOutputs, nil)
		copy(allOutputs[pos+1:], allOutputs[pos:])
		allOutputs[pos] = changeOut
	}

	for _, out := range allOutputs {
		tx.AddTxOut(out)
	}

	return tx, nil
}

// SignP2PKH signs a single-sig P2PKH input with the one private key that
// controls it, matching the teacher's signP2PKH.
func SignP2PKH(tx *wire.MsgTx, inputIndex int, priv *btcec.PrivateKey, prevPkScript []byte) error {
	sig, err := txscript.SignatureScript(tx, inputIndex, prevPkScript, txscript.SigHashAll, priv, true)
	if err != nil {
		return fmt.Errorf("sign P2PKH input %d: %w", inputIndex, err)
	}
	tx.TxIn[inputIndex].SignatureScript = sig
	return nil
}

// SignP2SHMultisig signs one P2SH multisig input given the subset of
// private keys locally available (nil entries for legs not held — a
// partial signature set is valid and simply produces a
// not-yet-broadcastable transaction). Signatures are ordered to match
// redeemScript's pubkey order, skipping legs whose key is absent.
func SignP2SHMultisig(tx *wire.MsgTx, inputIndex int, privKeys []*btcec.PrivateKey, redeemScript []byte) error {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0) // CHECKMULTISIG's off-by-one input bug

	for _, priv := range privKeys {
		if priv == nil {
			continue
		}
		sig, err := txscript.RawTxInSignature(tx, inputIndex, redeemScript, txscript.SigHashAll, priv)
		if err != nil {
			return fmt.Errorf("sign P2SH input %d: %w", inputIndex, err)
		}
		builder.AddData(sig)
	}
	builder.AddData(redeemScript)

	script, err := builder.Script()
	if err != nil {
		return fmt.Errorf("build P2SH scriptSig for input %d: %w", inputIndex, err)
	}
	tx.TxIn[inputIndex].SignatureScript = script
	return nil
}

// Serialize returns the raw transaction bytes, the form persisted in the
// store and broadcast to the indexer.
func Serialize(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}
