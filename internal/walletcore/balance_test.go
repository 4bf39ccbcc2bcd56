package walletcore

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/btcwallet/internal/indexer"
	"github.com/klingon-exchange/btcwallet/pkg/logging"
)

func indexerHistoryWith(txid string, height int64) indexer.History {
	return indexer.History{Entries: []indexer.HistEntry{{TxID: txid, Height: height}}}
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	return New(nil, &chaincfg.RegressionNetParams, logging.New(nil))
}

// sampleAddress returns a deterministic P2PKH address for tests that
// only care about balance bookkeeping, not real key ownership.
func sampleAddress(t *testing.T, seedByte byte) string {
	t.Helper()
	hash := bytes.Repeat([]byte{seedByte}, 20)
	addr, err := btcutil.NewAddressPubKeyHash(hash, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("NewAddressPubKeyHash: %v", err)
	}
	return addr.EncodeAddress()
}

func payToAddrTx(t *testing.T, addr string, amount int64) (*wire.MsgTx, string, string) {
	t.Helper()
	decoded, err := btcutil.DecodeAddress(addr, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("DecodeAddress: %v", err)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	// A transaction with no inputs does not survive a Serialize /
	// Deserialize round trip (a zero input count reads as the segwit
	// marker), so the funding tx spends a placeholder outpoint.
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(amount, script))

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return tx, tx.TxHash().String(), hex.EncodeToString(buf.Bytes())
}

func TestGetAddrBalanceUnknownAddressIsZero(t *testing.T) {
	c := newTestCore(t)
	bal := c.GetAddrBalance(sampleAddress(t, 0x01))
	if bal.Confirmed != 0 || bal.Unconfirmed != 0 {
		t.Fatalf("expected zero balance, got %+v", bal)
	}
}

func TestGetAddrBalancePrunedHistoryIsZero(t *testing.T) {
	c := newTestCore(t)
	addr := sampleAddress(t, 0x02)

	c.stateLock.Lock()
	c.history[addr] = indexer.History{Pruned: true}
	c.stateLock.Unlock()

	bal := c.GetAddrBalance(addr)
	if bal.Confirmed != 0 || bal.Unconfirmed != 0 {
		t.Fatalf("expected zero balance for pruned history, got %+v", bal)
	}
}

func TestGetAddrBalanceConfirmedReceive(t *testing.T) {
	c := newTestCore(t)
	addr := sampleAddress(t, 0x03)
	_, txid, rawHex := payToAddrTx(t, addr, 50_000)

	c.stateLock.Lock()
	c.history[addr] = indexer.History{Entries: []indexer.HistEntry{{TxID: txid, Height: 100}}}
	c.stateLock.Unlock()

	if err := c.ReceiveTransaction(txid, rawHex); err != nil {
		t.Fatalf("ReceiveTransaction: %v", err)
	}

	bal := c.GetAddrBalance(addr)
	if bal.Confirmed != 50_000 {
		t.Fatalf("expected confirmed 50000, got %+v", bal)
	}
	if bal.Unconfirmed != 0 {
		t.Fatalf("expected unconfirmed 0, got %+v", bal)
	}
}

func TestGetAddrBalanceUnconfirmedReceive(t *testing.T) {
	c := newTestCore(t)
	addr := sampleAddress(t, 0x04)
	_, txid, rawHex := payToAddrTx(t, addr, 25_000)

	c.stateLock.Lock()
	c.history[addr] = indexer.History{Entries: []indexer.HistEntry{{TxID: txid, Height: 0}}}
	c.stateLock.Unlock()

	if err := c.ReceiveTransaction(txid, rawHex); err != nil {
		t.Fatalf("ReceiveTransaction: %v", err)
	}

	bal := c.GetAddrBalance(addr)
	if bal.Unconfirmed != 25_000 {
		t.Fatalf("expected unconfirmed 25000, got %+v", bal)
	}
}

func TestReceiveTransactionRejectsHashMismatch(t *testing.T) {
	c := newTestCore(t)
	addr := sampleAddress(t, 0x05)
	_, _, rawHex := payToAddrTx(t, addr, 1_000)

	if err := c.ReceiveTransaction("0000000000000000000000000000000000000000000000000000000000000", rawHex); err == nil {
		t.Fatalf("expected hash mismatch error")
	}
}

func TestReceiveTransactionSpendUpdatesDelta(t *testing.T) {
	c := newTestCore(t)
	addr := sampleAddress(t, 0x06)
	_, fundingTxID, fundingHex := payToAddrTx(t, addr, 100_000)

	c.stateLock.Lock()
	c.history[addr] = indexer.History{Entries: []indexer.HistEntry{{TxID: fundingTxID, Height: 10}}}
	c.stateLock.Unlock()
	if err := c.ReceiveTransaction(fundingTxID, fundingHex); err != nil {
		t.Fatalf("ReceiveTransaction funding: %v", err)
	}

	fundingHash, err := chainhash.NewHashFromStr(fundingTxID)
	if err != nil {
		t.Fatalf("chainhash.NewHashFromStr: %v", err)
	}

	spend := wire.NewMsgTx(wire.TxVersion)
	spend.AddTxIn(wire.NewTxIn(wire.NewOutPoint(fundingHash, 0), nil, nil))
	otherAddr := sampleAddress(t, 0x07)
	decoded, err := btcutil.DecodeAddress(otherAddr, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("DecodeAddress: %v", err)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}
	spend.AddTxOut(wire.NewTxOut(90_000, script))

	var buf bytes.Buffer
	if err := spend.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	spendTxID := spend.TxHash().String()
	spendHex := hex.EncodeToString(buf.Bytes())

	c.stateLock.Lock()
	c.history[addr] = indexer.History{Entries: []indexer.HistEntry{
		{TxID: fundingTxID, Height: 10},
		{TxID: spendTxID, Height: 11},
	}}
	c.stateLock.Unlock()

	if err := c.ReceiveTransaction(spendTxID, spendHex); err != nil {
		t.Fatalf("ReceiveTransaction spend: %v", err)
	}

	bal := c.GetAddrBalance(addr)
	if bal.Confirmed != 0 {
		t.Fatalf("expected confirmed 0 (100000 received, then the whole 100000 coin spent), got %+v", bal)
	}
}
