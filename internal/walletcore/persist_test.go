package walletcore

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/klingon-exchange/btcwallet/internal/store"
	"github.com/klingon-exchange/btcwallet/pkg/logging"
)

func openTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wallet.dat")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return st, path
}

func TestSaveLoadRoundTripsAccountsAndHistory(t *testing.T) {
	st, path := openTestStore(t)
	c := New(st, &chaincfg.RegressionNetParams, logging.New(nil))

	if _, err := c.InitSeed(""); err != nil {
		t.Fatalf("InitSeed: %v", err)
	}
	if err := c.CreateAccounts(""); err != nil {
		t.Fatalf("CreateAccounts: %v", err)
	}

	addr := sampleAddress(t, 0x40)
	_, txid, rawHex := payToAddrTx(t, addr, 77_000)
	c.stateLock.Lock()
	c.history[addr] = indexerHistoryWith(txid, 5)
	c.labels[addr] = "test label"
	c.frozen[addr] = true
	c.prioritized[addr] = true
	c.stateLock.Unlock()
	if err := c.ReceiveTransaction(txid, rawHex); err != nil {
		t.Fatalf("ReceiveTransaction: %v", err)
	}

	if err := c.Save(true); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopenedStore, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	loaded := New(reopenedStore, &chaincfg.RegressionNetParams, logging.New(nil))
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	loaded.stateLock.RLock()
	defer loaded.stateLock.RUnlock()

	if loaded.seedEncrypted != c.seedEncrypted {
		t.Fatalf("seed mismatch after reload")
	}
	if len(loaded.accounts) != len(c.accounts) {
		t.Fatalf("expected %d accounts after reload, got %d", len(c.accounts), len(loaded.accounts))
	}
	if loaded.labels[addr] != "test label" {
		t.Fatalf("expected label to round-trip, got %q", loaded.labels[addr])
	}
	if !loaded.frozen[addr] || !loaded.prioritized[addr] {
		t.Fatalf("expected frozen/prioritized sets to round-trip")
	}
	hist, ok := loaded.history[addr]
	if !ok || len(hist.Entries) != 1 || hist.Entries[0].TxID != txid {
		t.Fatalf("expected history entry for %s to round-trip, got %+v", addr, hist)
	}
	if _, ok := loaded.transactions[txid]; !ok {
		t.Fatalf("expected cached transaction %s to round-trip", txid)
	}

	loaded.txLock.RLock()
	defer loaded.txLock.RUnlock()
	bal := loaded.addressDeltaLocked(addr, loaded.transactions[txid])
	if bal != 77_000 {
		t.Fatalf("expected reloaded prevout tables to reflect funding, got delta %d", bal)
	}
}
