package walletcore

import (
	"testing"

	"github.com/klingon-exchange/btcwallet/internal/indexer"
)

func seededCore(t *testing.T) *Core {
	t.Helper()
	c := newTestCore(t)
	if _, err := c.InitSeed(""); err != nil {
		t.Fatalf("InitSeed: %v", err)
	}
	if err := c.CreateAccounts(""); err != nil {
		t.Fatalf("CreateAccounts: %v", err)
	}
	return c
}

func TestExtendChainsNoopWhenAlreadyAtGapLimit(t *testing.T) {
	c := seededCore(t)
	before := len(c.MineAddresses())

	added, err := c.ExtendChains()
	if err != nil {
		t.Fatalf("ExtendChains: %v", err)
	}
	if len(added) != 0 {
		t.Fatalf("expected no new addresses on a freshly seeded wallet, got %d", len(added))
	}
	if after := len(c.MineAddresses()); after != before {
		t.Fatalf("MineAddresses count changed from %d to %d", before, after)
	}
}

func TestExtendChainsGrowsAfterUse(t *testing.T) {
	c := seededCore(t)

	c.stateLock.RLock()
	entry := c.accounts["m/0'/0"]
	c.stateLock.RUnlock()
	if entry == nil {
		t.Fatalf("expected default account m/0'/0 to exist")
	}
	firstAddr := entry.acct.Addresses(0)[0]

	c.stateLock.Lock()
	c.history[firstAddr] = indexer.History{Entries: []indexer.HistEntry{{TxID: "deadbeef", Height: 10}}}
	externalBefore := len(entry.acct.Addresses(0))
	c.stateLock.Unlock()

	added, err := c.ExtendChains()
	if err != nil {
		t.Fatalf("ExtendChains: %v", err)
	}
	if len(added) == 0 {
		t.Fatalf("expected chain growth after marking an address used")
	}

	c.stateLock.RLock()
	externalAfter := len(entry.acct.Addresses(0))
	c.stateLock.RUnlock()
	if externalAfter <= externalBefore {
		t.Fatalf("expected external chain to grow, before=%d after=%d", externalBefore, externalAfter)
	}
}

func TestReceiveHistoryRejectsUnrelatedTx(t *testing.T) {
	c := newTestCore(t)
	addr := sampleAddress(t, 0x10)
	other := sampleAddress(t, 0x11)
	_, txid, rawHex := payToAddrTx(t, other, 1_000)

	if err := c.ReceiveTransaction(txid, rawHex); err != nil {
		t.Fatalf("ReceiveTransaction: %v", err)
	}

	err := c.ReceiveHistory(addr, indexer.History{Entries: []indexer.HistEntry{{TxID: txid, Height: 5}}})
	if err == nil {
		t.Fatalf("expected check_new_history rejection for a tx that doesn't reference addr")
	}
}

func TestReceiveHistoryOrphanCandidateOnDrop(t *testing.T) {
	c := newTestCore(t)
	addr := sampleAddress(t, 0x12)
	_, txid, rawHex := payToAddrTx(t, addr, 5_000)

	c.stateLock.Lock()
	c.history[addr] = indexer.History{Entries: []indexer.HistEntry{{TxID: txid, Height: 7}}}
	c.stateLock.Unlock()
	if err := c.ReceiveTransaction(txid, rawHex); err != nil {
		t.Fatalf("ReceiveTransaction: %v", err)
	}

	if err := c.ReceiveHistory(addr, indexer.History{}); err != nil {
		t.Fatalf("ReceiveHistory: %v", err)
	}

	cands := c.OrphanCandidates()
	if len(cands) != 1 || cands[0].TxID != txid {
		t.Fatalf("expected one orphan candidate for %s, got %+v", txid, cands)
	}

	if err := c.RecoverOrphan(txid, nil); err != nil {
		t.Fatalf("RecoverOrphan: %v", err)
	}

	c.txLock.RLock()
	_, stillCached := c.transactions[txid]
	c.txLock.RUnlock()
	if stillCached {
		t.Fatalf("expected orphaned tx to be pruned from cache")
	}
}

func TestRecoverOrphanKeepsTxWhenFoundElsewhere(t *testing.T) {
	c := newTestCore(t)
	addr := sampleAddress(t, 0x13)
	_, txid, rawHex := payToAddrTx(t, addr, 5_000)
	if err := c.ReceiveTransaction(txid, rawHex); err != nil {
		t.Fatalf("ReceiveTransaction: %v", err)
	}

	if err := c.RecoverOrphan(txid, []string{addr}); err != nil {
		t.Fatalf("RecoverOrphan: %v", err)
	}

	c.txLock.RLock()
	_, stillCached := c.transactions[txid]
	c.txLock.RUnlock()
	if !stillCached {
		t.Fatalf("expected tx to remain cached when still found at an address")
	}
}

func TestMissingTransactionsDedupesAcrossAddresses(t *testing.T) {
	c := newTestCore(t)
	addr1 := sampleAddress(t, 0x14)
	addr2 := sampleAddress(t, 0x15)

	c.stateLock.Lock()
	c.history[addr1] = indexer.History{Entries: []indexer.HistEntry{{TxID: "shared", Height: 1}}}
	c.history[addr2] = indexer.History{Entries: []indexer.HistEntry{{TxID: "shared", Height: 1}}}
	c.stateLock.Unlock()

	missing := c.MissingTransactions()
	if len(missing) != 1 {
		t.Fatalf("expected one deduplicated missing tx ref, got %d", len(missing))
	}
}

func TestSetUpToDateReportsChange(t *testing.T) {
	c := newTestCore(t)
	if !c.SetUpToDate(true) {
		t.Fatalf("expected first SetUpToDate(true) to report a change")
	}
	if c.SetUpToDate(true) {
		t.Fatalf("expected repeat SetUpToDate(true) to report no change")
	}
	if !c.IsUpToDate() {
		t.Fatalf("expected IsUpToDate to be true")
	}
}
