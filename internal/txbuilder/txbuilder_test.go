package txbuilder

import (
	"testing"

	"github.com/klingon-exchange/btcwallet/internal/walleterr"
)

func TestSelectCoinsSingleUTXO(t *testing.T) {
	domain := []UTXO{
		{TxID: "a1", Vout: 0, Amount: 100_000, Address: "addr1"},
	}

	selected, fee, err := SelectCoins(domain, 50_000, 10_000, nil)
	if err != nil {
		t.Fatalf("SelectCoins: %v", err)
	}
	if len(selected) != 1 {
		t.Fatalf("expected 1 input, got %d", len(selected))
	}
	if fee <= 0 {
		t.Fatalf("expected positive fee, got %d", fee)
	}
	change := 100_000 - 50_000 - fee
	if change <= 0 {
		t.Fatalf("expected positive change, got %d", change)
	}
}

func TestSelectCoinsExcludesFrozen(t *testing.T) {
	domain := []UTXO{
		{TxID: "frozen", Vout: 0, Amount: 100_000, Address: "addr1", Frozen: true},
		{TxID: "spendable", Vout: 0, Amount: 60_000, Address: "addr2"},
	}

	selected, _, err := SelectCoins(domain, 10_000, 1_000, nil)
	if err != nil {
		t.Fatalf("SelectCoins: %v", err)
	}
	for _, u := range selected {
		if u.TxID == "frozen" {
			t.Fatalf("frozen UTXO was selected")
		}
	}
}

func TestSelectCoinsPrioritizedFirst(t *testing.T) {
	domain := []UTXO{
		{TxID: "plain", Vout: 0, Amount: 100_000, Address: "addr1"},
		{TxID: "priority", Vout: 0, Amount: 5_000, Address: "addr2", Prioritized: true},
	}

	selected, _, err := SelectCoins(domain, 1_000, 1_000, nil)
	if err != nil {
		t.Fatalf("SelectCoins: %v", err)
	}
	if selected[0].TxID != "priority" {
		t.Fatalf("expected prioritized UTXO first, got %q", selected[0].TxID)
	}
}

func TestSelectCoinsInsufficientFunds(t *testing.T) {
	domain := []UTXO{{TxID: "a", Vout: 0, Amount: 1_000, Address: "addr1"}}

	_, _, err := SelectCoins(domain, 1_000_000, 1_000, nil)
	if !walleterr.Is(err, walleterr.InsufficientFunds) {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
}

func TestResolveChangeAddressCallerSupplied(t *testing.T) {
	addr, err := ResolveChangeAddress(ChangePolicy{CallerAddress: "explicit"})
	if err != nil {
		t.Fatalf("ResolveChangeAddress: %v", err)
	}
	if addr != "explicit" {
		t.Fatalf("expected explicit, got %q", addr)
	}
}

func TestResolveChangeAddressImportedFallsBackToLastInput(t *testing.T) {
	addr, err := ResolveChangeAddress(ChangePolicy{
		IsImported:    true,
		UseChange:     true,
		LastInputAddr: "last",
	})
	if err != nil {
		t.Fatalf("ResolveChangeAddress: %v", err)
	}
	if addr != "last" {
		t.Fatalf("expected last input address, got %q", addr)
	}
}

func TestResolveChangeAddressGapLimitPosition(t *testing.T) {
	chain := []string{"c0", "c1", "c2", "c3", "c4"}
	addr, err := ResolveChangeAddress(ChangePolicy{
		UseChange:      true,
		ChangeChain:    chain,
		ChangeGapLimit: 3,
	})
	if err != nil {
		t.Fatalf("ResolveChangeAddress: %v", err)
	}
	if addr != "c2" {
		t.Fatalf("expected third-from-last address c2, got %q", addr)
	}
}

func TestBuildUnsignedChangeOutputPosition(t *testing.T) {
	inputs := []UTXO{{TxID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Vout: 0, Amount: 100_000}}
	outputs := []Output{{Address: "dest", Script: []byte{0x76, 0xa9}, Amount: 50_000}}

	for i := 0; i < 20; i++ {
		tx, err := BuildUnsigned(inputs, outputs, []byte{0x76, 0xa9}, 40_000)
		if err != nil {
			t.Fatalf("BuildUnsigned: %v", err)
		}
		if len(tx.TxOut) != 2 {
			t.Fatalf("expected 2 outputs, got %d", len(tx.TxOut))
		}
		changePos := -1
		for pos, out := range tx.TxOut {
			if out.Value == 40_000 {
				changePos = pos
			}
		}
		if changePos < 0 || tx.TxOut[1-changePos].Value != 50_000 {
			t.Fatalf("expected change output at position 0 or 1 beside the 50_000 payment, got %+v", tx.TxOut)
		}
	}
}
