package indexer

import "testing"

func TestComputeStatusHashEmpty(t *testing.T) {
	s := ComputeStatusHash(History{})
	if !s.None {
		t.Fatalf("expected None status for empty history, got %+v", s)
	}
}

func TestComputeStatusHashPruned(t *testing.T) {
	s := ComputeStatusHash(History{Pruned: true})
	if !s.Pruned {
		t.Fatalf("expected Pruned status, got %+v", s)
	}
}

func TestComputeStatusHashDeterministic(t *testing.T) {
	h := History{Entries: []HistEntry{{TxID: "abc", Height: 100}, {TxID: "def", Height: 0}}}
	a := ComputeStatusHash(h)
	b := ComputeStatusHash(h)
	if a.Hash != b.Hash || a.Hash == "" {
		t.Fatalf("expected deterministic non-empty hash, got %+v and %+v", a, b)
	}
}

func TestStatusEqual(t *testing.T) {
	a := Status{Hash: "deadbeef"}
	b := Status{Hash: "deadbeef"}
	c := Status{Hash: "other"}
	if !a.Equal(b) {
		t.Fatalf("expected equal statuses to compare equal")
	}
	if a.Equal(c) {
		t.Fatalf("expected different hashes to compare unequal")
	}
}

func TestParseHistoryPrunedSentinel(t *testing.T) {
	h, err := parseHistory([]interface{}{"*"})
	if err != nil {
		t.Fatalf("parseHistory: %v", err)
	}
	if !h.Pruned {
		t.Fatalf("expected pruned history for [\"*\"] sentinel")
	}
}

func TestParseHistoryEntries(t *testing.T) {
	raw := []interface{}{
		map[string]interface{}{"tx_hash": "abc", "height": float64(100)},
		map[string]interface{}{"tx_hash": "def", "height": float64(0)},
	}
	h, err := parseHistory(raw)
	if err != nil {
		t.Fatalf("parseHistory: %v", err)
	}
	if len(h.Entries) != 2 || h.Entries[0].TxID != "abc" || h.Entries[0].Height != 100 {
		t.Fatalf("unexpected parsed history: %+v", h)
	}
}

func TestParseStatusSentinelAndNull(t *testing.T) {
	if s := parseStatus("*"); !s.Pruned {
		t.Fatalf("expected pruned status for \"*\"")
	}
	if s := parseStatus(nil); !s.None {
		t.Fatalf("expected None status for nil")
	}
	if s := parseStatus("deadbeef"); s.Hash != "deadbeef" {
		t.Fatalf("expected hash status, got %+v", s)
	}
}
