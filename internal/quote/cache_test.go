package quote

import (
	"testing"

	"optionsflow/internal/model"
)

func TestStoreAndLookup(t *testing.T) {
	c := New(4, 0)

	if _, ok := c.Lookup("O:AMD251219C00155000"); ok {
		t.Fatalf("expected miss on empty cache")
	}

	q := model.Quote{ContractSymbol: "O:AMD251219C00155000", Bid: 5.40, Ask: 5.60}
	c.Store(q.ContractSymbol, q)

	got, ok := c.Lookup(q.ContractSymbol)
	if !ok {
		t.Fatalf("expected hit after store")
	}
	if got.Bid != q.Bid || got.Ask != q.Ask {
		t.Errorf("got %+v, want %+v", got, q)
	}
}

func TestStoreOverwrites(t *testing.T) {
	c := New(4, 0)
	sym := "O:SPY251115P00580000"

	c.Store(sym, model.Quote{ContractSymbol: sym, Bid: 8.10, Ask: 8.25})
	c.Store(sym, model.Quote{ContractSymbol: sym, Bid: 8.20, Ask: 8.35})

	got, ok := c.Lookup(sym)
	if !ok {
		t.Fatalf("expected hit")
	}
	if got.Bid != 8.20 || got.Ask != 8.35 {
		t.Errorf("got %+v, want bid=8.20 ask=8.35", got)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (overwrite, not append)", c.Len())
	}
}

func TestSoftCapEvictsLRU(t *testing.T) {
	c := New(1, 2) // single shard so eviction order is deterministic

	c.Store("A", model.Quote{ContractSymbol: "A", Bid: 1, Ask: 2})
	c.Store("B", model.Quote{ContractSymbol: "B", Bid: 1, Ask: 2})
	c.Store("C", model.Quote{ContractSymbol: "C", Bid: 1, Ask: 2})

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 after exceeding soft cap", c.Len())
	}
	if _, ok := c.Lookup("A"); ok {
		t.Errorf("expected A to be evicted as least-recently-updated")
	}
	if _, ok := c.Lookup("C"); !ok {
		t.Errorf("expected C (most recent) to remain cached")
	}
}

func TestQuoteValid(t *testing.T) {
	cases := []struct {
		name string
		q    model.Quote
		want bool
	}{
		{"valid", model.Quote{Bid: 5, Ask: 5.5}, true},
		{"crossed", model.Quote{Bid: 5.5, Ask: 5}, false},
		{"zero bid", model.Quote{Bid: 0, Ask: 5.5}, false},
		{"zero ask", model.Quote{Bid: 5, Ask: 0}, false},
		{"equal bid ask", model.Quote{Bid: 5, Ask: 5}, true},
	}
	for _, tc := range cases {
		if got := tc.q.Valid(); got != tc.want {
			t.Errorf("%s: Valid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
