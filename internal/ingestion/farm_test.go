package ingestion

import (
	"context"
	"fmt"
	"testing"

	"optionsflow/config"
	"optionsflow/internal/model"
)

func testFarmConfig() config.FarmConfig {
	return config.FarmConfig{
		SessionsTotal:         3,
		SessionsStatic:        1,
		QuotesPerSession:      5,
		StaticTierTickers:     []string{"SPY", "QQQ"},
		ControlFrameRateLimit: 50,
		ControlFrameBurst:     50,
	}
}

func newTestFarm() *Farm {
	cfg := testFarmConfig()
	upstream := config.UpstreamConfig{URL: "wss://example.invalid", APIKey: "k"}
	f := New(cfg, upstream, nil, nil)
	f.ctx = context.Background()
	return f
}

// Scenario F: rebalance excludes contracts whose underlying is in the
// static tier (discovered by parsing each trade's contract symbol, not by
// matching the bare ticker against the contract symbol), confines the
// dynamic tier to sessions [SessionsStatic, SessionsTotal), respects the
// per-session and aggregate dynamic budgets, and prefers the highest-volume
// contracts.
func TestRebalanceExcludesStaticUnderlyingsAndRespectsCaps(t *testing.T) {
	f := newTestFarm()

	// SPY and QQQ contracts must be recognized as static by underlying and
	// subscribed via the static tier, not ranked into the dynamic tier.
	f.handleTrade(0, model.RawTrade{ContractSymbol: "O:SPY251115C00580000", Sequence: 1, Size: 100000})
	f.handleTrade(0, model.RawTrade{ContractSymbol: "O:QQQ251115P00400000", Sequence: 1, Size: 100000})

	// 20 distinct non-static contracts with strictly decreasing volume, more
	// than the dynamic tier's aggregate capacity, so rebalance must drop some.
	for i := 0; i < 20; i++ {
		sym := fmt.Sprintf("O:SYM%02dC00100000", i)
		f.handleTrade(0, model.RawTrade{ContractSymbol: sym, Sequence: 1, Size: 1000 - i})
	}

	f.rebalance()

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.staticAssign["O:SPY251115C00580000"]; !ok {
		t.Errorf("expected SPY contract to be recognized and subscribed via the static tier")
	}
	if _, ok := f.staticAssign["O:QQQ251115P00400000"]; !ok {
		t.Errorf("expected QQQ contract to be recognized and subscribed via the static tier")
	}
	if _, ok := f.dynamicAssign["O:SPY251115C00580000"]; ok {
		t.Errorf("SPY contract leaked into the dynamic tier despite matching a static underlying")
	}
	if _, ok := f.dynamicAssign["O:QQQ251115P00400000"]; ok {
		t.Errorf("QQQ contract leaked into the dynamic tier despite matching a static underlying")
	}

	dynStart := f.cfg.SessionsStatic
	perSession := make(map[int]int)
	for sym, idx := range f.dynamicAssign {
		if idx < dynStart {
			t.Errorf("dynamic contract %s assigned to static-tier session %d", sym, idx)
		}
		perSession[idx]++
	}

	total := 0
	for idx, count := range perSession {
		total += count
		if count > f.cfg.QuotesPerSession {
			t.Errorf("session %d carries %d dynamic subscriptions, exceeds per-session budget %d", idx, count, f.cfg.QuotesPerSession)
		}
	}

	sDynamic := f.cfg.SessionsTotal - f.cfg.SessionsStatic
	maxAggregate := sDynamic * f.cfg.QuotesPerSession
	if total > maxAggregate {
		t.Errorf("aggregate dynamic subscriptions = %d, exceeds S_dynamic*QuotesPerSession = %d", total, maxAggregate)
	}

	if _, ok := f.dynamicAssign["O:SYM00C00100000"]; !ok {
		t.Errorf("expected the highest-volume non-static contract to be subscribed after rebalance")
	}
}

func TestDedupFiltersRepeatedSequence(t *testing.T) {
	cfg := testFarmConfig()
	upstream := config.UpstreamConfig{URL: "wss://example.invalid", APIKey: "k"}

	var received []int64
	f := New(cfg, upstream, func(trade model.RawTrade) {
		received = append(received, trade.Sequence)
	}, nil)
	f.ctx = context.Background()

	trade := model.RawTrade{ContractSymbol: "O:AMD251219C00155000", Sequence: 42, Size: 10}
	f.handleTrade(0, trade)
	f.handleTrade(0, trade) // duplicate sequence, same symbol

	if len(received) != 1 {
		t.Errorf("onTrade called %d times, want 1 (duplicate sequence filtered)", len(received))
	}
}
