package persistence

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"optionsflow/internal/model"
)

func dollars(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func TestComputeDailyDeltasSplitsByDate(t *testing.T) {
	day1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

	batch := []model.ClassifiedTrade{
		{RawTrade: model.RawTrade{ContractSymbol: "O:AMD251219C00155000"}, ProcessedAtMS: day1.UnixMilli(), Premium: dollars(1000), TradeType: model.TradeTypeFlow, Priority: 4},
		{RawTrade: model.RawTrade{ContractSymbol: "O:AMD251219C00155000"}, ProcessedAtMS: day2.UnixMilli(), Premium: dollars(2000), TradeType: model.TradeTypeFlow, Priority: 4},
	}

	deltas := computeDailyDeltas(batch, time.UTC)
	if len(deltas) != 2 {
		t.Fatalf("got %d distinct dates, want 2", len(deltas))
	}
}

func TestComputeDailyDeltasCallPutAndSweepBlock(t *testing.T) {
	day := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	batch := []model.ClassifiedTrade{
		{RawTrade: model.RawTrade{ContractSymbol: "O:AMD251219C00155000"}, ProcessedAtMS: day.UnixMilli(), Premium: dollars(1000), TradeType: model.TradeTypeSweep, Priority: 1},
		{RawTrade: model.RawTrade{ContractSymbol: "O:SPY251115P00580000"}, ProcessedAtMS: day.UnixMilli(), Premium: dollars(500), TradeType: model.TradeTypeBlock, Priority: 2},
		{RawTrade: model.RawTrade{ContractSymbol: "O:XYZ251115C00050000"}, ProcessedAtMS: day.UnixMilli(), Premium: dollars(200), TradeType: model.TradeTypeFlow, Priority: 4},
	}

	deltas := computeDailyDeltas(batch, time.UTC)
	date := day.UTC().Truncate(24 * time.Hour)
	d, ok := deltas[date]
	if !ok {
		t.Fatalf("expected a delta row for %s", date)
	}

	if d.TotalTrades != 3 {
		t.Errorf("TotalTrades = %d, want 3", d.TotalTrades)
	}
	if d.CallCount != 2 || d.PutCount != 1 {
		t.Errorf("CallCount/PutCount = %d/%d, want 2/1", d.CallCount, d.PutCount)
	}
	if d.SweepCount != 1 || d.BlockCount != 1 {
		t.Errorf("SweepCount/BlockCount = %d/%d, want 1/1", d.SweepCount, d.BlockCount)
	}
	wantTotal := dollars(1700)
	if !d.TotalPremium.Equal(wantTotal) {
		t.Errorf("TotalPremium = %s, want %s", d.TotalPremium, wantTotal)
	}
	if !d.Priority1Premium.Equal(dollars(1000)) {
		t.Errorf("Priority1Premium = %s, want 1000", d.Priority1Premium)
	}
}

func TestComputeDailyDeltasBucketsByRolloverTimezoneNotUTC(t *testing.T) {
	nyc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("failed to load America/New_York: %v", err)
	}

	// 01:30 UTC on Jan 2 is still Jan 1 in New York (UTC-5 in January), so a
	// rollover-timezone-aware bucketing must fold this into the Jan 1 row.
	ts := time.Date(2025, 1, 2, 1, 30, 0, 0, time.UTC)
	batch := []model.ClassifiedTrade{
		{RawTrade: model.RawTrade{ContractSymbol: "O:AMD251219C00155000"}, ProcessedAtMS: ts.UnixMilli(), Premium: dollars(1000), TradeType: model.TradeTypeFlow, Priority: 4},
	}

	deltas := computeDailyDeltas(batch, nyc)
	wantDate := time.Date(2025, 1, 1, 0, 0, 0, 0, nyc)
	if _, ok := deltas[wantDate]; !ok {
		t.Fatalf("expected a delta row bucketed to %s (New York calendar date), got keys %v", wantDate, keysOf(deltas))
	}
	if _, ok := deltas[ts.UTC().Truncate(24*time.Hour)]; ok {
		t.Errorf("trade was bucketed by UTC calendar date instead of the rollover timezone")
	}
}

func keysOf(m map[time.Time]*model.DailyAggregateRow) []time.Time {
	out := make([]time.Time, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestContractSideOfDefaultsToCallOnMalformedSymbol(t *testing.T) {
	if got := contractSideOf("not-a-symbol"); got != model.SideCall {
		t.Errorf("contractSideOf malformed = %v, want CALL default", got)
	}
}
