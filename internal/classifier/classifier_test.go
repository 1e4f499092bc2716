package classifier

import (
	"testing"

	"optionsflow/config"
	"optionsflow/internal/aggregator"
	"optionsflow/internal/model"
)

func testClassifier() *Classifier {
	return New(config.ClassifierConfig{ExecutionTolerance: 0.01})
}

var aggressiveCodes = []int{220, 229, 230}

// Scenario C: isolated large block, quote present.
func TestScenarioCBlock(t *testing.T) {
	c := testClassifier()
	trade := model.RawTrade{ContractSymbol: "O:SPY251115P00580000", Price: 8.25, Size: 800}
	verdict := aggregator.Verdict{TradeType: model.TradeTypeBlock, IsBlock: true, BlockReason: model.BlockReasonLargeIsolated}
	quote := model.Quote{Bid: 8.10, Ask: 8.25}

	ct := c.Classify(trade, verdict, quote, true, aggressiveCodes)

	if ct.ExecutionLevel != model.ExecutionAtAsk {
		t.Errorf("ExecutionLevel = %v, want AT_ASK", ct.ExecutionLevel)
	}
	if ct.Priority != 2 {
		t.Errorf("Priority = %d, want 2", ct.Priority)
	}
}

// Scenario D: flow below bid.
func TestScenarioDFlowBelowBid(t *testing.T) {
	c := testClassifier()
	trade := model.RawTrade{ContractSymbol: "O:XYZ251115C00050000", Price: 4.20, Size: 50}
	verdict := aggregator.Verdict{TradeType: model.TradeTypeFlow}
	quote := model.Quote{Bid: 4.30, Ask: 4.45}

	ct := c.Classify(trade, verdict, quote, true, aggressiveCodes)

	if ct.ExecutionLevel != model.ExecutionBelowBid {
		t.Errorf("ExecutionLevel = %v, want BELOW_BID", ct.ExecutionLevel)
	}
	if ct.Priority != 4 {
		t.Errorf("Priority = %d, want 4", ct.Priority)
	}
	if ct.Highlight {
		t.Errorf("Highlight = true, want false")
	}
}

// Scenario E: unknown quote.
func TestScenarioEUnknownQuote(t *testing.T) {
	c := testClassifier()
	trade := model.RawTrade{ContractSymbol: "O:ZZZ251115C00050000", Price: 6.40, Size: 10}
	verdict := aggregator.Verdict{TradeType: model.TradeTypeFlow}

	ct := c.Classify(trade, verdict, model.Quote{}, false, aggressiveCodes)

	if ct.ExecutionLevel != model.ExecutionUnknown {
		t.Errorf("ExecutionLevel = %v, want UNKNOWN", ct.ExecutionLevel)
	}
	if ct.Priority != 4 {
		t.Errorf("Priority = %d, want 4", ct.Priority)
	}
}

// Property 2: classification totality — every trade gets exactly one
// trade_type, and UNKNOWN iff quote absent or invalid.
func TestClassificationTotality(t *testing.T) {
	c := testClassifier()
	trade := model.RawTrade{ContractSymbol: "O:AAA251115C00050000", Price: 5, Size: 10}
	verdict := aggregator.Verdict{TradeType: model.TradeTypeFlow}

	cases := []struct {
		name    string
		quote   model.Quote
		quoteOK bool
		want    model.ExecutionLevel
	}{
		{"missing", model.Quote{}, false, model.ExecutionUnknown},
		{"crossed", model.Quote{Bid: 6, Ask: 5}, true, model.ExecutionUnknown},
		{"valid", model.Quote{Bid: 4.9, Ask: 5.1}, true, model.ExecutionMid},
	}
	for _, tc := range cases {
		ct := c.Classify(trade, verdict, tc.quote, tc.quoteOK, aggressiveCodes)
		if ct.TradeType != model.TradeTypeFlow {
			t.Errorf("%s: TradeType = %v, want FLOW", tc.name, ct.TradeType)
		}
		if ct.ExecutionLevel != tc.want {
			t.Errorf("%s: ExecutionLevel = %v, want %v", tc.name, ct.ExecutionLevel, tc.want)
		}
	}
}

// Property 7: priority monotonicity for institutional types as execution
// level moves ABOVE_ASK -> AT_ASK -> AT_BID (1 is highest priority, so the
// numeric value never decreases along that sequence).
func TestPriorityMonotonicity(t *testing.T) {
	c := testClassifier()
	trade := model.RawTrade{ContractSymbol: "O:AAA251115C00050000", Price: 5, Size: 10}
	verdict := aggregator.Verdict{TradeType: model.TradeTypeSweep}

	levels := []struct {
		quote model.Quote
		price float64
	}{
		{model.Quote{Bid: 4.9, Ask: 5.0}, 5.10}, // ABOVE_ASK
		{model.Quote{Bid: 4.9, Ask: 5.0}, 5.00}, // AT_ASK
		{model.Quote{Bid: 5.0, Ask: 5.1}, 5.00}, // AT_BID
	}

	var priorities []int
	for _, l := range levels {
		tr := trade
		tr.Price = l.price
		ct := c.Classify(tr, verdict, l.quote, true, aggressiveCodes)
		priorities = append(priorities, ct.Priority)
	}

	for i := 1; i < len(priorities); i++ {
		if priorities[i] < priorities[i-1] {
			t.Errorf("priority decreased along the sequence: %v", priorities)
		}
	}
}

func TestFlowDirectionCallSweepBullish(t *testing.T) {
	c := testClassifier()
	trade := model.RawTrade{ContractSymbol: "O:AMD251219C00155000", Price: 5.5, Size: 40}
	verdict := aggregator.Verdict{TradeType: model.TradeTypeSweep}

	ct := c.Classify(trade, verdict, model.Quote{}, false, aggressiveCodes)
	if ct.FlowDirection != model.FlowBullish {
		t.Errorf("FlowDirection = %v, want BULLISH", ct.FlowDirection)
	}
}

func TestFlowDirectionPutSweepBearish(t *testing.T) {
	c := testClassifier()
	trade := model.RawTrade{ContractSymbol: "O:SPY251115P00580000", Price: 8.25, Size: 40}
	verdict := aggregator.Verdict{TradeType: model.TradeTypeSweep}

	ct := c.Classify(trade, verdict, model.Quote{}, false, aggressiveCodes)
	if ct.FlowDirection != model.FlowBearish {
		t.Errorf("FlowDirection = %v, want BEARISH", ct.FlowDirection)
	}
}
