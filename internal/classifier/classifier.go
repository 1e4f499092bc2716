// Package classifier combines the aggregator's sweep/block/flow verdict
// with quote (NBBO) context to produce the downstream execution level,
// priority, urgency, and flow-direction fields, following the table-driven
// lookup style the teacher corpus uses for its exchange-keyword tables.
package classifier

import (
	"optionsflow/config"
	"optionsflow/internal/aggregator"
	"optionsflow/internal/model"
	"optionsflow/internal/symbol"
)

// Classifier is stateless: every call is a pure function of its inputs.
// It is safe for concurrent use without synchronization.
type Classifier struct {
	cfg config.ClassifierConfig
}

// New builds a Classifier with the given configuration.
func New(cfg config.ClassifierConfig) *Classifier {
	if cfg.ExecutionTolerance <= 0 {
		cfg.ExecutionTolerance = 0.01
	}
	return &Classifier{cfg: cfg}
}

// Classify combines verdict and quote to produce the execution level,
// priority, urgency, and flow direction for a trade. The notional premium
// used for the highlight, urgency and direction thresholds is computed here
// from the raw trade's price and size; aggressiveConditionCodes is supplied
// by the caller (from the aggregator's config). The returned trade's
// Premium field is left for the caller to set.
func (c *Classifier) Classify(trade model.RawTrade, verdict aggregator.Verdict, quote model.Quote, quoteOK bool, aggressiveConditionCodes []int) model.ClassifiedTrade {
	level := c.executionLevel(trade.Price, quote, quoteOK)
	priority, _ := priorityFor(verdict.TradeType, level)
	highlight := isHighlighted(verdict.TradeType, level, trade)
	score, lvl, label, color := urgency(verdict, trade, aggressiveConditionCodes)
	direction := flowDirection(trade, verdict, contractSide(trade.ContractSymbol), aggressiveConditionCodes)

	return model.ClassifiedTrade{
		RawTrade:           trade,
		TradeType:          verdict.TradeType,
		SweepID:            verdict.SweepID,
		SweepSize:          verdict.SweepSize,
		SweepExchangeCount: verdict.SweepExchangeCount,
		SweepExchanges:     verdict.SweepExchanges,
		IsBlock:            verdict.IsBlock,
		BlockReason:        verdict.BlockReason,
		ExecutionLevel:     level,
		Priority:           priority,
		Highlight:          highlight,
		UrgencyScore:       score,
		UrgencyLevel:       lvl,
		UrgencyLabel:       label,
		UrgencyColor:       color,
		FlowDirection:      direction,
	}
}

// executionLevel places price relative to the quote's bid/ask within
// tolerance ε, snapping to the nearer side of the midpoint when price falls
// between two buckets without matching any of them exactly.
func (c *Classifier) executionLevel(price float64, q model.Quote, quoteOK bool) model.ExecutionLevel {
	if !quoteOK || !q.Valid() {
		return model.ExecutionUnknown
	}

	eps := c.cfg.ExecutionTolerance
	mid := q.Mid()

	switch {
	case price > q.Ask+eps:
		return model.ExecutionAboveAsk
	case abs(price-q.Ask) <= eps:
		return model.ExecutionAtAsk
	case abs(price-mid) <= eps:
		return model.ExecutionMid
	case abs(price-q.Bid) <= eps:
		return model.ExecutionAtBid
	case price < q.Bid-eps:
		return model.ExecutionBelowBid
	default:
		if price >= mid {
			return model.ExecutionAtAsk
		}
		return model.ExecutionAtBid
	}
}

// priorityFor is the priority table from §4.4: (trade_type, execution_level) -> priority.
func priorityFor(tt model.TradeType, level model.ExecutionLevel) (priority int, _ bool) {
	if level == model.ExecutionUnknown {
		return 4, false
	}

	institutional := tt == model.TradeTypeSweep || tt == model.TradeTypeBlock

	switch {
	case institutional && level == model.ExecutionAboveAsk:
		return 1, false
	case institutional && level == model.ExecutionAtAsk:
		return 2, false
	case institutional && level == model.ExecutionAtBid:
		return 3, false
	case institutional && (level == model.ExecutionBelowBid || level == model.ExecutionMid):
		return 4, false
	case tt == model.TradeTypeFlow && (level == model.ExecutionAboveAsk || level == model.ExecutionAtAsk):
		return 3, false
	case tt == model.TradeTypeFlow && (level == model.ExecutionAtBid || level == model.ExecutionMid || level == model.ExecutionBelowBid):
		return 4, false
	default:
		return 4, false
	}
}

// highlightThreshold returns the premium (in dollars) above which a given
// (trade_type, execution_level) bucket is highlighted, or 0 if the bucket
// is never highlighted. Matches the "highlight" column of §4.4's table.
func highlightThreshold(tt model.TradeType, level model.ExecutionLevel) float64 {
	institutional := tt == model.TradeTypeSweep || tt == model.TradeTypeBlock
	switch {
	case institutional && level == model.ExecutionAboveAsk:
		return 0 // always
	case institutional && level == model.ExecutionAtAsk:
		return 100000
	case institutional && level == model.ExecutionAtBid:
		return 250000
	case tt == model.TradeTypeFlow && (level == model.ExecutionAboveAsk || level == model.ExecutionAtAsk):
		return 200000
	case tt == model.TradeTypeFlow && (level == model.ExecutionAtBid || level == model.ExecutionMid || level == model.ExecutionBelowBid):
		return 300000
	default:
		return -1 // never
	}
}

// isHighlighted resolves highlightThreshold's bucket against the trade's
// actual premium; a threshold of 0 means "always", negative means "never".
func isHighlighted(tt model.TradeType, level model.ExecutionLevel, trade model.RawTrade) bool {
	threshold := highlightThreshold(tt, level)
	if threshold < 0 {
		return false
	}
	premium := trade.Price * float64(trade.Size) * 100
	return premium >= threshold
}

// urgency computes the 0-100 urgency score from §4.4's additive model and
// resolves it to a level/label/color.
func urgency(v aggregator.Verdict, trade model.RawTrade, aggressiveConditionCodes []int) (score int, level model.UrgencyLevel, label, color string) {
	if v.TradeType == model.TradeTypeSweep {
		score += 30
		bonus := (v.SweepExchangeCount - 1) * 5
		if bonus > 15 {
			bonus = 15
		}
		if bonus > 0 {
			score += bonus
		}
	}
	if v.IsBlock {
		score += 10
	}
	score += premiumBand(trade)
	if hasAggressiveCondition(trade.Conditions, aggressiveConditionCodes) {
		score += 20
	}
	if score > 100 {
		score = 100
	}

	switch {
	case score >= 80:
		level, label, color = model.UrgencyExtreme, "Extreme", "red"
	case score >= 60:
		level, label, color = model.UrgencyHigh, "High", "orange"
	case score >= 40:
		level, label, color = model.UrgencyModerate, "Moderate", "yellow"
	default:
		level, label, color = model.UrgencyLow, "Low", "gray"
	}
	return score, level, label, color
}

// premiumBand converts notional premium into the 0-30 urgency contribution.
func premiumBand(trade model.RawTrade) int {
	premium := trade.Price * float64(trade.Size) * 100
	switch {
	case premium >= 500000:
		return 30
	case premium >= 250000:
		return 20
	case premium >= 100000:
		return 10
	case premium >= 20000:
		return 5
	default:
		return 0
	}
}

func hasAggressiveCondition(conditions, aggressive []int) bool {
	for _, c := range conditions {
		for _, a := range aggressive {
			if c == a {
				return true
			}
		}
	}
	return false
}

// flowDirection implements §4.4's CALL/PUT symmetric rule. A trade with
// UNKNOWN execution level still receives a direction from trade_type alone.
func flowDirection(trade model.RawTrade, v aggregator.Verdict, side model.Side, aggressiveConditionCodes []int) model.FlowDirection {
	premium := trade.Price * float64(trade.Size) * 100
	aggressive := hasAggressiveCondition(trade.Conditions, aggressiveConditionCodes)

	switch side {
	case model.SideCall:
		switch {
		case v.TradeType == model.TradeTypeSweep:
			return model.FlowBullish
		case v.TradeType == model.TradeTypeBlock && premium >= 200000:
			return model.FlowBullish
		case aggressive && premium >= 100000:
			return model.FlowBullish
		}
	case model.SidePut:
		switch {
		case v.TradeType == model.TradeTypeSweep:
			return model.FlowBearish
		case v.TradeType == model.TradeTypeBlock && premium >= 200000:
			return model.FlowBearish
		case aggressive && premium >= 100000:
			return model.FlowBearish
		}
	}
	return model.FlowNeutral
}

// contractSide parses just enough of the OCC symbol to recover its side for
// the flow-direction rule. An unparseable symbol defaults to CALL; malformed
// symbols are filtered upstream of the classifier per §7.
func contractSide(sym string) model.Side {
	c, err := symbol.Parse(sym)
	if err != nil {
		return model.SideCall
	}
	return c.Side
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
