// Package model holds the data types shared across the ingestion,
// aggregation, classification, persistence, and broadcast layers.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the option side: call or put.
type Side string

const (
	SideCall Side = "CALL"
	SidePut  Side = "PUT"
)

// TradeType is the aggregator's verdict for a single print.
type TradeType string

const (
	TradeTypeSweep TradeType = "SWEEP"
	TradeTypeBlock TradeType = "BLOCK"
	TradeTypeFlow  TradeType = "FLOW"
)

// ExecutionLevel places a print relative to the prevailing NBBO.
type ExecutionLevel string

const (
	ExecutionAboveAsk ExecutionLevel = "ABOVE_ASK"
	ExecutionAtAsk    ExecutionLevel = "AT_ASK"
	ExecutionMid      ExecutionLevel = "MID"
	ExecutionAtBid    ExecutionLevel = "AT_BID"
	ExecutionBelowBid ExecutionLevel = "BELOW_BID"
	ExecutionUnknown  ExecutionLevel = "UNKNOWN"
)

// UrgencyLevel buckets the urgency score.
type UrgencyLevel string

const (
	UrgencyExtreme  UrgencyLevel = "EXTREME"
	UrgencyHigh     UrgencyLevel = "HIGH"
	UrgencyModerate UrgencyLevel = "MODERATE"
	UrgencyLow      UrgencyLevel = "LOW"
)

// FlowDirection is the inferred bullish/bearish lean of a print.
type FlowDirection string

const (
	FlowBullish FlowDirection = "BULLISH"
	FlowBearish FlowDirection = "BEARISH"
	FlowNeutral FlowDirection = "NEUTRAL"
)

// BlockReason names why a trade was admitted as a block.
type BlockReason string

const (
	BlockReasonLargeIsolated BlockReason = "LARGE_ISOLATED"
	BlockReasonOPRACode      BlockReason = "OPRA_BLOCK_CODE"
	BlockReasonDarkVenue     BlockReason = "DARK_VENUE"
)

// Contract is the immutable identity of an option: underlying, expiration,
// side, and strike. DaysToExpiry is derived relative to the current UTC date
// and is not part of the identity.
type Contract struct {
	Symbol     string
	Underlying string
	Expiration time.Time
	Side       Side
	Strike     decimal.Decimal
}

// DaysToExpiry returns the whole days between now (UTC) and expiration.
func (c Contract) DaysToExpiry(now time.Time) int {
	d := c.Expiration.UTC().Truncate(24 * time.Hour).Sub(now.UTC().Truncate(24 * time.Hour))
	return int(d.Hours() / 24)
}

// Quote is the latest known NBBO for a contract.
type Quote struct {
	ContractSymbol string
	Bid            float64
	Ask            float64
	BidSize        int
	AskSize        int
	SourceTime     time.Time
}

// Valid reports whether both sides are present and consistent.
func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}

// Mid returns the midpoint price. Callers must check Valid first.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// RawTrade is a single print as received from the upstream feed, after
// nanosecond-to-millisecond timestamp conversion at ingress.
type RawTrade struct {
	ContractSymbol string
	Price          float64
	Size           int
	ExchangeID     int
	ExchangeName   string
	Conditions     []int
	SourceTimeMS   int64
	Sequence       int64
}

// ClassifiedTrade is a RawTrade enriched with the aggregator verdict and the
// classifier's execution-level, priority, urgency, and flow-direction fields.
type ClassifiedTrade struct {
	RawTrade

	ProcessedAtMS int64
	Premium       decimal.Decimal

	TradeType TradeType

	SweepID            string
	SweepSize          int
	SweepExchangeCount int
	SweepExchanges     []string

	IsBlock     bool
	BlockReason BlockReason

	ExecutionLevel ExecutionLevel
	Priority       int
	Highlight      bool

	UrgencyScore int
	UrgencyLevel UrgencyLevel
	UrgencyLabel string
	UrgencyColor string

	FlowDirection FlowDirection
}

// WindowEntry is a single admitted record in the aggregator's sliding window,
// carrying just enough of the trade to support cluster queries without
// re-deriving classification context.
type WindowEntry struct {
	ContractSymbol string
	ProcessedAtMS  int64
	Price          float64
	Size           int
	ExchangeID     int
	ExchangeName   string
	Conditions     []int
	Premium        decimal.Decimal
}

// DailyAggregateRow is the derived per-date rollup maintained by the
// persistence sink. Ratios are computed on read, never stored.
type DailyAggregateRow struct {
	Date time.Time

	TotalTrades  int64
	TotalPremium decimal.Decimal

	CallCount   int64
	CallPremium decimal.Decimal
	PutCount    int64
	PutPremium  decimal.Decimal

	SweepCount   int64
	SweepPremium decimal.Decimal
	BlockCount   int64
	BlockPremium decimal.Decimal

	Priority1Count   int64
	Priority1Premium decimal.Decimal
	Priority2Count   int64
	Priority2Premium decimal.Decimal
	Priority3Count   int64
	Priority3Premium decimal.Decimal
	Priority4Count   int64
	Priority4Premium decimal.Decimal
}

// CallPutRatio returns call premium / put premium, or zero if put premium is zero.
func (r DailyAggregateRow) CallPutRatio() float64 {
	if r.PutPremium.IsZero() {
		return 0
	}
	ratio, _ := r.CallPremium.Div(r.PutPremium).Float64()
	return ratio
}

// InstitutionalShare returns (sweep+block premium) / total premium, or zero if total is zero.
func (r DailyAggregateRow) InstitutionalShare() float64 {
	if r.TotalPremium.IsZero() {
		return 0
	}
	share, _ := r.SweepPremium.Add(r.BlockPremium).Div(r.TotalPremium).Float64()
	return share
}
