// Package aggregator implements the trade aggregator: a bounded sliding
// window that clusters near-simultaneous prints on the same contract to
// infer sweeps, and flags isolated large prints as blocks. The window is a
// fixed-capacity ring ("arena") with a secondary index mapping contract
// symbol to the ring slots that currently hold one of its entries; stale
// index entries are tombstoned by a per-slot sequence number rather than
// removed eagerly, avoiding per-event allocation in the hot path.
package aggregator

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionsflow/config"
	"optionsflow/internal/model"
)

// Verdict is the aggregator's classification of a single trade, before the
// classifier adds NBBO-derived fields.
type Verdict struct {
	TradeType model.TradeType

	SweepID            string
	SweepSize          int
	SweepExchangeCount int
	SweepExchanges     []string

	IsBlock     bool
	BlockReason model.BlockReason
}

type slot struct {
	valid bool
	seq   int64
	entry model.WindowEntry
}

// Aggregator is safe for concurrent use via its internal mutex. In the
// supervisor's wiring a single Aggregator is shared by every ingestion
// session and is called directly from the sessions' trade callbacks; the
// mutex serialises those calls. Tests drive it the same way.
type Aggregator struct {
	mu  sync.Mutex
	cfg config.AggregatorConfig

	now func() time.Time

	arena   []slot
	next    int
	seq     int64
	index   map[string][]indexRef
}

type indexRef struct {
	slotIdx int
	seq     int64
}

// New builds an Aggregator with the given configuration. The ring capacity
// is cfg.BufferMaxSize; a non-positive BufferMaxSize falls back to 10000.
func New(cfg config.AggregatorConfig) *Aggregator {
	capacity := cfg.BufferMaxSize
	if capacity <= 0 {
		capacity = 10000
	}
	return &Aggregator{
		cfg:   cfg,
		now:   time.Now,
		arena: make([]slot, capacity),
		index: make(map[string][]indexRef),
	}
}

// WithClock overrides the time source, for deterministic tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Process admits a trade into the window and returns its classification
// verdict. The aggregator never fails: any input produces exactly one of
// SWEEP, BLOCK, or FLOW.
func (a *Aggregator) Process(trade model.RawTrade, exchangeName string, premium decimal.Decimal) Verdict {
	a.mu.Lock()
	defer a.mu.Unlock()

	processedAt := a.now()
	processedAtMS := processedAt.UnixMilli()

	entry := model.WindowEntry{
		ContractSymbol: trade.ContractSymbol,
		ProcessedAtMS:  processedAtMS,
		Price:          trade.Price,
		Size:           trade.Size,
		ExchangeID:     trade.ExchangeID,
		ExchangeName:   exchangeName,
		Conditions:     trade.Conditions,
		Premium:        premium,
	}
	currentSlot := a.insert(entry)

	sweepWindowCluster := a.queryCluster(trade.ContractSymbol, processedAt, a.cfg.SweepWindow, processedAtMS)

	if a.admitsSweep(trade, sweepWindowCluster) {
		bucket := processedAtMS / 100
		sweepID := sweepHash(trade.ContractSymbol, bucket)

		exchangeSet := map[string]struct{}{}
		exchangeNameSet := map[string]string{}
		totalSize := 0
		for _, e := range sweepWindowCluster {
			key := e.ExchangeName
			if key == "" {
				key = fmt.Sprintf("exchange_%d", e.ExchangeID)
			}
			exchangeSet[key] = struct{}{}
			exchangeNameSet[key] = key
			totalSize += e.Size
		}
		exchanges := make([]string, 0, len(exchangeNameSet))
		for name := range exchangeNameSet {
			exchanges = append(exchanges, name)
		}

		return Verdict{
			TradeType:          model.TradeTypeSweep,
			SweepID:             sweepID,
			SweepSize:           totalSize,
			SweepExchangeCount:  len(exchangeSet),
			SweepExchanges:      exchanges,
		}
	}

	if reason, ok := a.admitsBlock(trade, processedAt, processedAtMS, currentSlot); ok {
		return Verdict{TradeType: model.TradeTypeBlock, IsBlock: true, BlockReason: reason}
	}

	return Verdict{TradeType: model.TradeTypeFlow}
}

// insert writes entry into the next ring slot, tombstoning whatever
// occupied it previously, and indexes the new slot by contract symbol.
// Caller must hold a.mu.
func (a *Aggregator) insert(entry model.WindowEntry) int {
	slotIdx := a.next
	a.next = (a.next + 1) % len(a.arena)
	a.seq++
	seq := a.seq

	a.arena[slotIdx] = slot{valid: true, seq: seq, entry: entry}
	a.index[entry.ContractSymbol] = append(a.index[entry.ContractSymbol], indexRef{slotIdx: slotIdx, seq: seq})

	return slotIdx
}

// queryCluster returns all live, non-expired entries for symbol whose
// processed_at is within window of asOfMS (inclusive), tombstoning stale
// index references it encounters along the way. Caller must hold a.mu.
func (a *Aggregator) queryCluster(symbol string, now time.Time, window time.Duration, asOfMS int64) []model.WindowEntry {
	refs := a.index[symbol]
	if len(refs) == 0 {
		return nil
	}

	maxAgeCutoff := now.Add(-a.cfg.BufferMaxAge).UnixMilli()
	windowMS := window.Milliseconds()

	live := make([]indexRef, 0, len(refs))
	var out []model.WindowEntry
	for _, ref := range refs {
		s := a.arena[ref.slotIdx]
		if !s.valid || s.seq != ref.seq {
			continue // tombstoned: slot was overwritten by a later insert
		}
		if s.entry.ProcessedAtMS < maxAgeCutoff {
			continue // expired by age, drop from the live index
		}
		live = append(live, ref)
		if diff := abs64(asOfMS - s.entry.ProcessedAtMS); diff <= windowMS {
			out = append(out, s.entry)
		}
	}
	a.index[symbol] = live

	return out
}

// admitsSweep implements §4.3's hybrid admission rule plus the
// sweep-condition-code special case: a print carrying a registered sweep
// condition code is admitted on its own, independent of price/size/exchange
// clustering (see spec §8 scenario B and §9's precedence-ambiguity note).
func (a *Aggregator) admitsSweep(trade model.RawTrade, cluster []model.WindowEntry) bool {
	if containsAny(trade.Conditions, a.cfg.SweepConditionCodes) {
		return true
	}
	if len(cluster) == 0 {
		return false
	}

	minPrice, maxPrice := cluster[0].Price, cluster[0].Price
	totalSize := 0
	var priceSum float64
	exchangeSet := map[string]struct{}{}
	for _, e := range cluster {
		if e.Price < minPrice {
			minPrice = e.Price
		}
		if e.Price > maxPrice {
			maxPrice = e.Price
		}
		totalSize += e.Size
		priceSum += e.Price
		key := e.ExchangeName
		if key == "" {
			key = fmt.Sprintf("exchange_%d", e.ExchangeID)
		}
		exchangeSet[key] = struct{}{}
	}

	if maxPrice-minPrice > a.cfg.SweepPriceDelta {
		return false
	}

	meanPrice := priceSum / float64(len(cluster))
	minContracts := a.cfg.SweepMinTotal
	if meanPrice <= 5 {
		minContracts = a.cfg.SweepMinTotal / 2
	}
	if totalSize < minContracts {
		return false
	}

	if len(exchangeSet) >= a.cfg.SweepMinExchanges {
		return true
	}
	if len(cluster) >= 3 && len(exchangeSet) == 1 {
		return true
	}
	return false
}

// admitsBlock implements §4.3's three independent block predicates,
// evaluated in the order LARGE_ISOLATED, OPRA_BLOCK_CODE, DARK_VENUE, and
// returns the first that matches.
func (a *Aggregator) admitsBlock(trade model.RawTrade, now time.Time, nowMS int64, currentSlot int) (model.BlockReason, bool) {
	if trade.Size >= a.cfg.BlockMinSize && a.isolated(trade.ContractSymbol, now, nowMS, currentSlot) {
		return model.BlockReasonLargeIsolated, true
	}
	if containsAny(trade.Conditions, a.cfg.BlockConditions) {
		return model.BlockReasonOPRACode, true
	}
	if containsInt(a.cfg.DarkVenues, trade.ExchangeID) && trade.Size >= a.cfg.BlockMinSize {
		return model.BlockReasonDarkVenue, true
	}
	return "", false
}

// isolated reports whether no other live entry for symbol falls within
// ±BlockIsolationWindow of nowMS, excluding the slot just inserted for the
// trade being evaluated. Caller must hold a.mu.
func (a *Aggregator) isolated(symbol string, now time.Time, nowMS int64, currentSlot int) bool {
	refs := a.index[symbol]
	windowMS := a.cfg.BlockIsolationWindow.Milliseconds()
	for _, ref := range refs {
		if ref.slotIdx == currentSlot {
			continue
		}
		s := a.arena[ref.slotIdx]
		if !s.valid || s.seq != ref.seq {
			continue
		}
		if abs64(nowMS-s.entry.ProcessedAtMS) <= windowMS {
			return false
		}
	}
	return true
}

// Len returns the number of currently live, non-expired entries across the
// whole window.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.cfg.BufferMaxAge).UnixMilli()
	n := 0
	for _, s := range a.arena {
		if s.valid && s.entry.ProcessedAtMS >= cutoff {
			n++
		}
	}
	return n
}

func sweepHash(symbol string, bucket int64) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	_, _ = h.Write([]byte{byte(bucket), byte(bucket >> 8), byte(bucket >> 16), byte(bucket >> 24)})
	return fmt.Sprintf("%016x", h.Sum64())
}

func containsAny(haystack, needles []int) bool {
	for _, n := range needles {
		if containsInt(haystack, n) {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
