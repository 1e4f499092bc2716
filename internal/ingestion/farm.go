package ingestion

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"optionsflow/config"
	"optionsflow/internal/metrics"
	"optionsflow/internal/model"
	"optionsflow/internal/symbol"
	"optionsflow/logger"
)

// Farm owns the full set of upstream sessions and distributes the quote
// subscription budget across them. Session 0 always carries the global
// trade stream ("T.*"). Sessions [0, SessionsStatic) carry the static tier:
// per-contract quote channels for contracts whose underlying is in
// StaticTierTickers, discovered lazily as trades for them arrive (static
// subscriptions are deferred until a contract is actually observed, per
// spec — the config only names underlyings, not contract symbols).
// Sessions [SessionsStatic, SessionsTotal) carry the dynamic tier: the
// highest-volume contracts seen recently that don't belong to a static
// underlying, truncated to the dynamic tier's own aggregate budget and
// never placed on a static-tier session.
type Farm struct {
	cfg config.FarmConfig
	log *logger.Entry

	sessions []*Session

	onTrade func(model.RawTrade)
	onQuote func(model.Quote)

	// ctx is the context passed to Run, used by handleTrade and rebalance
	// to send live subscribe/unsubscribe frames outside of Run's own
	// goroutines. Set once at the top of Run before any session can dial.
	ctx context.Context

	mu            sync.Mutex
	dedup         map[dedupKey]struct{}
	volume        map[string]int64
	staticTickers map[string]struct{}
	staticAssign  map[string]int // static-tier contract -> session index
	dynamicAssign map[string]int // dynamic-tier contract -> session index
}

type dedupKey struct {
	symbol   string
	sequence int64
}

// New builds a Farm with the given configuration. onTrade is invoked once
// per trade surviving the dedup filter; onQuote is invoked for every quote
// frame from any session.
func New(cfg config.FarmConfig, upstream config.UpstreamConfig, onTrade func(model.RawTrade), onQuote func(model.Quote)) *Farm {
	f := &Farm{
		cfg:           cfg,
		log:           logger.GetLogger().WithComponent("ingestion_farm"),
		onTrade:       onTrade,
		onQuote:       onQuote,
		dedup:         make(map[dedupKey]struct{}),
		volume:        make(map[string]int64),
		staticTickers: make(map[string]struct{}),
		staticAssign:  make(map[string]int),
		dynamicAssign: make(map[string]int),
	}
	for _, t := range cfg.StaticTierTickers {
		f.staticTickers[t] = struct{}{}
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.ControlFrameRateLimit), cfg.ControlFrameBurst)
	sessionCfg := SessionConfig{
		URL:                  upstream.URL,
		APIKey:               upstream.APIKey,
		AuthGracePeriod:      cfg.AuthGracePeriod,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		RateLimiter:          limiter,
	}

	total := cfg.SessionsTotal
	if total <= 0 {
		total = 1
	}
	f.sessions = make([]*Session, total)
	for i := 0; i < total; i++ {
		f.sessions[i] = NewSession(i, sessionCfg, f.handleTrade, f.handleQuote)
	}

	return f
}

// Run starts every session's connect loop and the periodic rebalance and
// dedup-clear loops. Blocks until ctx is cancelled.
func (f *Farm) Run(ctx context.Context) {
	f.ctx = ctx

	var wg sync.WaitGroup
	for _, s := range f.sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Run(ctx)
		}(s)
	}

	f.sessions[0].Subscribe(ctx, "T.*")

	go f.rebalanceLoop(ctx)
	go f.dedupClearLoop(ctx)

	wg.Wait()
}

// handleTrade applies the dedup filter before forwarding to onTrade,
// records the trade's size against its contract's rolling volume for the
// next rebalance pass, and subscribes the contract's quote channel on the
// static tier the first time a contract for a static underlying is seen.
func (f *Farm) handleTrade(sessionID int, trade model.RawTrade) {
	f.mu.Lock()
	key := dedupKey{symbol: trade.ContractSymbol, sequence: trade.Sequence}
	if _, seen := f.dedup[key]; seen {
		f.mu.Unlock()
		return
	}
	f.dedup[key] = struct{}{}
	f.volume[trade.ContractSymbol] += int64(trade.Size)
	f.mu.Unlock()

	metrics.IncrementIngested(strconv.Itoa(sessionID))

	f.maybeSubscribeStatic(trade)

	if f.onTrade != nil {
		f.onTrade(trade)
	}
}

// isStaticContract reports whether contractSymbol's underlying is in the
// configured static tier. staticTickers is built once in New and never
// mutated afterward, so it's safe to read without holding f.mu.
func (f *Farm) isStaticContract(contractSymbol string) bool {
	c, err := symbol.Parse(contractSymbol)
	if err != nil {
		return false
	}
	_, ok := f.staticTickers[c.Underlying]
	return ok
}

// maybeSubscribeStatic discovers static-tier contracts from observed trades:
// the config names underlyings, not contract symbols, so a contract only
// earns its quote subscription once a trade for it actually arrives. Each
// newly-seen static contract is round-robined across sessions [0, SessionsStatic).
func (f *Farm) maybeSubscribeStatic(trade model.RawTrade) {
	if f.cfg.SessionsStatic <= 0 || !f.isStaticContract(trade.ContractSymbol) {
		return
	}

	f.mu.Lock()
	if _, seen := f.staticAssign[trade.ContractSymbol]; seen {
		f.mu.Unlock()
		return
	}
	staticSessions := f.cfg.SessionsStatic
	if staticSessions > len(f.sessions) {
		staticSessions = len(f.sessions)
	}
	idx := len(f.staticAssign) % staticSessions
	f.staticAssign[trade.ContractSymbol] = idx
	f.mu.Unlock()

	f.sessions[idx].Subscribe(f.ctx, quoteChannel(trade.ContractSymbol))
}

func (f *Farm) handleQuote(q model.Quote) {
	if f.onQuote != nil {
		f.onQuote(q)
	}
}

// dedupClearLoop bulk-clears the dedup set once it grows past
// cfg.DedupMaxEntries, trading a brief dedup-blind window for bounded memory.
func (f *Farm) dedupClearLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	limit := f.cfg.DedupMaxEntries
	if limit <= 0 {
		limit = 100000
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			if len(f.dedup) >= limit {
				f.dedup = make(map[dedupKey]struct{})
				f.log.Info("dedup set cleared after reaching capacity")
			}
			f.mu.Unlock()
		}
	}
}

// rebalanceLoop periodically re-ranks contracts by recent volume and
// reassigns the dynamic tier's quote subscriptions so that the aggregate
// subscription count stays within (SessionsTotal-SessionsStatic)*QuotesPerSession
// and no single dynamic-tier session exceeds QuotesPerSession.
func (f *Farm) rebalanceLoop(ctx context.Context) {
	interval := f.cfg.RebalanceInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.rebalance()
		}
	}
}

// rebalance computes the top-volume contracts not already claimed by the
// static tier, truncates them to the dynamic tier's aggregate budget
// (S_dynamic * QuotesPerSession), and chunks them evenly across sessions
// [SessionsStatic, SessionsTotal) — the static tier's sessions are never
// given dynamic subscriptions, so their budget is never touched here.
// Every add/remove against the previous assignment is pushed to the live
// session immediately via Subscribe/Unsubscribe, not just recorded locally.
func (f *Farm) rebalance() {
	start := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()

	type ranked struct {
		symbol string
		volume int64
	}
	candidates := make([]ranked, 0, len(f.volume))
	for sym, v := range f.volume {
		if f.isStaticContract(sym) {
			continue
		}
		candidates = append(candidates, ranked{symbol: sym, volume: v})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].volume != candidates[j].volume {
			return candidates[i].volume > candidates[j].volume
		}
		return candidates[i].symbol < candidates[j].symbol
	})

	dynStart := f.cfg.SessionsStatic
	if dynStart < 0 {
		dynStart = 0
	}
	if dynStart > len(f.sessions) {
		dynStart = len(f.sessions)
	}
	sDynamic := len(f.sessions) - dynStart

	maxAggregate := sDynamic * f.cfg.QuotesPerSession
	if len(candidates) > maxAggregate {
		f.log.WithFields(logger.Fields{
			"dropped": len(candidates) - maxAggregate,
		}).Debug("dynamic tier candidates truncated to aggregate budget")
		candidates = candidates[:maxAggregate]
	}

	budget := make([]int, sDynamic)
	for i := range budget {
		budget[i] = f.cfg.QuotesPerSession
	}

	desired := make(map[string]int) // contract -> absolute session index
	sessionIdx := 0
	for _, c := range candidates {
		if sDynamic == 0 {
			break
		}
		placed := false
		for attempts := 0; attempts < sDynamic; attempts++ {
			rel := sessionIdx % sDynamic
			sessionIdx++
			if budget[rel] > 0 {
				desired[c.symbol] = dynStart + rel
				budget[rel]--
				placed = true
				break
			}
		}
		if !placed {
			f.log.WithFields(logger.Fields{"contract_symbol": c.symbol}).Debug("dynamic tier full, dropping candidate from rebalance")
		}
	}

	for sym, prevIdx := range f.dynamicAssign {
		newIdx, stillWanted := desired[sym]
		if !stillWanted || newIdx != prevIdx {
			f.sessions[prevIdx].Unsubscribe(f.ctx, quoteChannel(sym))
			delete(f.dynamicAssign, sym)
		}
	}
	for sym, idx := range desired {
		if existing, ok := f.dynamicAssign[sym]; ok && existing == idx {
			continue
		}
		f.sessions[idx].Subscribe(f.ctx, quoteChannel(sym))
		f.dynamicAssign[sym] = idx
	}

	f.volume = make(map[string]int64)

	logger.LogPerformanceEntry(f.log, "ingestion_farm", "rebalance", time.Since(start), logger.Fields{
		"dynamic_candidates": len(candidates),
		"dynamic_assigned":   len(desired),
	})
}

// SessionStatus is a connectivity and subscription-count snapshot for one
// session, reported by the health endpoint.
type SessionStatus struct {
	Connected     bool
	Subscriptions int
}

// Status reports every session's current connectivity and subscription
// count, keyed by "session_<id>".
func (f *Farm) Status() map[string]SessionStatus {
	out := make(map[string]SessionStatus, len(f.sessions))
	for i, s := range f.sessions {
		out[fmt.Sprintf("session_%d", i)] = SessionStatus{
			Connected:     s.Connected(),
			Subscriptions: len(s.Subscriptions()),
		}
	}
	return out
}
