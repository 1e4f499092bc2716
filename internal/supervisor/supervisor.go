// Package supervisor wires the ingestion farm, aggregator, classifier,
// persistence sink, broadcast hub, metrics, and health surfaces together
// and owns their startup and graceful shutdown, following the teacher's
// main.go readers-then-processors-then-writers startup sequencing and its
// deadline-bounded shutdown wait.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionsflow/config"
	"optionsflow/internal/aggregator"
	"optionsflow/internal/broadcast"
	"optionsflow/internal/classifier"
	"optionsflow/internal/health"
	"optionsflow/internal/ingestion"
	"optionsflow/internal/metrics"
	"optionsflow/internal/model"
	"optionsflow/internal/persistence"
	"optionsflow/internal/quote"
	"optionsflow/logger"
)

// Supervisor owns every long-running component and the glue between them.
type Supervisor struct {
	cfg *config.Config
	log *logger.Entry

	farm       *ingestion.Farm
	aggregator *aggregator.Aggregator
	classifier *classifier.Classifier
	quotes     *quote.Cache
	sink       *persistence.Sink
	hub        *broadcast.Hub
	replay     *broadcast.KafkaReplay
	health     *health.Server

	exchangeNames map[int]string

	wg sync.WaitGroup
}

// New builds every component from cfg but does not start anything. sink may
// be nil if store connectivity is unavailable at construction time — in
// that case persistence is skipped and only broadcast/metrics run.
func New(cfg *config.Config, sink *persistence.Sink) *Supervisor {
	s := &Supervisor{
		cfg:           cfg,
		log:           logger.GetLogger().WithComponent("supervisor"),
		aggregator:    aggregator.New(cfg.Aggregator),
		classifier:    classifier.New(cfg.Classifier),
		quotes:        quote.New(64, cfg.Farm.QuotesPerSession),
		sink:          sink,
		exchangeNames: defaultExchangeNames(),
	}

	var replayWriter broadcast.ReplayWriter
	if cfg.Broadcast.Kafka.Enabled {
		replay, err := broadcast.NewKafkaReplay(cfg.Broadcast.Kafka)
		if err != nil {
			s.log.WithError(err).Warn("kafka replay disabled")
		} else {
			s.replay = replay
			replayWriter = replay
		}
	}
	s.hub = broadcast.New(cfg.Channels.BroadcastOutboxBuffer, replayWriter)

	s.farm = ingestion.New(cfg.Farm, cfg.Upstream, s.handleTrade, s.handleQuote)
	s.health = health.NewServer(cfg.Health, s)

	return s
}

// Run starts every component and blocks until ctx is cancelled, then waits
// up to 30 seconds for all of them to return. Every component watches the
// same ctx, so they all begin stopping at the same moment; the shutdown is
// not ordered between ingestion, persistence, broadcast and health.
func (s *Supervisor) Run(ctx context.Context) {
	s.log.Info("starting components")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.farm.Run(ctx)
	}()

	if s.sink != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sink.Start(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.health.Run(ctx); err != nil {
			s.log.WithError(err).Warn("health server exited with error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.rolloverLoop(ctx)
	}()

	s.log.Info("all components started")

	<-ctx.Done()
	s.log.Info("shutdown signal observed, waiting for components to drain")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		s.log.Warn("graceful shutdown timeout exceeded")
	}

	if s.replay != nil {
		if err := s.replay.Close(); err != nil {
			s.log.WithError(err).Warn("failed to close kafka replay writer")
		}
	}
}

// handleTrade is the farm's onTrade callback: it resolves the exchange
// name, runs the trade through the aggregator and classifier, then offers
// the result to persistence and broadcast.
func (s *Supervisor) handleTrade(trade model.RawTrade) {
	exchangeName := s.exchangeNames[trade.ExchangeID]
	premium := premiumOf(trade)

	verdict := s.aggregator.Process(trade, exchangeName, premium)

	q, ok := s.quotes.Lookup(trade.ContractSymbol)
	classified := s.classifier.Classify(trade, verdict, q, ok, s.cfg.Aggregator.AggressiveConditionCodes)
	classified.Premium = premium

	metrics.IncrementClassified(string(classified.ExecutionLevel))
	s.hub.Publish(classified)
	if s.sink != nil {
		s.sink.Offer(context.Background(), classified)
	}
}

func (s *Supervisor) handleQuote(q model.Quote) {
	s.quotes.Store(q.ContractSymbol, q)
}

// FarmStatus implements health.Reporter.
func (s *Supervisor) FarmStatus() map[string]health.FarmStatus {
	out := make(map[string]health.FarmStatus)
	for name, st := range s.farm.Status() {
		out[name] = health.FarmStatus{Connected: st.Connected, Subscriptions: st.Subscriptions}
	}
	return out
}

// SinkQueueDepth implements health.Reporter.
func (s *Supervisor) SinkQueueDepth() int {
	if s.sink == nil {
		return 0
	}
	return s.sink.Len()
}

// ChannelDepths satisfies metrics.ChannelSampler, for
// metrics.StartChannelSizeMetrics.
func (s *Supervisor) ChannelDepths() map[string]metrics.ChannelDepth {
	depths := make(map[string]metrics.ChannelDepth)
	depths["broadcast_subscribers"] = metrics.ChannelDepth{Len: s.hub.SubscriberCount(), Cap: 0}
	depths["aggregator_window"] = metrics.ChannelDepth{Len: s.aggregator.Len(), Cap: s.cfg.Aggregator.BufferMaxSize}
	if s.sink != nil {
		depths["sink_buffer"] = metrics.ChannelDepth{Len: s.sink.Len(), Cap: s.cfg.Store.BatchSize}
	}
	return depths
}

// rolloverLoop purges trade rows older than the retention window once per
// day at the configured rollover hour, in the configured timezone.
func (s *Supervisor) rolloverLoop(ctx context.Context) {
	if s.sink == nil {
		return
	}
	loc, err := time.LoadLocation(s.cfg.Store.RolloverTimezone)
	if err != nil {
		s.log.WithError(err).Warn("invalid rollover timezone, rollover purge disabled")
		return
	}

	for {
		next := nextRollover(time.Now().In(loc), s.cfg.Store.RolloverHour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			cutoff := next.AddDate(0, 0, -1)
			n, err := s.sink.PurgeBefore(ctx, cutoff)
			if err != nil {
				s.log.WithError(err).Error("rollover purge failed")
				continue
			}
			s.log.WithFields(logger.Fields{"rows_purged": n, "cutoff": cutoff}).Info("rollover purge completed")
		}
	}
}

func nextRollover(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func premiumOf(trade model.RawTrade) decimal.Decimal {
	return decimal.NewFromFloat(trade.Price).Mul(decimal.NewFromInt(int64(trade.Size))).Mul(decimal.NewFromInt(100))
}

func defaultExchangeNames() map[int]string {
	return map[int]string{
		1:   "CBOE",
		2:   "AMEX",
		4:   "PHLX_DARK",
		8:   "ISE",
		21:  "BOX_DARK",
		65:  "NASDAQ_OM",
		66:  "MIAX_DARK",
		302: "ARCA",
	}
}

