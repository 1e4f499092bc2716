// Package persistence buffers classified trades and flushes them to
// Postgres in batches, maintaining a derived daily aggregate table and
// purging rows past the configured retention on a rollover schedule. The
// buffer-map-plus-flush-ticker idiom is grounded on the teacher's
// processor/sorter.go buffer/bufferFlusher pair; the driver (sqlx + lib/pq)
// replaces the teacher's S3/parquet sink since the domain calls for a
// queryable relational store, not an object-store archive.
package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"optionsflow/config"
	"optionsflow/internal/model"
	"optionsflow/internal/symbol"
	"optionsflow/logger"
)

// Sink buffers classified trades above the store threshold and flushes them
// to Postgres on a size or time trigger, and maintains the daily aggregate
// rollup in the same flush pass.
type Sink struct {
	db  *sqlx.DB
	cfg config.StoreConfig
	log *logger.Entry
	loc *time.Location

	mu      sync.Mutex
	buffer  []model.ClassifiedTrade
	running bool
	wg      sync.WaitGroup
}

// Open connects to Postgres via the driver URL and returns a ready Sink.
// The daily aggregate rollup buckets by calendar day in cfg.RolloverTimezone,
// the same zone the supervisor's purge schedule runs on, so the two agree on
// what "today" means.
func Open(cfg config.StoreConfig) (*Sink, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}
	loc, err := time.LoadLocation(cfg.RolloverTimezone)
	if err != nil {
		loc = time.UTC
	}
	return &Sink{
		db:  db,
		cfg: cfg,
		log: logger.GetLogger().WithComponent("persistence_sink"),
		loc: loc,
	}, nil
}

// Close releases the underlying database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Start launches the buffer flush-ticker worker. Blocks until ctx is
// cancelled, performing one last flush on the way out.
func (s *Sink) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	interval := s.cfg.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush(context.WithoutCancel(ctx), "shutdown")
			return
		case <-ticker.C:
			s.flush(ctx, "interval")
		}
	}
}

// Offer appends trade to the buffer if its notional premium meets the
// store threshold, and triggers an immediate flush if the buffer has
// reached the configured batch size. Trades below threshold are not
// dropped from downstream consumers — only from persistence.
func (s *Sink) Offer(ctx context.Context, trade model.ClassifiedTrade) {
	threshold := decimal.NewFromFloat(s.cfg.StoreThreshold)
	if trade.Premium.LessThan(threshold) {
		return
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, trade)
	full := len(s.buffer) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		s.flush(ctx, "size_threshold")
	}
}

// Len reports the current buffer depth, for the channel-size metrics sampler.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Sink) flush(ctx context.Context, reason string) {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	start := time.Now()
	log := s.log.WithFields(logger.Fields{"batch_size": len(batch), "reason": reason})

	if err := s.upsertTrades(ctx, batch); err != nil {
		log.WithError(err).Error("failed to upsert trade batch")
		return
	}
	if err := s.upsertDailyAggregates(ctx, batch); err != nil {
		log.WithError(err).Error("failed to upsert daily aggregates")
		return
	}
	logger.LogDataFlowEntry(log, "classifier", "postgres:trades", len(batch), "classified_trade")
	logger.LogPerformanceEntry(log, "persistence_sink", "flush_batch", time.Since(start), logger.Fields{"reason": reason})
}

// upsertTrades inserts each trade keyed by (contract_symbol, sequence),
// relying on ON CONFLICT DO NOTHING for idempotence against upstream
// redelivery or farm-level dedup misses.
func (s *Sink) upsertTrades(ctx context.Context, batch []model.ClassifiedTrade) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const stmt = `
		INSERT INTO trades (
			contract_symbol, sequence, processed_at_ms, price, size, premium,
			exchange_id, exchange_name, trade_type, sweep_id, sweep_size,
			sweep_exchange_count, is_block, block_reason, execution_level,
			priority, highlight, urgency_score, urgency_level, flow_direction
		) VALUES (
			:contract_symbol, :sequence, :processed_at_ms, :price, :size, :premium,
			:exchange_id, :exchange_name, :trade_type, :sweep_id, :sweep_size,
			:sweep_exchange_count, :is_block, :block_reason, :execution_level,
			:priority, :highlight, :urgency_score, :urgency_level, :flow_direction
		)
		ON CONFLICT (contract_symbol, sequence) DO NOTHING`

	for _, t := range batch {
		row := tradeRow{
			ContractSymbol:     t.ContractSymbol,
			Sequence:           t.Sequence,
			ProcessedAtMS:      t.ProcessedAtMS,
			Price:              t.Price,
			Size:               t.Size,
			Premium:            t.Premium,
			ExchangeID:         t.ExchangeID,
			ExchangeName:       t.ExchangeName,
			TradeType:          string(t.TradeType),
			SweepID:            t.SweepID,
			SweepSize:          t.SweepSize,
			SweepExchangeCount: t.SweepExchangeCount,
			IsBlock:            t.IsBlock,
			BlockReason:        string(t.BlockReason),
			ExecutionLevel:     string(t.ExecutionLevel),
			Priority:           t.Priority,
			Highlight:          t.Highlight,
			UrgencyScore:       t.UrgencyScore,
			UrgencyLevel:       string(t.UrgencyLevel),
			FlowDirection:      string(t.FlowDirection),
		}
		if _, err := tx.NamedExecContext(ctx, stmt, row); err != nil {
			return fmt.Errorf("insert trade %s/%d: %w", t.ContractSymbol, t.Sequence, err)
		}
	}

	return tx.Commit()
}

type tradeRow struct {
	ContractSymbol     string          `db:"contract_symbol"`
	Sequence           int64           `db:"sequence"`
	ProcessedAtMS      int64           `db:"processed_at_ms"`
	Price              float64         `db:"price"`
	Size               int             `db:"size"`
	Premium            decimal.Decimal `db:"premium"`
	ExchangeID         int             `db:"exchange_id"`
	ExchangeName       string          `db:"exchange_name"`
	TradeType          string          `db:"trade_type"`
	SweepID            string          `db:"sweep_id"`
	SweepSize          int             `db:"sweep_size"`
	SweepExchangeCount int             `db:"sweep_exchange_count"`
	IsBlock            bool            `db:"is_block"`
	BlockReason        string          `db:"block_reason"`
	ExecutionLevel     string          `db:"execution_level"`
	Priority           int             `db:"priority"`
	Highlight          bool            `db:"highlight"`
	UrgencyScore       int             `db:"urgency_score"`
	UrgencyLevel       string          `db:"urgency_level"`
	FlowDirection      string          `db:"flow_direction"`
}

// upsertDailyAggregates folds batch into the daily_aggregates table, one row
// per calendar date in the configured rollover timezone, using an UPSERT
// that adds the batch's deltas onto whatever total already exists for that
// date.
func (s *Sink) upsertDailyAggregates(ctx context.Context, batch []model.ClassifiedTrade) error {
	deltas := computeDailyDeltas(batch, s.loc)

	const stmt = `
		INSERT INTO daily_aggregates (
			date, total_trades, total_premium, call_count, call_premium,
			put_count, put_premium, sweep_count, sweep_premium, block_count,
			block_premium, priority1_count, priority1_premium, priority2_count,
			priority2_premium, priority3_count, priority3_premium,
			priority4_count, priority4_premium
		) VALUES (
			:date, :total_trades, :total_premium, :call_count, :call_premium,
			:put_count, :put_premium, :sweep_count, :sweep_premium, :block_count,
			:block_premium, :priority1_count, :priority1_premium, :priority2_count,
			:priority2_premium, :priority3_count, :priority3_premium,
			:priority4_count, :priority4_premium
		)
		ON CONFLICT (date) DO UPDATE SET
			total_trades = daily_aggregates.total_trades + EXCLUDED.total_trades,
			total_premium = daily_aggregates.total_premium + EXCLUDED.total_premium,
			call_count = daily_aggregates.call_count + EXCLUDED.call_count,
			call_premium = daily_aggregates.call_premium + EXCLUDED.call_premium,
			put_count = daily_aggregates.put_count + EXCLUDED.put_count,
			put_premium = daily_aggregates.put_premium + EXCLUDED.put_premium,
			sweep_count = daily_aggregates.sweep_count + EXCLUDED.sweep_count,
			sweep_premium = daily_aggregates.sweep_premium + EXCLUDED.sweep_premium,
			block_count = daily_aggregates.block_count + EXCLUDED.block_count,
			block_premium = daily_aggregates.block_premium + EXCLUDED.block_premium,
			priority1_count = daily_aggregates.priority1_count + EXCLUDED.priority1_count,
			priority1_premium = daily_aggregates.priority1_premium + EXCLUDED.priority1_premium,
			priority2_count = daily_aggregates.priority2_count + EXCLUDED.priority2_count,
			priority2_premium = daily_aggregates.priority2_premium + EXCLUDED.priority2_premium,
			priority3_count = daily_aggregates.priority3_count + EXCLUDED.priority3_count,
			priority3_premium = daily_aggregates.priority3_premium + EXCLUDED.priority3_premium,
			priority4_count = daily_aggregates.priority4_count + EXCLUDED.priority4_count,
			priority4_premium = daily_aggregates.priority4_premium + EXCLUDED.priority4_premium`

	for date, d := range deltas {
		row := dailyAggregateRow{
			Date:              date,
			TotalTrades:       d.TotalTrades,
			TotalPremium:      d.TotalPremium,
			CallCount:         d.CallCount,
			CallPremium:       d.CallPremium,
			PutCount:          d.PutCount,
			PutPremium:        d.PutPremium,
			SweepCount:        d.SweepCount,
			SweepPremium:      d.SweepPremium,
			BlockCount:        d.BlockCount,
			BlockPremium:      d.BlockPremium,
			Priority1Count:    d.Priority1Count,
			Priority1Premium:  d.Priority1Premium,
			Priority2Count:    d.Priority2Count,
			Priority2Premium:  d.Priority2Premium,
			Priority3Count:    d.Priority3Count,
			Priority3Premium:  d.Priority3Premium,
			Priority4Count:    d.Priority4Count,
			Priority4Premium:  d.Priority4Premium,
		}
		if _, err := s.db.NamedExecContext(ctx, stmt, row); err != nil {
			return fmt.Errorf("upsert daily aggregate %s: %w", date.Format("2006-01-02"), err)
		}
	}
	return nil
}

type dailyAggregateRow struct {
	Date              time.Time       `db:"date"`
	TotalTrades       int64           `db:"total_trades"`
	TotalPremium      decimal.Decimal `db:"total_premium"`
	CallCount         int64           `db:"call_count"`
	CallPremium       decimal.Decimal `db:"call_premium"`
	PutCount          int64           `db:"put_count"`
	PutPremium        decimal.Decimal `db:"put_premium"`
	SweepCount        int64           `db:"sweep_count"`
	SweepPremium      decimal.Decimal `db:"sweep_premium"`
	BlockCount        int64           `db:"block_count"`
	BlockPremium      decimal.Decimal `db:"block_premium"`
	Priority1Count    int64           `db:"priority1_count"`
	Priority1Premium  decimal.Decimal `db:"priority1_premium"`
	Priority2Count    int64           `db:"priority2_count"`
	Priority2Premium  decimal.Decimal `db:"priority2_premium"`
	Priority3Count    int64           `db:"priority3_count"`
	Priority3Premium  decimal.Decimal `db:"priority3_premium"`
	Priority4Count    int64           `db:"priority4_count"`
	Priority4Premium  decimal.Decimal `db:"priority4_premium"`
}

// PurgeBefore deletes trade rows older than cutoff, run by the supervisor on
// the daily rollover schedule (store.rollover_timezone / rollover_hour).
// daily_aggregates rows are retained indefinitely since they are already
// aggregated and small.
func (s *Sink) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trades WHERE processed_at_ms < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge trades before %s: %w", cutoff, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// computeDailyDeltas folds batch into one DailyAggregateRow delta per
// calendar date in loc — the operator's configured rollover timezone, not
// UTC, so a trade near local midnight lands on the same date an exchange
// trader would expect. Pure function, kept separate from
// upsertDailyAggregates so the rollup arithmetic can be tested without a
// database.
func computeDailyDeltas(batch []model.ClassifiedTrade, loc *time.Location) map[time.Time]*model.DailyAggregateRow {
	deltas := map[time.Time]*model.DailyAggregateRow{}
	for _, t := range batch {
		y, m, dayOfMonth := time.UnixMilli(t.ProcessedAtMS).In(loc).Date()
		date := time.Date(y, m, dayOfMonth, 0, 0, 0, 0, loc)
		d, ok := deltas[date]
		if !ok {
			d = &model.DailyAggregateRow{Date: date}
			deltas[date] = d
		}
		d.TotalTrades++
		d.TotalPremium = d.TotalPremium.Add(t.Premium)

		if contractSideOf(t.ContractSymbol) == model.SideCall {
			d.CallCount++
			d.CallPremium = d.CallPremium.Add(t.Premium)
		} else {
			d.PutCount++
			d.PutPremium = d.PutPremium.Add(t.Premium)
		}

		switch t.TradeType {
		case model.TradeTypeSweep:
			d.SweepCount++
			d.SweepPremium = d.SweepPremium.Add(t.Premium)
		case model.TradeTypeBlock:
			d.BlockCount++
			d.BlockPremium = d.BlockPremium.Add(t.Premium)
		}

		switch t.Priority {
		case 1:
			d.Priority1Count++
			d.Priority1Premium = d.Priority1Premium.Add(t.Premium)
		case 2:
			d.Priority2Count++
			d.Priority2Premium = d.Priority2Premium.Add(t.Premium)
		case 3:
			d.Priority3Count++
			d.Priority3Premium = d.Priority3Premium.Add(t.Premium)
		default:
			d.Priority4Count++
			d.Priority4Premium = d.Priority4Premium.Add(t.Premium)
		}
	}
	return deltas
}

func contractSideOf(sym string) model.Side {
	c, err := symbol.Parse(sym)
	if err != nil {
		return model.SideCall
	}
	return c.Side
}
