package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"gate-rebalance-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// CycleRecord summarizes one rebalancing cycle for the audit trail.
type CycleRecord struct {
	Time       time.Time
	Decision   string
	TotalValue float64
	Inflow     float64
	Planned    int
	Dropped    int
	Filled     int
	Partial    int
	Rejected   int
	Failed     int
	Error      string
}

// TradeRecord is one instruction's terminal outcome.
type TradeRecord struct {
	Time           time.Time
	Symbol         string
	Side           string
	Quantity       float64
	Price          float64
	Notional       float64
	State          string
	FilledQuantity float64
	AvgPrice       float64
	Reason         string
	Attempts       int
	IdempotencyKey string
}

// Writer persists cycle and trade records to TimescaleDB through a
// bounded queue; a full queue drops records rather than stalling the
// engine.
type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	cycles     chan CycleRecord
	trades     chan TradeRecord
	started    atomic.Bool
	dropCycle  atomic.Uint64
	dropTrades atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		cycles: make(chan CycleRecord, queueSize),
		trades: make(chan TradeRecord, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueCycle(record CycleRecord) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- record:
	default:
		if w.dropCycle.Add(1) == 1 && w.log != nil {
			w.log.Warn("history cycle queue full")
		}
	}
}

func (w *Writer) EnqueueTrade(record TradeRecord) {
	if w == nil {
		return
	}
	select {
	case w.trades <- record:
	default:
		if w.dropTrades.Add(1) == 1 && w.log != nil {
			w.log.Warn("history trade queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-w.cycles:
			w.writeCycle(ctx, record)
		case record := <-w.trades:
			w.writeTrade(ctx, record)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		decision TEXT NOT NULL,
		total_value DOUBLE PRECISION NOT NULL,
		inflow DOUBLE PRECISION NOT NULL,
		planned INTEGER NOT NULL,
		dropped INTEGER NOT NULL,
		filled INTEGER NOT NULL,
		partial INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	)`, w.table("cycle_reports"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		notional DOUBLE PRECISION NOT NULL,
		state TEXT NOT NULL,
		filled_quantity DOUBLE PRECISION NOT NULL,
		avg_price DOUBLE PRECISION NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL
	)`, w.table("trade_executions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"cycle_reports", "trade_executions"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeCycle(ctx context.Context, record CycleRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, decision, total_value, inflow, planned, dropped, filled, partial, rejected, failed, error
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, w.table("cycle_reports"))
	if _, err := w.db.ExecContext(ctx, query,
		record.Time,
		record.Decision,
		record.TotalValue,
		record.Inflow,
		record.Planned,
		record.Dropped,
		record.Filled,
		record.Partial,
		record.Rejected,
		record.Failed,
		record.Error,
	); err != nil && w.log != nil {
		w.log.Warn("history cycle insert failed", zap.Error(err))
	}
}

func (w *Writer) writeTrade(ctx context.Context, record TradeRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, side, quantity, price, notional, state, filled_quantity, avg_price, reason, attempts, idempotency_key
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, w.table("trade_executions"))
	if _, err := w.db.ExecContext(ctx, query,
		record.Time,
		record.Symbol,
		record.Side,
		record.Quantity,
		record.Price,
		record.Notional,
		record.State,
		record.FilledQuantity,
		record.AvgPrice,
		record.Reason,
		record.Attempts,
		record.IdempotencyKey,
	); err != nil && w.log != nil {
		w.log.Warn("history trade insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
