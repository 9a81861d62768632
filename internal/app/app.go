package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gate-rebalance-bot/internal/alerts"
	"gate-rebalance-bot/internal/config"
	"gate-rebalance-bot/internal/engine"
	"gate-rebalance-bot/internal/exchange"
	"gate-rebalance-bot/internal/exchange/gate"
	"gate-rebalance-bot/internal/exec"
	"gate-rebalance-bot/internal/feed"
	"gate-rebalance-bot/internal/history"
	"gate-rebalance-bot/internal/metrics"
	"gate-rebalance-bot/internal/secrets"
	"gate-rebalance-bot/internal/server"
	"gate-rebalance-bot/internal/state/sqlite"
	"gate-rebalance-bot/internal/trigger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlite.Store
	client  exchange.Client
	feed    *feed.Service
	engine  *engine.Engine
	server  *server.Server
	history *history.Writer
	alerts  *alerts.Telegram
	cron    *cron.Cron
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	creds := secrets.NewEnv()
	if _, err := creds.Credentials(); err != nil {
		_ = store.Close()
		return nil, err
	}
	var client exchange.Client = gate.New(cfg.REST.BaseURL, cfg.REST.Timeout, creds, cfg.Rebalance.QuoteCurrency, log)

	var feedSvc *feed.Service
	if cfg.WS.Enabled {
		symbols := make([]string, 0, len(cfg.Rebalance.Targets))
		for symbol := range cfg.Rebalance.Targets {
			symbols = append(symbols, symbol)
		}
		feedSvc = feed.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, symbols, cfg.Rebalance.QuoteCurrency, log)
		client = feed.WithCache(client, feedSvc, cfg.WS.MaxPriceAge)
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	coord := exec.New(client, exec.Config{
		QuoteCurrency:  cfg.Rebalance.QuoteCurrency,
		MaxAttempts:    cfg.Exec.MaxAttempts,
		InitialBackoff: cfg.Exec.InitialBackoff,
		SubmitTimeout:  cfg.Exec.SubmitTimeout,
	}, log)
	eng := engine.New(cfg.Rebalance, client, coord, store, m, log)

	writer, err := history.New(cfg.History, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var metricsHandler http.Handler
	if prom != nil {
		metricsHandler = prom.Handler()
	}
	srv := server.New(cfg.Metrics.Address, eng, metricsHandler, log)

	return &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		client:  client,
		feed:    feedSvc,
		engine:  eng,
		server:  srv,
		history: writer,
		alerts:  alerts.NewTelegram(cfg.Telegram, log),
		cron:    cron.New(),
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.history.Close()

	if err := a.engine.Restore(ctx); err != nil {
		a.log.Warn("snapshot restore failed", zap.Error(err))
	}
	if a.feed != nil {
		a.feed.Start(ctx)
	}
	a.history.Start(ctx)

	if _, err := a.cron.AddFunc(a.cfg.Rebalance.Schedule, func() {
		a.runScheduledCycle(ctx)
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", a.cfg.Rebalance.Schedule, err)
	}
	a.cron.Start()
	defer a.cron.Stop()

	a.server.Start()
	a.log.Info("rebalance bot started",
		zap.String("schedule", a.cfg.Rebalance.Schedule),
		zap.String("quote", a.cfg.Rebalance.QuoteCurrency),
		zap.Int("targets", len(a.cfg.Rebalance.Targets)),
	)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown failed", zap.Error(err))
	}
	return ctx.Err()
}

func (a *App) runScheduledCycle(ctx context.Context) {
	report, err := a.engine.RunCycle(ctx)
	if err != nil {
		if errors.Is(err, engine.ErrCycleInFlight) {
			a.log.Warn("scheduled cycle skipped, another is in flight")
			return
		}
		a.log.Error("cycle failed", zap.Error(err))
	}
	if report == nil {
		return
	}
	a.publish(ctx, report)
}

// publish fans a finished cycle out to the history writer and, for
// cycles that traded or failed, to the alert channel.
func (a *App) publish(ctx context.Context, report *engine.Report) {
	record := history.CycleRecord{
		Time:       report.Finished,
		Decision:   string(report.Decision.Kind),
		TotalValue: report.Decision.Snapshot.TotalValue,
		Inflow:     report.Decision.Inflow,
		Planned:    len(report.Plan.Instructions),
		Dropped:    len(report.Plan.Dropped),
		Error:      report.Err,
	}
	for _, res := range report.Results {
		switch res.State {
		case exec.StateFilled:
			record.Filled++
		case exec.StatePartiallyFilled:
			record.Partial++
		case exec.StateRejected:
			record.Rejected++
		case exec.StateFailed:
			record.Failed++
		}
		a.history.EnqueueTrade(history.TradeRecord{
			Time:           report.Finished,
			Symbol:         res.Instruction.Symbol,
			Side:           string(res.Instruction.Side),
			Quantity:       res.Instruction.Quantity,
			Price:          res.Instruction.Price,
			Notional:       res.Instruction.Notional,
			State:          string(res.State),
			FilledQuantity: res.FilledQuantity,
			AvgPrice:       res.AvgPrice,
			Reason:         res.Reason,
			Attempts:       res.Attempts,
			IdempotencyKey: res.Instruction.IdempotencyKey,
		})
	}
	a.history.EnqueueCycle(record)

	if msg := alertMessage(report); msg != "" {
		if err := a.alerts.Send(ctx, msg); err != nil {
			a.log.Warn("alert send failed", zap.Error(err))
		}
	}
}

func alertMessage(report *engine.Report) string {
	if report.Err != "" {
		return fmt.Sprintf("Rebalance cycle failed: %s", report.Err)
	}
	if report.Decision.Kind == trigger.NoAction || len(report.Results) == 0 {
		return ""
	}
	filled := 0
	for _, res := range report.Results {
		if res.State == exec.StateFilled {
			filled++
		}
	}
	return fmt.Sprintf("Rebalance (%s): %d/%d orders filled, portfolio value %.2f",
		report.Decision.Kind, filled, len(report.Results), report.Decision.Snapshot.TotalValue)
}
