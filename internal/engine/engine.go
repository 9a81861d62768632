package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gate-rebalance-bot/internal/config"
	"gate-rebalance-bot/internal/exchange"
	"gate-rebalance-bot/internal/exec"
	"gate-rebalance-bot/internal/metrics"
	"gate-rebalance-bot/internal/plan"
	"gate-rebalance-bot/internal/portfolio"
	"gate-rebalance-bot/internal/state"
	"gate-rebalance-bot/internal/trigger"

	"go.uber.org/zap"
)

// ErrCycleInFlight is returned when a run request waited out the lock
// timeout while another cycle held the engine.
var ErrCycleInFlight = errors.New("another rebalancing cycle is in flight")

// ConfigError aborts a cycle before any trade is planned.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config error: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// Report is everything one cycle produced, surfaced to the presentation
// layer. A cycle always ends with an explicit outcome: NoAction, an
// executed (possibly partial) plan, or an abort recorded in Err.
type Report struct {
	Started    time.Time             `json:"started"`
	Finished   time.Time             `json:"finished"`
	Decision   trigger.Decision      `json:"decision"`
	Deviations []portfolio.Deviation `json:"deviations"`
	Warnings   []string              `json:"warnings,omitempty"`
	Plan       plan.Plan             `json:"plan"`
	Results    []exec.Result         `json:"results,omitempty"`
	Err        string                `json:"error,omitempty"`
}

// Engine owns the rebalancing cycle. At most one cycle is in flight at
// any time; the previous snapshot is its only cross-cycle state,
// written solely at the end of a cycle under the same lock.
type Engine struct {
	cfg     config.RebalanceConfig
	client  exchange.Client
	coord   *exec.Coordinator
	store   state.Store
	log     *zap.Logger
	metrics *metrics.Metrics

	sem chan struct{}

	mu         sync.Mutex
	prev       *portfolio.Snapshot
	lastReport *Report
	cancel     context.CancelFunc
}

func New(cfg config.RebalanceConfig, client exchange.Client, coord *exec.Coordinator, store state.Store, m *metrics.Metrics, log *zap.Logger) *Engine {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Engine{
		cfg:     cfg,
		client:  client,
		coord:   coord,
		store:   store,
		log:     log,
		metrics: m,
		sem:     make(chan struct{}, 1),
	}
}

// Restore loads the persisted previous snapshot so a restart does not
// mistake the standing stablecoin balance for a fresh deposit.
func (e *Engine) Restore(ctx context.Context) error {
	snap, ok, err := state.LoadPrevSnapshot(ctx, e.store)
	if err != nil {
		return err
	}
	if ok {
		e.mu.Lock()
		e.prev = &snap
		e.mu.Unlock()
		e.log.Info("previous snapshot restored",
			zap.Time("taken", snap.Taken),
			zap.Float64("total_value", snap.TotalValue),
		)
	}
	return nil
}

// RunCycle executes one full snapshot → evaluate → plan → execute pass.
// A concurrent request waits for the cycle lock up to the configured
// lock wait and is then refused with ErrCycleInFlight rather than
// silently dropped.
func (e *Engine) RunCycle(ctx context.Context) (*Report, error) {
	wait := time.NewTimer(e.cfg.LockWait)
	defer wait.Stop()
	select {
	case e.sem <- struct{}{}:
	case <-wait.C:
		return nil, ErrCycleInFlight
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.sem }()

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.setCancel(cancel)
	defer e.setCancel(nil)

	report := &Report{Started: time.Now().UTC()}
	err := e.runCycle(cycleCtx, report)
	if err != nil {
		report.Err = err.Error()
	}
	report.Finished = time.Now().UTC()
	e.mu.Lock()
	e.lastReport = report
	e.mu.Unlock()
	e.count(report)
	return report, err
}

// CancelCycle aborts the in-flight cycle at its next stage boundary.
// Orders already sent remain tracked to resolution.
func (e *Engine) CancelCycle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

// LastReport returns the most recent cycle report, if any.
func (e *Engine) LastReport() (*Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastReport == nil {
		return nil, false
	}
	return e.lastReport, true
}

// Busy reports whether a cycle currently holds the engine lock.
func (e *Engine) Busy() bool {
	return len(e.sem) > 0
}

func (e *Engine) runCycle(ctx context.Context, report *Report) error {
	if err := validateTargets(e.cfg.Targets); err != nil {
		return &ConfigError{Err: err}
	}

	snap, prices, warnings, err := e.takeSnapshot(ctx)
	if err != nil {
		return err
	}
	report.Warnings = warnings
	for _, symbol := range warnings {
		e.log.Warn("asset excluded from valuation: no price", zap.String("symbol", symbol))
	}

	devs := portfolio.Deviations(snap, e.cfg.Targets)
	report.Deviations = devs

	trigCfg := trigger.Config{
		Threshold:   e.cfg.Threshold,
		Stablecoins: e.cfg.Stablecoins,
		DustAmount:  e.cfg.DustAmount,
	}
	prev := e.prevSnapshot()
	dec := trigger.Evaluate(snap, prev, devs, trigCfg)
	report.Decision = dec
	// Both rules are worth logging even when only one wins.
	for _, flow := range trigger.DetectCashFlows(snap, prev, trigCfg) {
		e.log.Info("stablecoin inflow observed",
			zap.String("symbol", flow.Symbol),
			zap.Float64("amount", flow.Amount),
		)
	}
	e.log.Info("trigger evaluated",
		zap.String("decision", string(dec.Kind)),
		zap.Strings("breaches", dec.Breaches),
		zap.Float64("inflow", dec.Inflow),
		zap.Float64("total_value", snap.TotalValue),
	)

	if dec.Kind == trigger.NoAction {
		e.storePrev(ctx, snap)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cycle cancelled before planning: %w", err)
	}

	pl := plan.Build(dec, prices, plan.Config{
		Targets:          e.cfg.Targets,
		QuoteCurrency:    e.cfg.QuoteCurrency,
		Stablecoins:      e.cfg.Stablecoins,
		MinOrderNotional: e.cfg.MinOrderNotional,
	})
	report.Plan = pl
	for _, d := range pl.Dropped {
		e.log.Info("instruction dropped",
			zap.String("symbol", d.Symbol),
			zap.String("side", string(d.Side)),
			zap.Float64("notional", d.Notional),
			zap.String("reason", d.Reason),
		)
	}
	if pl.Empty() {
		e.storePrev(ctx, snap)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cycle cancelled before execution: %w", err)
	}

	report.Results = e.coord.Execute(ctx, pl.Instructions)

	// Re-snapshot from actual fills instead of trusting projections;
	// this becomes the reference the next cycle diffs against.
	fresh, _, _, err := e.takeSnapshot(context.WithoutCancel(ctx))
	if err != nil {
		// Without a fresh reference the sell proceeds of this cycle
		// would look like a deposit next cycle; drop the reference
		// instead and let the cash-flow rule sit out one cycle.
		e.clearPrev(ctx)
		return fmt.Errorf("post-trade snapshot failed: %w", err)
	}
	e.storePrev(ctx, fresh)
	return nil
}

// takeSnapshot pulls balances and prices and values the portfolio. The
// quote currency always prices at 1 in its own terms.
func (e *Engine) takeSnapshot(ctx context.Context) (portfolio.Snapshot, map[string]float64, []string, error) {
	balances, err := e.client.Balances(ctx)
	if err != nil {
		return portfolio.Snapshot{}, nil, nil, fmt.Errorf("balance fetch: %w", err)
	}
	symbols := make([]string, 0, len(balances)+len(e.cfg.Targets))
	seen := make(map[string]struct{}, len(balances)+len(e.cfg.Targets))
	for symbol := range balances {
		seen[symbol] = struct{}{}
		symbols = append(symbols, symbol)
	}
	for symbol := range e.cfg.Targets {
		if _, ok := seen[symbol]; !ok {
			symbols = append(symbols, symbol)
		}
	}
	prices, err := e.client.Prices(ctx, symbols)
	if err != nil {
		return portfolio.Snapshot{}, nil, nil, fmt.Errorf("price fetch: %w", err)
	}
	if _, ok := prices[e.cfg.QuoteCurrency]; !ok {
		prices[e.cfg.QuoteCurrency] = 1
	}
	snap, warnings := portfolio.Build(balances, prices, time.Now().UTC())
	return snap, prices, warnings, nil
}

func (e *Engine) prevSnapshot() *portfolio.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prev
}

func (e *Engine) storePrev(ctx context.Context, snap portfolio.Snapshot) {
	e.mu.Lock()
	e.prev = &snap
	e.mu.Unlock()
	if err := state.SavePrevSnapshot(context.WithoutCancel(ctx), e.store, snap); err != nil {
		e.log.Warn("failed to persist previous snapshot", zap.Error(err))
	}
}

func (e *Engine) clearPrev(ctx context.Context) {
	e.mu.Lock()
	e.prev = nil
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	if err := e.store.Delete(context.WithoutCancel(ctx), state.PrevSnapshotKey); err != nil {
		e.log.Warn("failed to clear previous snapshot", zap.Error(err))
	}
}

func (e *Engine) setCancel(cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
}

func (e *Engine) count(report *Report) {
	e.metrics.CyclesRun.Inc()
	if report.Decision.Kind == trigger.NoAction || report.Plan.Empty() {
		e.metrics.CyclesNoAction.Inc()
	}
	for range report.Plan.Instructions {
		e.metrics.TradesPlanned.Inc()
	}
	for range report.Plan.Dropped {
		e.metrics.TradesDropped.Inc()
	}
	for _, res := range report.Results {
		switch res.State {
		case exec.StateFilled:
			e.metrics.OrdersFilled.Inc()
		case exec.StatePartiallyFilled:
			e.metrics.OrdersPartial.Inc()
		case exec.StateRejected:
			e.metrics.OrdersRejected.Inc()
		case exec.StateFailed:
			e.metrics.OrdersFailed.Inc()
		}
	}
}

func validateTargets(targets map[string]float64) error {
	if len(targets) == 0 {
		return errors.New("target weights are empty")
	}
	sum := 0.0
	for symbol, weight := range targets {
		if weight < 0 || weight > 1 {
			return fmt.Errorf("target weight for %s out of range: %v", symbol, weight)
		}
		sum += weight
	}
	if sum < 1-1e-6 || sum > 1+1e-6 {
		return fmt.Errorf("target weights sum to %v, want 1", sum)
	}
	return nil
}
