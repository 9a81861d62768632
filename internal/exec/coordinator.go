package exec

import (
	"context"
	"time"

	"gate-rebalance-bot/internal/exchange"
	"gate-rebalance-bot/internal/plan"

	"go.uber.org/zap"
)

// fillTolerance absorbs the drift between a planned quantity and the
// base quantity a market order actually fills at the executed price.
const fillTolerance = 0.005

// Result is the terminal outcome of one instruction.
type Result struct {
	Instruction    plan.Instruction
	State          State
	FilledQuantity float64
	AvgPrice       float64
	Reason         string
	Attempts       int
}

type Config struct {
	QuoteCurrency  string
	MaxAttempts    int
	InitialBackoff time.Duration
	SubmitTimeout  time.Duration
	PollInterval   time.Duration
}

// Coordinator drives a planned batch against the exchange. One
// instruction failing never aborts the rest of the batch, and an order
// that reached the exchange is always tracked to resolution, even when
// the owning cycle is cancelled.
type Coordinator struct {
	client exchange.Client
	cfg    Config
	log    *zap.Logger
}

func New(client exchange.Client, cfg Config, log *zap.Logger) *Coordinator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Coordinator{client: client, cfg: cfg, log: log}
}

// Execute submits the batch in plan order: sells land first, and every
// buy is re-sized against the quote balance actually available at
// submission time rather than the planner's projection.
func (c *Coordinator) Execute(ctx context.Context, instructions []plan.Instruction) []Result {
	results := make([]Result, 0, len(instructions))
	for _, ins := range instructions {
		if ctx.Err() != nil {
			results = append(results, Result{
				Instruction: ins,
				State:       transition(StatePending, StateFailed),
				Reason:      "cycle cancelled before submission",
			})
			continue
		}
		if ins.Side == plan.Buy {
			sized, rejected := c.sizeBuy(ctx, ins)
			if rejected != nil {
				results = append(results, *rejected)
				continue
			}
			ins = sized
		}
		res := c.submit(ctx, ins)
		c.log.Info("instruction resolved",
			zap.String("symbol", ins.Symbol),
			zap.String("side", string(ins.Side)),
			zap.String("state", string(res.State)),
			zap.Float64("filled", res.FilledQuantity),
			zap.Int("attempts", res.Attempts),
		)
		results = append(results, res)
	}
	return results
}

// sizeBuy caps a buy at the quote currency actually available. A buy
// with no quote behind it is rejected without touching the exchange.
func (c *Coordinator) sizeBuy(ctx context.Context, ins plan.Instruction) (plan.Instruction, *Result) {
	callCtx, cancel := c.callContext(ctx)
	balances, err := c.client.Balances(callCtx)
	cancel()
	if err != nil {
		c.log.Warn("quote balance check failed, using planned size", zap.Error(err))
		return ins, nil
	}
	available := balances[c.cfg.QuoteCurrency]
	if available <= 0 {
		return ins, &Result{
			Instruction: ins,
			State:       transition(StatePending, StateRejected),
			Reason:      "insufficient quote balance",
		}
	}
	if available < ins.Notional {
		ins.Notional = available
		if ins.Price > 0 {
			ins.Quantity = available / ins.Price
		}
	}
	return ins, nil
}

func (c *Coordinator) submit(ctx context.Context, ins plan.Instruction) Result {
	res := Result{Instruction: ins, State: StatePending}
	backoff := c.cfg.InitialBackoff
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		order, err := c.trySubmit(ctx, ins)
		if err == nil {
			res.State = transition(res.State, StateSubmitted)
			return c.resolve(ctx, ins, order, res)
		}
		if exchange.IsPermanent(err) {
			res.State = transition(res.State, StateRejected)
			res.Reason = err.Error()
			return res
		}
		// The submission may have landed even though the response was
		// lost; re-query by idempotency key before retrying so the
		// same order is never placed twice.
		if order, ok := c.lookup(ctx, ins); ok {
			res.State = transition(res.State, StateSubmitted)
			return c.resolve(ctx, ins, order, res)
		}
		if attempt == c.cfg.MaxAttempts {
			res.State = transition(res.State, StateFailed)
			res.Reason = err.Error()
			return res
		}
		c.log.Warn("submit failed, backing off",
			zap.String("symbol", ins.Symbol),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			res.State = transition(res.State, StateFailed)
			res.Reason = "cycle cancelled during retry"
			return res
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return res
}

func (c *Coordinator) trySubmit(ctx context.Context, ins plan.Instruction) (exchange.Order, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return c.client.SubmitOrder(callCtx, orderRequest(ins))
}

func (c *Coordinator) lookup(ctx context.Context, ins plan.Instruction) (exchange.Order, bool) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	order, ok, err := c.client.OrderStatus(callCtx, ins.Symbol, ins.IdempotencyKey)
	if err != nil || !ok {
		return exchange.Order{}, false
	}
	return order, true
}

// resolve polls a submitted order until it leaves the open state and
// maps the final fill onto a terminal result. Detached from the cycle
// context: an in-flight order is never orphaned by cancellation.
func (c *Coordinator) resolve(ctx context.Context, ins plan.Instruction, order exchange.Order, res Result) Result {
	deadline := time.Now().Add(c.cfg.SubmitTimeout)
	for order.Status == exchange.StatusOpen && time.Now().Before(deadline) {
		time.Sleep(c.cfg.PollInterval)
		refreshed, ok := c.lookup(ctx, ins)
		if !ok {
			continue
		}
		order = refreshed
	}
	res.FilledQuantity = order.FilledQuantity
	res.AvgPrice = order.AvgPrice
	switch {
	case order.FilledQuantity >= ins.Quantity*(1-fillTolerance):
		res.State = transition(res.State, StateFilled)
	case order.FilledQuantity > 0:
		res.State = transition(res.State, StatePartiallyFilled)
	case order.Status == exchange.StatusOpen:
		res.State = transition(res.State, StateFailed)
		res.Reason = "order unresolved after timeout"
	default:
		res.State = transition(res.State, StateRejected)
		res.Reason = "order closed unfilled"
	}
	return res
}

// callContext detaches exchange calls from cycle cancellation while
// still bounding each call with the submit timeout.
func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SubmitTimeout)
}

func orderRequest(ins plan.Instruction) exchange.OrderRequest {
	side := exchange.Sell
	if ins.Side == plan.Buy {
		side = exchange.Buy
	}
	return exchange.OrderRequest{
		Symbol:         ins.Symbol,
		Side:           side,
		Quantity:       ins.Quantity,
		Notional:       ins.Notional,
		IdempotencyKey: ins.IdempotencyKey,
	}
}
