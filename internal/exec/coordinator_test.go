package exec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gate-rebalance-bot/internal/exchange"
	"gate-rebalance-bot/internal/plan"

	"go.uber.org/zap"
)

// fakeClient scripts exchange behavior per call. Orders submitted or
// discovered via lookup land in the orders map keyed by idempotency key.
type fakeClient struct {
	mu sync.Mutex

	balances    map[string]float64
	balancesErr error

	submitErrs  []error
	submitCalls int
	fill        func(req exchange.OrderRequest) exchange.Order

	known      map[string]exchange.Order
	lookupErr  error
	lookupMiss bool
}

func (f *fakeClient) Balances(ctx context.Context) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balancesErr != nil {
		return nil, f.balancesErr
	}
	out := make(map[string]float64, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func (f *fakeClient) Prices(ctx context.Context, symbols []string) (map[string]float64, error) {
	return nil, errors.New("not used")
}

func (f *fakeClient) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.submitCalls
	f.submitCalls++
	if call < len(f.submitErrs) && f.submitErrs[call] != nil {
		return exchange.Order{}, f.submitErrs[call]
	}
	order := exchange.Order{ID: "1", Status: exchange.StatusFilled, FilledQuantity: req.Quantity, AvgPrice: 1}
	if f.fill != nil {
		order = f.fill(req)
	}
	if f.known == nil {
		f.known = make(map[string]exchange.Order)
	}
	f.known[req.IdempotencyKey] = order
	return order, nil
}

func (f *fakeClient) OrderStatus(ctx context.Context, symbol, idempotencyKey string) (exchange.Order, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return exchange.Order{}, false, f.lookupErr
	}
	if f.lookupMiss {
		return exchange.Order{}, false, nil
	}
	order, ok := f.known[idempotencyKey]
	return order, ok, nil
}

func (f *fakeClient) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

func (f *fakeClient) record(key string, order exchange.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known == nil {
		f.known = make(map[string]exchange.Order)
	}
	f.known[key] = order
}

func testCoordinator(client exchange.Client) *Coordinator {
	return New(client, Config{
		QuoteCurrency:  "USDT",
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		SubmitTimeout:  50 * time.Millisecond,
		PollInterval:   time.Millisecond,
	}, zap.NewNop())
}

func sellInstruction() plan.Instruction {
	return plan.Instruction{Symbol: "BTC", Side: plan.Sell, Quantity: 0.5, Price: 60000, Notional: 30000, IdempotencyKey: "key-sell"}
}

func buyInstruction() plan.Instruction {
	return plan.Instruction{Symbol: "ETH", Side: plan.Buy, Quantity: 4, Price: 2500, Notional: 10000, IdempotencyKey: "key-buy"}
}

func TestExecuteFillsSell(t *testing.T) {
	client := &fakeClient{lookupMiss: true}
	results := testCoordinator(client).Execute(context.Background(), []plan.Instruction{sellInstruction()})
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if results[0].State != StateFilled {
		t.Fatalf("expected filled, got %v (%s)", results[0].State, results[0].Reason)
	}
	if results[0].Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", results[0].Attempts)
	}
}

func TestExecutePermanentErrorRejectsWithoutRetry(t *testing.T) {
	client := &fakeClient{
		lookupMiss: true,
		submitErrs: []error{exchange.Permanent("/spot/orders", "BALANCE_NOT_ENOUGH", errors.New("http 400"))},
	}
	results := testCoordinator(client).Execute(context.Background(), []plan.Instruction{sellInstruction()})
	if results[0].State != StateRejected {
		t.Fatalf("expected rejected, got %v", results[0].State)
	}
	if got := client.submits(); got != 1 {
		t.Fatalf("expected single submission, got %d", got)
	}
}

func TestExecuteTransientErrorsExhaustToFailed(t *testing.T) {
	transient := exchange.Transient("/spot/orders", errors.New("http 500"))
	client := &fakeClient{
		lookupMiss: true,
		submitErrs: []error{transient, transient, transient},
	}
	results := testCoordinator(client).Execute(context.Background(), []plan.Instruction{sellInstruction()})
	if results[0].State != StateFailed {
		t.Fatalf("expected failed after retries, got %v", results[0].State)
	}
	if results[0].Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", results[0].Attempts)
	}
}

func TestExecuteRecoversLostResponseWithoutResubmitting(t *testing.T) {
	// The first submission lands but its response is lost. The retry
	// path must find the order by idempotency key instead of placing a
	// second one.
	ins := sellInstruction()
	client := &fakeClient{
		submitErrs: []error{exchange.Transient("/spot/orders", errors.New("timeout"))},
	}
	client.record(ins.IdempotencyKey, exchange.Order{ID: "7", Status: exchange.StatusFilled, FilledQuantity: ins.Quantity, AvgPrice: 60000})

	results := testCoordinator(client).Execute(context.Background(), []plan.Instruction{ins})
	if results[0].State != StateFilled {
		t.Fatalf("expected recovered fill, got %v (%s)", results[0].State, results[0].Reason)
	}
	if got := client.submits(); got != 1 {
		t.Fatalf("expected no second submission, got %d", got)
	}
}

func TestExecuteBatchContinuesPastFailure(t *testing.T) {
	client := &fakeClient{
		lookupMiss: true,
		submitErrs: []error{exchange.Permanent("/spot/orders", "INVALID_CURRENCY", errors.New("http 400"))},
		balances:   map[string]float64{"USDT": 100000},
	}
	results := testCoordinator(client).Execute(context.Background(), []plan.Instruction{sellInstruction(), buyInstruction()})
	if len(results) != 2 {
		t.Fatalf("expected both instructions resolved, got %d", len(results))
	}
	if results[0].State != StateRejected {
		t.Fatalf("expected first rejected, got %v", results[0].State)
	}
	if results[1].State != StateFilled {
		t.Fatalf("expected second filled, got %v (%s)", results[1].State, results[1].Reason)
	}
}

func TestExecutePartialFillIsTerminal(t *testing.T) {
	client := &fakeClient{lookupMiss: true}
	client.fill = func(req exchange.OrderRequest) exchange.Order {
		return exchange.Order{ID: "1", Status: exchange.StatusCancelled, FilledQuantity: req.Quantity / 2, AvgPrice: 60000}
	}
	results := testCoordinator(client).Execute(context.Background(), []plan.Instruction{sellInstruction()})
	if results[0].State != StatePartiallyFilled {
		t.Fatalf("expected partially filled, got %v", results[0].State)
	}
	if !results[0].State.Terminal() {
		t.Fatalf("expected terminal state")
	}
}

func TestExecuteUnfilledCloseRejected(t *testing.T) {
	client := &fakeClient{lookupMiss: true}
	client.fill = func(req exchange.OrderRequest) exchange.Order {
		return exchange.Order{ID: "1", Status: exchange.StatusCancelled}
	}
	results := testCoordinator(client).Execute(context.Background(), []plan.Instruction{sellInstruction()})
	if results[0].State != StateRejected {
		t.Fatalf("expected rejected, got %v", results[0].State)
	}
	if results[0].Reason != "order closed unfilled" {
		t.Fatalf("unexpected reason %q", results[0].Reason)
	}
}

func TestExecuteBuyResizedToActualQuoteBalance(t *testing.T) {
	// A prior sell was assumed settled at 10000 but only 6000 actually
	// landed; the buy shrinks to what is really there.
	client := &fakeClient{lookupMiss: true, balances: map[string]float64{"USDT": 6000}}
	var submitted exchange.OrderRequest
	client.fill = func(req exchange.OrderRequest) exchange.Order {
		submitted = req
		return exchange.Order{ID: "1", Status: exchange.StatusFilled, FilledQuantity: req.Quantity, AvgPrice: 2500}
	}
	results := testCoordinator(client).Execute(context.Background(), []plan.Instruction{buyInstruction()})
	if results[0].State != StateFilled {
		t.Fatalf("expected filled, got %v (%s)", results[0].State, results[0].Reason)
	}
	if submitted.Notional != 6000 {
		t.Fatalf("expected buy capped at 6000, got %v", submitted.Notional)
	}
}

func TestExecuteBuyWithoutQuoteRejected(t *testing.T) {
	client := &fakeClient{lookupMiss: true, balances: map[string]float64{"USDT": 0}}
	results := testCoordinator(client).Execute(context.Background(), []plan.Instruction{buyInstruction()})
	if results[0].State != StateRejected {
		t.Fatalf("expected rejected, got %v", results[0].State)
	}
	if got := client.submits(); got != 0 {
		t.Fatalf("expected no submission, got %d", got)
	}
}

func TestExecuteCancelledContextFailsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &fakeClient{lookupMiss: true}
	results := testCoordinator(client).Execute(ctx, []plan.Instruction{sellInstruction(), sellInstruction()})
	for _, res := range results {
		if res.State != StateFailed {
			t.Fatalf("expected failed before submission, got %v", res.State)
		}
	}
	if got := client.submits(); got != 0 {
		t.Fatalf("expected no submissions after cancel, got %d", got)
	}
}
