package exchange

import "context"

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderRequest is one market order. Sells are sized in base units
// (Quantity); buys are sized in quote units (Notional), matching how
// spot market orders are amount-denominated on the exchange.
type OrderRequest struct {
	Symbol         string
	Side           Side
	Quantity       float64
	Notional       float64
	IdempotencyKey string
}

type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

type Order struct {
	ID             string
	Status         OrderStatus
	FilledQuantity float64
	AvgPrice       float64
}

// Client is the engine's view of the exchange. Every call may fail with
// an *Error carrying a transient or permanent kind; anything else is
// treated as transient by callers.
type Client interface {
	Balances(ctx context.Context) (map[string]float64, error)
	Prices(ctx context.Context, symbols []string) (map[string]float64, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (Order, error)
	// OrderStatus looks an order up by its client-side idempotency key.
	// The second return is false when no such order is known, which is
	// how a caller distinguishes "never landed" from "landed but the
	// response was lost".
	OrderStatus(ctx context.Context, symbol, idempotencyKey string) (Order, bool, error)
}
