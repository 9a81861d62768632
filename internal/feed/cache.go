package feed

import (
	"context"
	"time"

	"gate-rebalance-bot/internal/exchange"
)

type cachedClient struct {
	exchange.Client
	svc    *Service
	maxAge time.Duration
}

// WithCache layers the streamed price cache over a REST exchange
// client: prices fresher than maxAge come from the stream, everything
// else falls back to REST.
func WithCache(client exchange.Client, svc *Service, maxAge time.Duration) exchange.Client {
	if svc == nil {
		return client
	}
	return &cachedClient{Client: client, svc: svc, maxAge: maxAge}
}

func (c *cachedClient) Prices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	var missing []string
	now := time.Now()
	for _, symbol := range symbols {
		price, at, ok := c.svc.Price(symbol)
		if ok && now.Sub(at) <= c.maxAge {
			out[symbol] = price
			continue
		}
		missing = append(missing, symbol)
	}
	if len(missing) == 0 {
		return out, nil
	}
	rest, err := c.Client.Prices(ctx, missing)
	if err != nil {
		if len(out) > 0 {
			return out, nil
		}
		return nil, err
	}
	for symbol, price := range rest {
		out[symbol] = price
	}
	return out, nil
}
