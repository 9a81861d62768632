package feed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gate-rebalance-bot/internal/exchange"
)

type restStub struct {
	exchange.Client
	prices map[string]float64
	err    error
	calls  [][]string
}

func (r *restStub) Prices(ctx context.Context, symbols []string) (map[string]float64, error) {
	r.calls = append(r.calls, symbols)
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := r.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func tick(svc *Service, pair, last string) {
	svc.handle(json.RawMessage(`{"channel":"spot.tickers","event":"update","result":{"currency_pair":"` + pair + `","last":"` + last + `"}}`))
}

func TestCachedPricesServedFromStream(t *testing.T) {
	svc := testService()
	tick(svc, "BTC_USDT", "60000")
	rest := &restStub{prices: map[string]float64{"BTC": 59000}}
	client := WithCache(rest, svc, time.Minute)

	prices, err := client.Prices(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	if prices["BTC"] != 60000 {
		t.Fatalf("expected streamed price, got %v", prices["BTC"])
	}
	if len(rest.calls) != 0 {
		t.Fatalf("expected no REST call for fresh price, got %v", rest.calls)
	}
}

func TestCachedPricesFallBackForMissing(t *testing.T) {
	svc := testService()
	tick(svc, "BTC_USDT", "60000")
	rest := &restStub{prices: map[string]float64{"ETH": 2500}}
	client := WithCache(rest, svc, time.Minute)

	prices, err := client.Prices(context.Background(), []string{"BTC", "ETH"})
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	if prices["BTC"] != 60000 || prices["ETH"] != 2500 {
		t.Fatalf("expected merged prices, got %v", prices)
	}
	if len(rest.calls) != 1 || len(rest.calls[0]) != 1 || rest.calls[0][0] != "ETH" {
		t.Fatalf("expected REST asked only for ETH, got %v", rest.calls)
	}
}

func TestCachedPricesPartialOnRESTFailure(t *testing.T) {
	svc := testService()
	tick(svc, "BTC_USDT", "60000")
	rest := &restStub{err: errors.New("down")}
	client := WithCache(rest, svc, time.Minute)

	prices, err := client.Prices(context.Background(), []string{"BTC", "ETH"})
	if err != nil {
		t.Fatalf("expected cached partial result, got error %v", err)
	}
	if prices["BTC"] != 60000 {
		t.Fatalf("expected cached BTC price, got %v", prices)
	}

	// With nothing cached the REST failure surfaces.
	empty := testService()
	client = WithCache(rest, empty, time.Minute)
	if _, err := client.Prices(context.Background(), []string{"ETH"}); err == nil {
		t.Fatalf("expected error when nothing cached and REST down")
	}
}

func TestCachedPricesExpireByAge(t *testing.T) {
	svc := testService()
	tick(svc, "BTC_USDT", "60000")
	rest := &restStub{prices: map[string]float64{"BTC": 61000}}
	client := WithCache(rest, svc, -time.Second)

	prices, err := client.Prices(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	if prices["BTC"] != 61000 {
		t.Fatalf("expected stale stream price refreshed over REST, got %v", prices["BTC"])
	}
}

func TestWithCacheNilServicePassesThrough(t *testing.T) {
	rest := &restStub{prices: map[string]float64{"BTC": 60000}}
	client := WithCache(rest, nil, time.Minute)
	if client != exchange.Client(rest) {
		t.Fatalf("expected underlying client returned when no feed is running")
	}
}
