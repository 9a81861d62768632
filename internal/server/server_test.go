package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gate-rebalance-bot/internal/config"
	"gate-rebalance-bot/internal/engine"
	"gate-rebalance-bot/internal/exchange"
	"gate-rebalance-bot/internal/exec"

	"go.uber.org/zap"
)

type stubExchange struct {
	balances map[string]float64
	prices   map[string]float64
}

func (s *stubExchange) Balances(ctx context.Context) (map[string]float64, error) {
	return s.balances, nil
}

func (s *stubExchange) Prices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, sym := range symbols {
		if p, ok := s.prices[sym]; ok {
			out[sym] = p
		}
	}
	return out, nil
}

func (s *stubExchange) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	return exchange.Order{ID: "1", Status: exchange.StatusFilled, FilledQuantity: req.Quantity, AvgPrice: 1}, nil
}

func (s *stubExchange) OrderStatus(ctx context.Context, symbol, key string) (exchange.Order, bool, error) {
	return exchange.Order{}, false, nil
}

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	client := &stubExchange{
		balances: map[string]float64{"BTC": 1, "USDT": 50000},
		prices:   map[string]float64{"BTC": 50000},
	}
	cfg := config.RebalanceConfig{
		Targets:       map[string]float64{"BTC": 0.5, "USDT": 0.5},
		QuoteCurrency: "USDT",
		Threshold:     0.05,
		Stablecoins:   []string{"USDT"},
		DustAmount:    5,
		LockWait:      10 * time.Millisecond,
	}
	coord := exec.New(client, exec.Config{QuoteCurrency: "USDT", MaxAttempts: 1}, zap.NewNop())
	eng := engine.New(cfg, client, coord, nil, nil, zap.NewNop())
	srv := New("127.0.0.1:0", eng, nil, zap.NewNop())
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestReportBeforeFirstCycle(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/report")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before first cycle, got %d", resp.StatusCode)
	}
}

func TestStatusIdle(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if busy, ok := status["busy"].(bool); !ok || busy {
		t.Fatalf("expected idle status, got %v", status)
	}
}

func TestRunCycleEndpoint(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Post(ts.URL+"/cycle/run", "application/json", nil)
	if err != nil {
		t.Fatalf("post run: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var report engine.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Decision.Kind == "" {
		t.Fatalf("expected decision in report, got %+v", report)
	}

	// The report endpoint now serves the same cycle.
	resp2, err := http.Get(ts.URL + "/report")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after a cycle, got %d", resp2.StatusCode)
	}
}

func TestCancelWithoutCycle(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Post(ts.URL+"/cycle/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("post cancel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 with no cycle in flight, got %d", resp.StatusCode)
	}
}
