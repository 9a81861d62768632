package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"time"

	"gate-rebalance-bot/internal/exchange"
	"gate-rebalance-bot/internal/secrets"

	"go.uber.org/zap"
)

// Client talks to the Gate.io v4 spot REST API. Orders are market IOC,
// tagged with a client order id derived from the idempotency key so a
// lost response can be recovered by querying the same id.
type Client struct {
	baseURL string
	http    *http.Client
	creds   secrets.Store
	quote   string
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, creds secrets.Store, quote string, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		creds:   creds,
		quote:   quote,
		log:     log,
	}
}

type accountWire struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

type tickerWire struct {
	CurrencyPair string `json:"currency_pair"`
	Last         string `json:"last"`
}

type orderWire struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Side         string `json:"side"`
	Amount       string `json:"amount"`
	Left         string `json:"left"`
	FilledTotal  string `json:"filled_total"`
	AvgDealPrice string `json:"avg_deal_price"`
}

type orderRequestWire struct {
	Text         string `json:"text"`
	CurrencyPair string `json:"currency_pair"`
	Type         string `json:"type"`
	Account      string `json:"account"`
	Side         string `json:"side"`
	Amount       string `json:"amount"`
	TimeInForce  string `json:"time_in_force"`
}

type apiError struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}

func (c *Client) Balances(ctx context.Context) (map[string]float64, error) {
	var accounts []accountWire
	if err := c.do(ctx, http.MethodGet, "/spot/accounts", nil, nil, true, &accounts); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(accounts))
	for _, acct := range accounts {
		available := parseFloat(acct.Available)
		locked := parseFloat(acct.Locked)
		if total := available + locked; total > 0 {
			out[acct.Currency] = total
		}
	}
	return out, nil
}

func (c *Client) Prices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	failures := 0
	var lastErr error
	for _, symbol := range symbols {
		if symbol == c.quote {
			out[symbol] = 1
			continue
		}
		query := url.Values{"currency_pair": {c.pair(symbol)}}
		var tickers []tickerWire
		if err := c.do(ctx, http.MethodGet, "/spot/tickers", query, nil, false, &tickers); err != nil {
			c.log.Warn("ticker fetch failed", zap.String("symbol", symbol), zap.Error(err))
			failures++
			lastErr = err
			continue
		}
		if len(tickers) == 0 {
			continue
		}
		if price := parseFloat(tickers[0].Last); price > 0 {
			out[symbol] = price
		}
	}
	if failures > 0 && len(out) == 0 {
		return nil, exchange.Transient("prices", lastErr)
	}
	return out, nil
}

func (c *Client) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	// Gate sizes market buys in quote currency and market sells in
	// base currency.
	amount := req.Quantity
	if req.Side == exchange.Buy {
		amount = req.Notional
	}
	body := orderRequestWire{
		Text:         clientOrderID(req.IdempotencyKey),
		CurrencyPair: c.pair(req.Symbol),
		Type:         "market",
		Account:      "spot",
		Side:         string(req.Side),
		Amount:       formatAmount(amount),
		TimeInForce:  "ioc",
	}
	var wire orderWire
	if err := c.do(ctx, http.MethodPost, "/spot/orders", nil, body, true, &wire); err != nil {
		return exchange.Order{}, err
	}
	return parseOrder(wire), nil
}

func (c *Client) OrderStatus(ctx context.Context, symbol, idempotencyKey string) (exchange.Order, bool, error) {
	query := url.Values{"currency_pair": {c.pair(symbol)}}
	path := "/spot/orders/" + clientOrderID(idempotencyKey)
	var wire orderWire
	if err := c.do(ctx, http.MethodGet, path, query, nil, true, &wire); err != nil {
		var apiErr *exchange.Error
		if errors.As(err, &apiErr) && apiErr.Label == "ORDER_NOT_FOUND" {
			return exchange.Order{}, false, nil
		}
		return exchange.Order{}, false, err
	}
	return parseOrder(wire), true, nil
}

func (c *Client) pair(symbol string) string {
	return symbol + "_" + c.quote
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, signed bool, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if signed {
		creds, err := c.creds.Credentials()
		if err != nil {
			return exchange.Permanent(path, "AUTH_UNAVAILABLE", err)
		}
		signRequest(req, creds, payload)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return exchange.Transient(path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.classify(path, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// classify splits HTTP failures into the retryable kind (rate limits,
// server errors) and the permanent kind (rejected requests).
func (c *Client) classify(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var apiErr apiError
	_ = json.Unmarshal(raw, &apiErr)
	err := fmt.Errorf("http %d: %s", resp.StatusCode, apiErr.Message)
	if apiErr.Message == "" {
		err = fmt.Errorf("http %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return exchange.Transient(op, err)
	}
	return exchange.Permanent(op, apiErr.Label, err)
}

// clientOrderID builds the user text Gate accepts as an order id; the
// required "t-" prefix marks it as user-defined.
func clientOrderID(idempotencyKey string) string {
	return "t-" + idempotencyKey
}

func parseOrder(wire orderWire) exchange.Order {
	avgPrice := parseFloat(wire.AvgDealPrice)
	amount := parseFloat(wire.Amount)
	left := parseFloat(wire.Left)
	filled := amount - left
	if wire.Side == "buy" {
		// Buy amounts are quote-denominated; convert the filled quote
		// total back to base units.
		if avgPrice > 0 {
			filled = parseFloat(wire.FilledTotal) / avgPrice
		} else {
			filled = 0
		}
	}
	if filled < 0 {
		filled = 0
	}
	order := exchange.Order{
		ID:             wire.ID,
		FilledQuantity: filled,
		AvgPrice:       avgPrice,
	}
	switch wire.Status {
	case "open":
		order.Status = exchange.StatusOpen
	case "closed":
		order.Status = exchange.StatusFilled
	default:
		order.Status = exchange.StatusCancelled
	}
	return order
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
