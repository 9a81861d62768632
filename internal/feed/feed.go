package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Service keeps a live last-price cache from the spot ticker stream so
// cycles can value the portfolio without a REST round trip per asset.
type Service struct {
	ws    *wsClient
	quote string
	log   *zap.Logger

	mu     sync.RWMutex
	prices map[string]pricePoint
}

type pricePoint struct {
	price float64
	at    time.Time
}

type tickerUpdate struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Result  struct {
		CurrencyPair string `json:"currency_pair"`
		Last         string `json:"last"`
	} `json:"result"`
}

func New(url string, reconnectDelay, pingInterval time.Duration, symbols []string, quote string, log *zap.Logger) *Service {
	ws := newWSClient(url, reconnectDelay, pingInterval, log)
	pairs := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		if symbol == quote {
			continue
		}
		pairs = append(pairs, symbol+"_"+quote)
	}
	ws.subscribe(map[string]any{
		"time":    time.Now().Unix(),
		"channel": "spot.tickers",
		"event":   "subscribe",
		"payload": pairs,
	})
	return &Service{
		ws:     ws,
		quote:  quote,
		log:    log,
		prices: make(map[string]pricePoint),
	}
}

func (s *Service) Start(ctx context.Context) {
	go func() {
		if err := s.ws.run(ctx, s.handle); err != nil && ctx.Err() == nil {
			s.log.Warn("ticker feed stopped", zap.Error(err))
		}
	}()
}

func (s *Service) handle(raw json.RawMessage) {
	var upd tickerUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		return
	}
	if upd.Channel != "spot.tickers" || upd.Event != "update" {
		return
	}
	symbol, ok := strings.CutSuffix(upd.Result.CurrencyPair, "_"+s.quote)
	if !ok {
		return
	}
	price, err := strconv.ParseFloat(upd.Result.Last, 64)
	if err != nil || price <= 0 {
		return
	}
	s.mu.Lock()
	s.prices[symbol] = pricePoint{price: price, at: time.Now()}
	s.mu.Unlock()
}

// Price returns the last streamed price for symbol and when it arrived.
func (s *Service) Price(symbol string) (float64, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	return p.price, p.at, ok
}
