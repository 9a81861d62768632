package portfolio

import (
	"sort"
	"time"
)

// Asset is one valued holding inside a snapshot. Quantities and prices
// come straight from the exchange; Value and Weight are derived here.
type Asset struct {
	Symbol   string  `msgpack:"symbol"`
	Quantity float64 `msgpack:"quantity"`
	Price    float64 `msgpack:"price"`
	Value    float64 `msgpack:"value"`
	Weight   float64 `msgpack:"weight"`
}

// Snapshot is an immutable valuation of the portfolio at one instant.
// Each cycle builds a fresh one; nothing mutates a snapshot after Build.
type Snapshot struct {
	Assets     []Asset   `msgpack:"assets"`
	TotalValue float64   `msgpack:"total_value"`
	Taken      time.Time `msgpack:"taken"`
}

// Build values every balance at its last price and normalizes weights.
// Balances without a price are excluded from valuation and returned as
// warnings; the cycle continues without them. A portfolio that values
// to zero yields an empty snapshot.
func Build(balances map[string]float64, prices map[string]float64, now time.Time) (Snapshot, []string) {
	var warnings []string
	assets := make([]Asset, 0, len(balances))
	total := 0.0
	for symbol, qty := range balances {
		if qty <= 0 {
			continue
		}
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			warnings = append(warnings, symbol)
			continue
		}
		value := qty * price
		assets = append(assets, Asset{Symbol: symbol, Quantity: qty, Price: price, Value: value})
		total += value
	}
	sort.Strings(warnings)
	if total == 0 {
		return Snapshot{Taken: now}, warnings
	}
	for i := range assets {
		assets[i].Weight = assets[i].Value / total
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return Snapshot{Assets: assets, TotalValue: total, Taken: now}, warnings
}

// Empty reports whether the snapshot carries no valued assets.
func (s Snapshot) Empty() bool {
	return s.TotalValue == 0 || len(s.Assets) == 0
}

// Asset returns the valued holding for symbol, if present.
func (s Snapshot) Asset(symbol string) (Asset, bool) {
	for _, a := range s.Assets {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return Asset{}, false
}

// Quantity returns the held quantity for symbol, zero if absent.
func (s Snapshot) Quantity(symbol string) float64 {
	a, _ := s.Asset(symbol)
	return a.Quantity
}

// Value returns the valuation for symbol, zero if absent.
func (s Snapshot) Value(symbol string) float64 {
	a, _ := s.Asset(symbol)
	return a.Value
}
