package plan

import (
	"sort"

	"gate-rebalance-bot/internal/portfolio"
	"gate-rebalance-bot/internal/trigger"

	"github.com/google/uuid"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Instruction is one corrective trade. The idempotency key is unique per
// planning cycle and guards the executor against double submission.
type Instruction struct {
	Symbol         string
	Side           Side
	Quantity       float64
	Price          float64
	Notional       float64
	IdempotencyKey string
}

// Dropped records an instruction that was planned but not emitted.
type Dropped struct {
	Symbol   string
	Side     Side
	Notional float64
	Reason   string
}

// Plan is an ordered batch of instructions: all sells first, then buys,
// each group in descending notional. An empty plan is equivalent to a
// NoAction decision.
type Plan struct {
	Instructions []Instruction
	Dropped      []Dropped
}

func (p Plan) Empty() bool { return len(p.Instructions) == 0 }

type Config struct {
	Targets          map[string]float64
	QuoteCurrency    string
	Stablecoins      []string
	MinOrderNotional float64
}

// Build turns a trigger decision into an ordered trade batch. The
// decision kind is handled exhaustively here; new kinds must be wired
// in before they can produce trades.
func Build(dec trigger.Decision, prices map[string]float64, cfg Config) Plan {
	switch dec.Kind {
	case trigger.NoAction:
		return Plan{}
	case trigger.ThresholdBreach:
		return fullRebalance(dec.Snapshot, prices, cfg)
	case trigger.CashFlowDetected:
		return inflowAllocation(dec.Snapshot, dec.Inflow, prices, cfg)
	default:
		return Plan{}
	}
}

// fullRebalance sizes every asset toward total*target. Sells are planned
// first and assumed settled, so buys draw on the projected quote balance
// rather than only what is free right now.
func fullRebalance(snap portfolio.Snapshot, prices map[string]float64, cfg Config) Plan {
	symbols := make(map[string]struct{}, len(cfg.Targets)+len(snap.Assets))
	for symbol := range cfg.Targets {
		symbols[symbol] = struct{}{}
	}
	for _, a := range snap.Assets {
		symbols[a.Symbol] = struct{}{}
	}

	var out Plan
	var sells, buys []Instruction
	for symbol := range symbols {
		if symbol == cfg.QuoteCurrency {
			// The quote balance adjusts as a side effect of the
			// other trades.
			continue
		}
		target := cfg.Targets[symbol]
		delta := snap.TotalValue*target - snap.Value(symbol)
		if delta == 0 {
			continue
		}
		side := Buy
		notional := delta
		if delta < 0 {
			side = Sell
			notional = -delta
		}
		price := priceFor(symbol, snap, prices)
		if price <= 0 {
			out.Dropped = append(out.Dropped, Dropped{Symbol: symbol, Side: side, Notional: notional, Reason: "no price"})
			continue
		}
		ins := Instruction{
			Symbol:         symbol,
			Side:           side,
			Quantity:       notional / price,
			Price:          price,
			Notional:       notional,
			IdempotencyKey: uuid.NewString(),
		}
		if side == Sell {
			sells = append(sells, ins)
		} else {
			buys = append(buys, ins)
		}
	}
	sortByNotionalDesc(sells)
	sortByNotionalDesc(buys)

	budget := quoteSurplus(snap, cfg)
	for _, ins := range sells {
		if ins.Notional < cfg.MinOrderNotional {
			out.Dropped = append(out.Dropped, Dropped{Symbol: ins.Symbol, Side: ins.Side, Notional: ins.Notional, Reason: "below min notional"})
			continue
		}
		out.Instructions = append(out.Instructions, ins)
		budget += ins.Notional
	}
	for _, ins := range buys {
		if ins.Notional > budget {
			ins.Notional = budget
			ins.Quantity = budget / ins.Price
		}
		if ins.Notional < cfg.MinOrderNotional {
			out.Dropped = append(out.Dropped, Dropped{Symbol: ins.Symbol, Side: ins.Side, Notional: ins.Notional, Reason: "below min notional"})
			continue
		}
		out.Instructions = append(out.Instructions, ins)
		budget -= ins.Notional
	}
	return out
}

// inflowAllocation spends only the new deposit, pro rata to the target
// weights of the non-stablecoin assets. No sells are planned.
func inflowAllocation(snap portfolio.Snapshot, inflow float64, prices map[string]float64, cfg Config) Plan {
	stable := make(map[string]struct{}, len(cfg.Stablecoins))
	for _, s := range cfg.Stablecoins {
		stable[s] = struct{}{}
	}
	weightSum := 0.0
	for symbol, weight := range cfg.Targets {
		if _, ok := stable[symbol]; ok {
			continue
		}
		weightSum += weight
	}
	var out Plan
	if inflow <= 0 || weightSum <= 0 {
		return out
	}
	var buys []Instruction
	for symbol, weight := range cfg.Targets {
		if _, ok := stable[symbol]; ok {
			continue
		}
		notional := inflow * weight / weightSum
		price := priceFor(symbol, snap, prices)
		if price <= 0 {
			out.Dropped = append(out.Dropped, Dropped{Symbol: symbol, Side: Buy, Notional: notional, Reason: "no price"})
			continue
		}
		buys = append(buys, Instruction{
			Symbol:         symbol,
			Side:           Buy,
			Quantity:       notional / price,
			Price:          price,
			Notional:       notional,
			IdempotencyKey: uuid.NewString(),
		})
	}
	sortByNotionalDesc(buys)
	for _, ins := range buys {
		if ins.Notional < cfg.MinOrderNotional {
			out.Dropped = append(out.Dropped, Dropped{Symbol: ins.Symbol, Side: ins.Side, Notional: ins.Notional, Reason: "below min notional"})
			continue
		}
		out.Instructions = append(out.Instructions, ins)
	}
	return out
}

// quoteSurplus is the quote-currency value currently held above its own
// target, the portion free to fund buys before any sell settles.
func quoteSurplus(snap portfolio.Snapshot, cfg Config) float64 {
	surplus := snap.Value(cfg.QuoteCurrency) - snap.TotalValue*cfg.Targets[cfg.QuoteCurrency]
	if surplus < 0 {
		return 0
	}
	return surplus
}

func priceFor(symbol string, snap portfolio.Snapshot, prices map[string]float64) float64 {
	if a, ok := snap.Asset(symbol); ok && a.Price > 0 {
		return a.Price
	}
	return prices[symbol]
}

func sortByNotionalDesc(ins []Instruction) {
	sort.Slice(ins, func(i, j int) bool {
		if ins[i].Notional != ins[j].Notional {
			return ins[i].Notional > ins[j].Notional
		}
		return ins[i].Symbol < ins[j].Symbol
	})
}
