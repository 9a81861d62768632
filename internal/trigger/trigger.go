package trigger

import (
	"sort"

	"gate-rebalance-bot/internal/portfolio"
)

type Kind string

const (
	NoAction         Kind = "NO_ACTION"
	ThresholdBreach  Kind = "THRESHOLD_BREACH"
	CashFlowDetected Kind = "CASH_FLOW_DETECTED"
)

// Decision is the outcome of one evaluator pass. It is immutable once
// produced and carries the snapshot it was computed from.
type Decision struct {
	Kind     Kind
	Snapshot portfolio.Snapshot
	// Breaches lists every asset over the threshold when Kind is
	// ThresholdBreach; all of them rebalance in one combined pass.
	Breaches []string
	// Inflow is the detected stablecoin deposit when Kind is
	// CashFlowDetected.
	Inflow float64
}

// CashFlow is a detected increase in a whitelisted stablecoin balance
// between two consecutive snapshots. It lives only for one evaluator pass.
type CashFlow struct {
	Symbol string
	Amount float64
}

type Config struct {
	Threshold   float64
	Stablecoins []string
	DustAmount  float64
}

// Evaluate applies the threshold rule, then the cash-flow rule; the
// first satisfied rule wins. Threshold comparison is strict (>) on the
// absolute deviation, so a deviation exactly at the threshold does not
// fire. prev is nil on the first cycle, which disables the cash-flow
// rule since there is nothing to diff against.
func Evaluate(snap portfolio.Snapshot, prev *portfolio.Snapshot, devs []portfolio.Deviation, cfg Config) Decision {
	if snap.Empty() {
		return Decision{Kind: NoAction, Snapshot: snap}
	}
	var breaches []string
	for _, d := range devs {
		if d.Abs > cfg.Threshold {
			breaches = append(breaches, d.Symbol)
		}
	}
	if len(breaches) > 0 {
		sort.Strings(breaches)
		return Decision{Kind: ThresholdBreach, Snapshot: snap, Breaches: breaches}
	}
	if flows := DetectCashFlows(snap, prev, cfg); len(flows) > 0 {
		total := 0.0
		for _, f := range flows {
			total += f.Amount
		}
		return Decision{Kind: CashFlowDetected, Snapshot: snap, Inflow: total}
	}
	return Decision{Kind: NoAction, Snapshot: snap}
}

// DetectCashFlows diffs whitelisted stablecoin quantities against the
// previous snapshot. Increases at or below the dust amount are ignored.
func DetectCashFlows(snap portfolio.Snapshot, prev *portfolio.Snapshot, cfg Config) []CashFlow {
	if prev == nil {
		return nil
	}
	var flows []CashFlow
	for _, symbol := range cfg.Stablecoins {
		delta := snap.Quantity(symbol) - prev.Quantity(symbol)
		if delta > cfg.DustAmount {
			flows = append(flows, CashFlow{Symbol: symbol, Amount: delta})
		}
	}
	return flows
}
