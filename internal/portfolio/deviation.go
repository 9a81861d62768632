package portfolio

import (
	"math"
	"sort"
)

type Direction string

const (
	OverAllocated  Direction = "OVER"
	UnderAllocated Direction = "UNDER"
	OnTarget       Direction = "ON_TARGET"
)

// Deviation is the signed gap between an asset's current and target weight.
type Deviation struct {
	Symbol        string
	CurrentWeight float64
	TargetWeight  float64
	Delta         float64
	Abs           float64
	Direction     Direction
	// Liquidate marks assets held without a target weight; a full
	// rebalance sells them out entirely.
	Liquidate bool
}

// Deviations computes one record per symbol present in either the
// snapshot or the target set, sorted by symbol. Pure function: identical
// inputs always produce identical output.
func Deviations(snap Snapshot, targets map[string]float64) []Deviation {
	symbols := make(map[string]struct{}, len(targets)+len(snap.Assets))
	for symbol := range targets {
		symbols[symbol] = struct{}{}
	}
	for _, a := range snap.Assets {
		symbols[a.Symbol] = struct{}{}
	}
	out := make([]Deviation, 0, len(symbols))
	for symbol := range symbols {
		current := 0.0
		if a, ok := snap.Asset(symbol); ok {
			current = a.Weight
		}
		target, targeted := targets[symbol]
		delta := current - target
		dir := OnTarget
		switch {
		case delta > 0:
			dir = OverAllocated
		case delta < 0:
			dir = UnderAllocated
		}
		out = append(out, Deviation{
			Symbol:        symbol,
			CurrentWeight: current,
			TargetWeight:  target,
			Delta:         delta,
			Abs:           math.Abs(delta),
			Direction:     dir,
			Liquidate:     !targeted && current > 0,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
