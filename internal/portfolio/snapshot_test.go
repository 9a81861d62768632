package portfolio

import (
	"math"
	"testing"
	"time"
)

func TestBuildWeightsSumToOne(t *testing.T) {
	balances := map[string]float64{"BTC": 0.5, "ETH": 4, "USDT": 1000}
	prices := map[string]float64{"BTC": 60000, "ETH": 2500, "USDT": 1}
	snap, warnings := Build(balances, prices, time.Now())
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if snap.TotalValue != 41000 {
		t.Fatalf("expected total value 41000, got %v", snap.TotalValue)
	}
	sum := 0.0
	for _, a := range snap.Assets {
		sum += a.Weight
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("expected weights to sum to 1, got %v", sum)
	}
}

func TestBuildExcludesMissingPrice(t *testing.T) {
	balances := map[string]float64{"BTC": 1, "DOGE": 500}
	prices := map[string]float64{"BTC": 60000}
	snap, warnings := Build(balances, prices, time.Now())
	if len(warnings) != 1 || warnings[0] != "DOGE" {
		t.Fatalf("expected DOGE warning, got %v", warnings)
	}
	if _, ok := snap.Asset("DOGE"); ok {
		t.Fatalf("expected DOGE excluded from snapshot")
	}
	if snap.TotalValue != 60000 {
		t.Fatalf("expected total value 60000, got %v", snap.TotalValue)
	}
}

func TestBuildZeroValuationYieldsEmptySnapshot(t *testing.T) {
	snap, _ := Build(map[string]float64{"BTC": 0}, map[string]float64{"BTC": 60000}, time.Now())
	if !snap.Empty() {
		t.Fatalf("expected empty snapshot")
	}
	snap, warnings := Build(map[string]float64{"XYZ": 10}, nil, time.Now())
	if !snap.Empty() {
		t.Fatalf("expected empty snapshot when nothing prices")
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
}

func TestBuildAssetsSortedBySymbol(t *testing.T) {
	balances := map[string]float64{"ETH": 1, "BTC": 1, "ADA": 1}
	prices := map[string]float64{"ETH": 2500, "BTC": 60000, "ADA": 0.5}
	snap, _ := Build(balances, prices, time.Now())
	for i := 1; i < len(snap.Assets); i++ {
		if snap.Assets[i-1].Symbol >= snap.Assets[i].Symbol {
			t.Fatalf("expected assets sorted by symbol, got %v then %v", snap.Assets[i-1].Symbol, snap.Assets[i].Symbol)
		}
	}
}

func TestSnapshotAccessors(t *testing.T) {
	snap, _ := Build(map[string]float64{"BTC": 2}, map[string]float64{"BTC": 100}, time.Now())
	if snap.Quantity("BTC") != 2 {
		t.Fatalf("expected quantity 2, got %v", snap.Quantity("BTC"))
	}
	if snap.Value("BTC") != 200 {
		t.Fatalf("expected value 200, got %v", snap.Value("BTC"))
	}
	if snap.Quantity("ETH") != 0 {
		t.Fatalf("expected zero quantity for absent asset, got %v", snap.Quantity("ETH"))
	}
}
