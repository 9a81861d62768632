package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"gate-rebalance-bot/internal/config"
	"gate-rebalance-bot/internal/exchange/gate"
	"gate-rebalance-bot/internal/logging"
	"gate-rebalance-bot/internal/plan"
	"gate-rebalance-bot/internal/portfolio"
	"gate-rebalance-bot/internal/secrets"
	"gate-rebalance-bot/internal/state"
	"gate-rebalance-bot/internal/state/sqlite"
	"gate-rebalance-bot/internal/trigger"

	"github.com/joho/godotenv"
)

// check prints the current portfolio status and the trades one cycle
// would place, without submitting anything.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	asJSON := flag.Bool("json", false, "print machine-readable output")
	flag.Parse()

	_ = godotenv.Load(".env")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	creds := secrets.NewEnv()
	if _, err := creds.Credentials(); err != nil {
		fatal(err)
	}
	client := gate.New(cfg.REST.BaseURL, cfg.REST.Timeout, creds, cfg.Rebalance.QuoteCurrency, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	balances, err := client.Balances(ctx)
	if err != nil {
		fatal(err)
	}
	symbols := make([]string, 0, len(balances)+len(cfg.Rebalance.Targets))
	seen := make(map[string]struct{})
	for symbol := range balances {
		seen[symbol] = struct{}{}
		symbols = append(symbols, symbol)
	}
	for symbol := range cfg.Rebalance.Targets {
		if _, ok := seen[symbol]; !ok {
			symbols = append(symbols, symbol)
		}
	}
	prices, err := client.Prices(ctx, symbols)
	if err != nil {
		fatal(err)
	}
	if _, ok := prices[cfg.Rebalance.QuoteCurrency]; !ok {
		prices[cfg.Rebalance.QuoteCurrency] = 1
	}

	snap, warnings := portfolio.Build(balances, prices, time.Now().UTC())
	devs := portfolio.Deviations(snap, cfg.Rebalance.Targets)

	prev := loadPrev(ctx, cfg.State.SQLitePath)
	trigCfg := trigger.Config{
		Threshold:   cfg.Rebalance.Threshold,
		Stablecoins: cfg.Rebalance.Stablecoins,
		DustAmount:  cfg.Rebalance.DustAmount,
	}
	dec := trigger.Evaluate(snap, prev, devs, trigCfg)
	pl := plan.Build(dec, prices, plan.Config{
		Targets:          cfg.Rebalance.Targets,
		QuoteCurrency:    cfg.Rebalance.QuoteCurrency,
		Stablecoins:      cfg.Rebalance.Stablecoins,
		MinOrderNotional: cfg.Rebalance.MinOrderNotional,
	})

	if *asJSON {
		out := map[string]any{
			"snapshot":   snap,
			"deviations": devs,
			"warnings":   warnings,
			"decision":   dec.Kind,
			"inflow":     dec.Inflow,
			"breaches":   dec.Breaches,
			"plan":       pl,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fatal(err)
		}
		return
	}

	fmt.Printf("portfolio value: %.2f %s (as of %s)\n\n", snap.TotalValue, cfg.Rebalance.QuoteCurrency, snap.Taken.Format(time.RFC3339))
	fmt.Printf("%-8s %14s %12s %14s %8s %8s %9s\n", "ASSET", "QUANTITY", "PRICE", "VALUE", "WEIGHT", "TARGET", "DEVIATION")
	for _, d := range devs {
		qty := snap.Quantity(d.Symbol)
		price := prices[d.Symbol]
		fmt.Printf("%-8s %14.6f %12.4f %14.2f %7.2f%% %7.2f%% %+8.2f%%\n",
			d.Symbol, qty, price, snap.Value(d.Symbol),
			d.CurrentWeight*100, d.TargetWeight*100, d.Delta*100)
	}
	for _, symbol := range warnings {
		fmt.Printf("\nwarning: %s has no price and was excluded from valuation\n", symbol)
	}

	fmt.Printf("\ndecision: %s\n", dec.Kind)
	if len(dec.Breaches) > 0 {
		fmt.Printf("breaches: %v\n", dec.Breaches)
	}
	if dec.Inflow > 0 {
		fmt.Printf("inflow: %.2f\n", dec.Inflow)
	}
	if pl.Empty() {
		fmt.Println("no trades would be placed")
		return
	}
	fmt.Println("\ntrades that would be placed:")
	for _, ins := range pl.Instructions {
		fmt.Printf("  %-4s %-8s qty %.6f @ %.4f (notional %.2f)\n", ins.Side, ins.Symbol, ins.Quantity, ins.Price, ins.Notional)
	}
	for _, d := range pl.Dropped {
		fmt.Printf("  dropped %s %s (%.2f): %s\n", d.Side, d.Symbol, d.Notional, d.Reason)
	}
}

// loadPrev reads the persisted previous snapshot so the cash-flow rule
// behaves the same as in the running bot. Missing state is fine.
func loadPrev(ctx context.Context, path string) *portfolio.Snapshot {
	store, err := sqlite.New(path)
	if err != nil {
		return nil
	}
	defer store.Close()
	snap, ok, err := state.LoadPrevSnapshot(ctx, store)
	if err != nil || !ok {
		return nil
	}
	return &snap
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
