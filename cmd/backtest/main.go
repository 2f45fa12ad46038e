// Command backtest runs the event-driven perpetual-futures backtesting
// engine as a standalone CLI: load a YAML run configuration, replay a CSV
// event file through the core engine, and print the resulting statistics.
//
// The supervision shape (tomb-owned goroutine watching for SIGINT/SIGTERM
// and cooperatively stopping the run) follows
// saiputravu-Exchange/internal/net/server.go's Run method.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	tomb "gopkg.in/tomb.v2"

	"fenrir/internal/backtest"
	"fenrir/internal/config"
	"fenrir/internal/dataloader"
	"fenrir/internal/strategy"
	"fenrir/internal/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run the leveraged perpetual-futures backtesting engine",
}

var (
	flagConfig       string
	flagEvents       string
	flagOutput       string
	flagStrategyName string
	flagStrategyQty  string
	flagLeverage     int
)

func init() {
	runCmd.Flags().StringVar(&flagConfig, "config", "configs/config.yaml", "path to the run configuration YAML file")
	runCmd.Flags().StringVar(&flagEvents, "events", "", "path to the CSV event file (overrides data.path in the config)")
	runCmd.Flags().StringVar(&flagOutput, "output", "", "path to write the JSON result (default: stdout)")
	runCmd.Flags().StringVar(&flagStrategyName, "strategy", "buyAndHold", "reference strategy to run")
	runCmd.Flags().StringVar(&flagStrategyQty, "strategy-qty", "1", "order quantity the reference strategy submits")
	runCmd.Flags().IntVar(&flagLeverage, "strategy-leverage", 0, "leverage the reference strategy submits at (default: config's default_leverage)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay an event file through the engine and report the result",
	RunE:  runBacktest,
}

func runBacktest(cmd *cobra.Command, args []string) error {
	meta, err := config.LoadMeta(flagConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(meta.LogLevel, meta.LogFormat)

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eventsPath := flagEvents
	if eventsPath == "" {
		eventsPath = meta.DataPath
	}
	if eventsPath == "" {
		return fmt.Errorf("no event file given: pass --events or set data.path in the config")
	}

	events, err := dataloader.LoadCSV(eventsPath)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	driver, err := backtest.NewDriver(*cfg)
	if err != nil {
		return fmt.Errorf("construct driver: %w", err)
	}

	leverage := flagLeverage
	if leverage <= 0 {
		leverage = cfg.DefaultLeverage
	}
	qty, err := decimal.NewFromString(flagStrategyQty)
	if err != nil {
		return fmt.Errorf("invalid --strategy-qty: %w", err)
	}
	strat := strategy.ByName(flagStrategyName, qty, leverage)
	if strat == nil {
		return fmt.Errorf("unknown strategy %q", flagStrategyName)
	}
	driver.AddStrategy(flagStrategyName, strat)

	metrics := backtest.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	driver.SetMetrics(metrics)
	driver.SetProgressCallback(func(r backtest.ProgressReport) {
		log.Info().
			Uint64("processed", r.Processed).
			Int("remaining", r.Remaining).
			Float64("percent", r.Percent).
			Float64("eventsPerSecond", r.EventsPerSecond).
			Str("equity", r.CurrentEquity.String()).
			Dur("eta", r.ETA).
			Msg("progress")
	})

	driver.LoadEvents(events)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	t, ctx := tomb.WithContext(ctx)
	t.Go(func() error {
		select {
		case <-ctx.Done():
			log.Info().Msg("stop signal received, halting run cooperatively")
			driver.Stop()
		case <-t.Dying():
		}
		return nil
	})

	result, err := driver.Run()
	t.Kill(nil)
	_ = t.Wait()
	if err != nil {
		return fmt.Errorf("run backtest: %w", err)
	}

	return writeResult(result)
}

func writeResult(result types.BacktestResult) error {
	out := os.Stdout
	if flagOutput != "" {
		f, err := os.Create(flagOutput)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func setupLogging(level, format string) {
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
