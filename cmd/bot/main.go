// XTS Grid Engine — an automated trading engine running exactly one of
// three StrategyCore variants (grid market-maker, hedged grid, or pair
// mean-reversion) against an XTS-style Indian equity broker.
//
// Architecture:
//
//	main.go                 — entry point: loads config, dispatches the start/cancel-all subcommand
//	internal/config         — viper + mapstructure config, ENGINE_* env overrides, .env preload
//	internal/broker         — XTS interactive REST client + Socket.IO touchline feed
//	internal/session        — on-disk session reuse between process restarts
//	internal/registry       — instrument master cache, symbol -> InstrumentID resolution
//	internal/journal        — StateJournal: positions, PnL, anchor/spacing, persisted to JSON
//	internal/router         — FillRouter: polls orders, dedupes, dispatches fills/rejections
//	internal/grid           — StrategyCore: grid / hedged-grid ladder placement and re-anchoring
//	internal/ratio          — StrategyCore: pair mean-reversion entry/exit
//	internal/ledger         — append-only fill audit trail over sqlite
//	internal/operations     — read-only status/control HTTP + websocket + Prometheus surface
//	internal/engine         — EngineLoop: wires every subsystem above and drives the poll loop
//
// Subcommands: "start" runs the engine until SIGINT/SIGTERM or an
// operations kill request; "cancel-all" logs in, cancels every open/partial
// order, and exits without touching positions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"xts-grid-engine/internal/broker"
	"xts-grid-engine/internal/config"
	"xts-grid-engine/internal/engine"
	"xts-grid-engine/internal/session"
	"xts-grid-engine/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: bot <start|cancel-all> [flags]")
		os.Exit(2)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "path to config.yaml")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *cfgPath, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(*cfg)

	var cmdErr error
	switch cmd {
	case "start":
		cmdErr = runStart(*cfg, logger)
	case "cancel-all":
		cmdErr = runCancelAll(*cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (want start|cancel-all)\n", cmd)
		os.Exit(2)
	}

	if cmdErr != nil {
		logger.Error().Err(cmdErr).Str("subcommand", cmd).Msg("exiting with error")
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("ENGINE_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.Logging.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return logger
}

// runStart constructs the engine and runs it until a shutdown signal or an
// operations-surface kill request cancels its context.
func runStart(cfg config.Config, logger zerolog.Logger) error {
	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DryRun {
		logger.Warn().Msg("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info().
		Str("strategy", string(cfg.Strategy)).
		Bool("dry_run", cfg.DryRun).
		Bool("operations_enabled", cfg.Operations.Enabled).
		Msg("engine starting")

	runErr := eng.Run(ctx)
	eng.Shutdown(context.Background())

	if runErr != nil && runErr != context.Canceled {
		return fmt.Errorf("engine run: %w", runErr)
	}
	logger.Info().Msg("engine stopped cleanly")
	return nil
}

// runCancelAll logs in without starting the poll loop or any strategy,
// cancels every open/partial order, and exits — positions are left exactly
// as StateJournal last recorded them (spec §6).
func runCancelAll(cfg config.Config, logger zerolog.Logger) error {
	sessions, err := session.Open(cfg.Broker.SessionDir, cfg.Broker.SessionMaxAge)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	auth := broker.NewAuth(cfg.Broker)
	resolver := noopResolver{}
	client := broker.NewClient(cfg, auth, sessions, resolver, logger)

	ctx := context.Background()
	if err := client.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	cancelled, err := client.CancelAllOrders(ctx)
	logger.Info().Int("cancelled", cancelled).Msg("cancel-all complete")
	if err != nil {
		return fmt.Errorf("cancel-all: %w", err)
	}
	return nil
}

// noopResolver satisfies broker.Resolver for cancel-all, which never
// resolves a symbol to an instrument — it only cancels by order ID.
type noopResolver struct{}

func (noopResolver) Get(symbol string) (types.Instrument, bool) {
	return types.Instrument{}, false
}
