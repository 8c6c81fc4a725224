// Polymarket trading agent — paper trades binary prediction markets.
//
// Architecture:
//
//	main.go                 — entry point: flags, config, logging, signals
//	engine/engine.go        — orchestrator: scanner, feed, strategies, risk, snapshots, unwind
//	engine/backtest.go      — tape replay through the live event pipeline
//	strategy/marketmaker.go — tick-grid quoting with inventory skew
//	strategy/crossvenue.go  — fair-value taker against external odds
//	broker/paper.go         — fill simulation (on_book_cross / maker_touch / trade_through)
//	risk/engine.go          — pre-trade limits and circuit breakers
//	market/discovery.go     — Gamma API market discovery and ranking
//	feed/                   — websocket / REST-poll / mock normalized feeds
//	portfolio/              — positions and realized/unrealized P&L
//	store/                  — SQLite: blotter, tape, snapshots, watchlist
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"polymarket-agent/internal/config"
	"polymarket-agent/internal/engine"
	"polymarket-agent/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", defaultConfigPath(), "path to YAML config")
	mode := flag.String("mode", "", "override run mode: scanner|paper|backtest")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return 1
	}
	if *mode != "" {
		cfg.Mode.RunMode = strings.ToLower(*mode)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if dir := filepath.Dir(cfg.Store.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create data dir", "dir", dir, "error", err)
			return 1
		}
	}
	st, err := store.Open(cfg.Store.SQLitePath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Store.SQLitePath, "error", err)
		return 1
	}
	defer st.Close()

	eng, err := engine.New(cfg, st, logger, engine.Options{})
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agent starting",
		"run_mode", cfg.Mode.RunMode,
		"trade_mode", cfg.Mode.TradeMode,
		"fill_model", cfg.Paper.FillModel,
	)
	if err := eng.Run(ctx); err != nil {
		logger.Error("engine exited with error", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

func defaultConfigPath() string {
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
