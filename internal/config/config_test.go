package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load without file: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Mode.TradeMode != TradeModePaper {
		t.Errorf("trade_mode = %s, want paper", cfg.Mode.TradeMode)
	}
	if cfg.Paper.FillModel != FillModelOnBookCross {
		t.Errorf("fill model = %s", cfg.Paper.FillModel)
	}
	if cfg.Strategy.PriceTick != 0.001 {
		t.Errorf("price tick = %v", cfg.Strategy.PriceTick)
	}
	if !cfg.Paper.RehydratePortfolio {
		t.Error("rehydrate should default on")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
mode:
  run_mode: backtest
strategy:
  base_order_size: 25
risk:
  kill_switch: true
paper:
  paper_fill_model: maker_touch
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode.RunMode != RunModeBacktest {
		t.Errorf("run_mode = %s", cfg.Mode.RunMode)
	}
	if cfg.Strategy.BaseOrderSize != 25 {
		t.Errorf("base size = %v", cfg.Strategy.BaseOrderSize)
	}
	if !cfg.Risk.KillSwitch {
		t.Error("kill switch not loaded")
	}
	if cfg.Paper.FillModel != FillModelMakerTouch {
		t.Errorf("fill model = %s", cfg.Paper.FillModel)
	}
	// Untouched keys keep their defaults.
	if cfg.Markets.TopN != 20 {
		t.Errorf("top_n = %d, want default 20", cfg.Markets.TopN)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"bad trade mode", func(c *Config) { c.Mode.TradeMode = "demo" }},
		{"bad run mode", func(c *Config) { c.Mode.RunMode = "turbo" }},
		{"bad execution mode", func(c *Config) { c.Mode.ExecutionMode = "real" }},
		{"bad fill model", func(c *Config) { c.Paper.FillModel = "optimistic" }},
		{"zero order size", func(c *Config) { c.Strategy.BaseOrderSize = 0 }},
		{"zero tick", func(c *Config) { c.Strategy.PriceTick = 0 }},
		{"zero max pos", func(c *Config) { c.Risk.MaxPosPerMarket = 0 }},
		{"zero refresh", func(c *Config) { c.Markets.MarketRefreshSecs = 0 }},
		{"empty store path", func(c *Config) { c.Store.SQLitePath = "" }},
		{"zero backtest speed", func(c *Config) { c.Backtest.Speed = 0 }},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mut(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: validate passed, want error", tc.name)
		}
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("POLY_RISK_KILL_SWITCH", "true")
	t.Setenv("POLY_MODE_RUN_MODE", "scanner")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Risk.KillSwitch {
		t.Error("POLY_RISK_KILL_SWITCH not applied")
	}
	if cfg.Mode.RunMode != RunModeScanner {
		t.Errorf("POLY_MODE_RUN_MODE not applied: %s", cfg.Mode.RunMode)
	}
}
