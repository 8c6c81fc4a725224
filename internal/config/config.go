// Package config defines all configuration for the trading agent.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every field overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Run/trade mode values.
const (
	TradeModePaper = "paper"
	TradeModeLive  = "live"

	RunModeScanner  = "scanner"
	RunModePaper    = "paper"
	RunModeBacktest = "backtest"

	ExecutionModePaper  = "paper"
	ExecutionModeShadow = "shadow"
)

// Paper fill model names.
const (
	FillModelOnBookCross  = "on_book_cross"
	FillModelMakerTouch   = "maker_touch"
	FillModelTradeThrough = "trade_through"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode      ModeConfig      `mapstructure:"mode"`
	Markets   MarketsConfig   `mapstructure:"markets"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Paper     PaperConfig     `mapstructure:"paper"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ModeConfig selects how the process runs.
//
//   - TradeMode: paper|live. live requires a real broker and stays rejected
//     until one exists.
//   - RunMode: scanner|paper|backtest (overridable via --mode flag).
//   - ExecutionMode: paper|shadow. shadow places and logs orders but the
//     simulator never fills them.
//   - DisallowMockData: strict mode — no mock external odds anywhere; the
//     market maker centers on book mid.
type ModeConfig struct {
	TradeMode        string `mapstructure:"trade_mode"`
	RunMode          string `mapstructure:"run_mode"`
	ExecutionMode    string `mapstructure:"execution_mode"`
	DisallowMockData bool   `mapstructure:"disallow_mock_data"`
}

// MarketsConfig controls market discovery and ranking.
type MarketsConfig struct {
	TopN              int     `mapstructure:"top_n_markets"`
	Min24hVolumeUSD   float64 `mapstructure:"min_24h_volume_usd"`
	MinLiquidityUSD   float64 `mapstructure:"min_liquidity_usd"`
	MarketRefreshSecs int     `mapstructure:"market_refresh_secs"`
}

// StrategyConfig tunes both strategies.
//
// Cross-venue taker:
//   - EdgeBuffer: extra edge required beyond the buffered fair.
//   - FeesBps/SlippageBps/LatencyBps: conservative buffers applied to fair value.
//   - BaseOrderSize: size per taker order (tokens).
//   - MinTradeCooldownSecs: one taker trade per market per this window.
//
// Market maker:
//   - MMQuoteWidth: nominal quote width around fair.
//   - MMInventorySkew: how aggressively inventory shifts the quote center.
//   - MMMinQuoteLifeSecs: quotes rest at least this long before replacement.
//   - MMMaxOrdersPerMarket: loaded but not read by the market maker, which
//     keeps at most one resting quote per side.
//   - MMRepriceThreshold: replace a quote when its target moved this far.
//   - MMJoinTouch: join the current touch when inventory allows.
//   - PriceTick: minimum price increment for quote rounding.
type StrategyConfig struct {
	EdgeBuffer           float64 `mapstructure:"edge_buffer"`
	FeesBps              float64 `mapstructure:"fees_bps"`
	SlippageBps          float64 `mapstructure:"slippage_bps"`
	LatencyBps           float64 `mapstructure:"latency_bps"`
	BaseOrderSize        float64 `mapstructure:"base_order_size"`
	MinTradeCooldownSecs float64 `mapstructure:"min_trade_cooldown_secs"`

	MMQuoteWidth         float64 `mapstructure:"mm_quote_width"`
	MMInventorySkew      float64 `mapstructure:"mm_inventory_skew"`
	MMMinQuoteLifeSecs   float64 `mapstructure:"mm_min_quote_life_secs"`
	MMMaxOrdersPerMarket int     `mapstructure:"mm_max_orders_per_market"`
	MMRepriceThreshold   float64 `mapstructure:"mm_reprice_threshold"`
	MMJoinTouch          bool    `mapstructure:"mm_join_touch"`
	PriceTick            float64 `mapstructure:"price_tick"`
}

// PaperConfig controls the paper fill simulator.
type PaperConfig struct {
	FillModel          string  `mapstructure:"paper_fill_model"`
	MinRestSecs        float64 `mapstructure:"paper_min_rest_secs"`
	ResetOnStart       bool    `mapstructure:"paper_reset_on_start"`
	RehydratePortfolio bool    `mapstructure:"paper_rehydrate_portfolio"`
}

// RiskConfig sets hard limits consulted before every order, plus the
// circuit-breaker thresholds and the inventory unwind schedule.
type RiskConfig struct {
	MaxPosPerMarket   float64 `mapstructure:"max_pos_per_market"`
	MaxOpenPositions  int     `mapstructure:"max_open_positions"`
	MaxEventExposure  float64 `mapstructure:"max_event_exposure"`
	DailyLossLimit    float64 `mapstructure:"daily_loss_limit"`
	KillSwitch        bool    `mapstructure:"kill_switch"`
	StopBeforeEndSecs float64 `mapstructure:"stop_before_end_secs"`

	// Circuit breaker
	MaxFeedLagSecs float64 `mapstructure:"max_feed_lag_secs"`
	MaxSpread      float64 `mapstructure:"max_spread"`

	// Inventory unwind
	MaxPosAgeSecs            float64 `mapstructure:"max_pos_age_secs"`
	UnwindIntervalSecs       float64 `mapstructure:"unwind_interval_secs"`
	UnwindMaxMarketsPerCycle int     `mapstructure:"unwind_max_markets_per_cycle"`
}

// FeedConfig selects and tunes the market-data source.
type FeedConfig struct {
	Source       string  `mapstructure:"source"` // ws|gamma|mock
	WSURL        string  `mapstructure:"ws_url"`
	GammaBaseURL string  `mapstructure:"gamma_base_url"`
	PollSecs     float64 `mapstructure:"poll_secs"`
	MockTickHz   float64 `mapstructure:"mock_tick_hz"`
	MockSeed     int64   `mapstructure:"mock_seed"`
}

// BacktestConfig bounds and paces tape replay.
type BacktestConfig struct {
	Speed   float64 `mapstructure:"backtest_speed"`
	StartTS float64 `mapstructure:"backtest_start_ts"` // 0 = unbounded
	EndTS   float64 `mapstructure:"backtest_end_ts"`   // 0 = unbounded
}

// StoreConfig sets where the SQLite database lives.
type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text|json
}

// TelemetryConfig controls the Prometheus metrics endpoint.
type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from a YAML file with POLY_* env var overrides.
// A missing file is not an error: defaults plus env cover the paper setup.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errorsAs(err, &notFound) && !isNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode.trade_mode", TradeModePaper)
	v.SetDefault("mode.run_mode", RunModePaper)
	v.SetDefault("mode.execution_mode", ExecutionModePaper)
	v.SetDefault("mode.disallow_mock_data", false)

	v.SetDefault("markets.top_n_markets", 20)
	v.SetDefault("markets.min_24h_volume_usd", 20000.0)
	v.SetDefault("markets.min_liquidity_usd", 5000.0)
	v.SetDefault("markets.market_refresh_secs", 60)

	v.SetDefault("strategy.edge_buffer", 0.01)
	v.SetDefault("strategy.fees_bps", 20.0)
	v.SetDefault("strategy.slippage_bps", 10.0)
	v.SetDefault("strategy.latency_bps", 5.0)
	v.SetDefault("strategy.base_order_size", 10.0)
	v.SetDefault("strategy.min_trade_cooldown_secs", 5.0)
	v.SetDefault("strategy.mm_quote_width", 0.02)
	v.SetDefault("strategy.mm_inventory_skew", 0.5)
	v.SetDefault("strategy.mm_min_quote_life_secs", 2.0)
	v.SetDefault("strategy.mm_max_orders_per_market", 2)
	v.SetDefault("strategy.mm_reprice_threshold", 0.001)
	v.SetDefault("strategy.mm_join_touch", true)
	v.SetDefault("strategy.price_tick", 0.001)

	v.SetDefault("paper.paper_fill_model", FillModelOnBookCross)
	v.SetDefault("paper.paper_min_rest_secs", 0.0)
	v.SetDefault("paper.paper_reset_on_start", false)
	v.SetDefault("paper.paper_rehydrate_portfolio", true)

	v.SetDefault("risk.max_pos_per_market", 200.0)
	v.SetDefault("risk.max_open_positions", 0)
	v.SetDefault("risk.max_event_exposure", 500.0)
	v.SetDefault("risk.daily_loss_limit", 200.0)
	v.SetDefault("risk.kill_switch", false)
	v.SetDefault("risk.stop_before_end_secs", 3600.0)
	v.SetDefault("risk.max_feed_lag_secs", 5.0)
	v.SetDefault("risk.max_spread", 0.20)
	v.SetDefault("risk.max_pos_age_secs", 0.0)
	v.SetDefault("risk.unwind_interval_secs", 10.0)
	v.SetDefault("risk.unwind_max_markets_per_cycle", 2)

	v.SetDefault("feed.source", "mock")
	v.SetDefault("feed.ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws")
	v.SetDefault("feed.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("feed.poll_secs", 1.0)
	v.SetDefault("feed.mock_tick_hz", 5.0)
	v.SetDefault("feed.mock_seed", 11)

	v.SetDefault("backtest.backtest_speed", 50.0)
	v.SetDefault("backtest.backtest_start_ts", 0.0)
	v.SetDefault("backtest.backtest_end_ts", 0.0)

	v.SetDefault("store.sqlite_path", "data/polymarket_agent.sqlite")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.addr", "127.0.0.1:9100")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode.TradeMode {
	case TradeModePaper, TradeModeLive:
	default:
		return fmt.Errorf("mode.trade_mode must be paper|live, got %q", c.Mode.TradeMode)
	}
	switch c.Mode.RunMode {
	case RunModeScanner, RunModePaper, RunModeBacktest:
	default:
		return fmt.Errorf("mode.run_mode must be scanner|paper|backtest, got %q", c.Mode.RunMode)
	}
	switch c.Mode.ExecutionMode {
	case ExecutionModePaper, ExecutionModeShadow:
	default:
		return fmt.Errorf("mode.execution_mode must be paper|shadow, got %q", c.Mode.ExecutionMode)
	}
	switch c.Paper.FillModel {
	case FillModelOnBookCross, FillModelMakerTouch, FillModelTradeThrough:
	default:
		return fmt.Errorf("paper.paper_fill_model must be on_book_cross|maker_touch|trade_through, got %q", c.Paper.FillModel)
	}
	if c.Markets.TopN <= 0 {
		return fmt.Errorf("markets.top_n_markets must be > 0")
	}
	if c.Markets.MarketRefreshSecs <= 0 {
		return fmt.Errorf("markets.market_refresh_secs must be > 0")
	}
	if c.Strategy.BaseOrderSize <= 0 {
		return fmt.Errorf("strategy.base_order_size must be > 0")
	}
	if c.Strategy.PriceTick <= 0 {
		return fmt.Errorf("strategy.price_tick must be > 0")
	}
	if c.Risk.MaxPosPerMarket <= 0 {
		return fmt.Errorf("risk.max_pos_per_market must be > 0")
	}
	if c.Risk.MaxFeedLagSecs <= 0 {
		return fmt.Errorf("risk.max_feed_lag_secs must be > 0")
	}
	if c.Backtest.Speed <= 0 {
		return fmt.Errorf("backtest.backtest_speed must be > 0")
	}
	if c.Store.SQLitePath == "" {
		return fmt.Errorf("store.sqlite_path is required")
	}
	return nil
}

// errorsAs and isNotExist keep Load readable; viper wraps fs errors in
// differing ways across sources.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

func isNotExist(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such file")
}
