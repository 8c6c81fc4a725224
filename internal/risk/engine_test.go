package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"polymarket-agent/internal/clock"
	"polymarket-agent/internal/config"
	"polymarket-agent/internal/portfolio"
	"polymarket-agent/pkg/types"
)

const nowTS = 1_700_000_000.0

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPosPerMarket:  200,
		MaxOpenPositions: 0,
		MaxEventExposure: 500,
		DailyLossLimit:   200,
		KillSwitch:       false,
		MaxFeedLagSecs:   5,
		MaxSpread:        0.20,
	}
}

func newTestEngine(cfg config.RiskConfig) (*Engine, *clock.Fake) {
	clk := clock.NewFakeUnix(nowTS)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(cfg, clk, logger), clk
}

func freshTOB(bid, ask float64) *types.TopOfBook {
	return &types.TopOfBook{BestBid: types.F(bid), BestAsk: types.F(ask), TS: nowTS}
}

func buyCheck(pf *portfolio.Portfolio, price, size float64, tob *types.TopOfBook) Check {
	return Check{
		MarketID:  "m1",
		EventID:   "e1",
		Side:      types.Buy,
		Price:     price,
		Size:      size,
		TOB:       tob,
		Portfolio: pf,
	}
}

func seedPosition(pf *portfolio.Portfolio, marketID string, qty, avg float64) {
	side := types.Buy
	if qty < 0 {
		side = types.Sell
		qty = -qty
	}
	pf.ApplyFill(types.Fill{MarketID: marketID, Side: side, Price: avg, Size: qty, TS: nowTS - 100}, "e1")
}

func TestBadArguments(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(testRiskConfig())
	pf := portfolio.New()

	res := e.PreTrade(buyCheck(pf, 0.5, 0, freshTOB(0.49, 0.51)))
	if res.OK || res.Reason != ReasonBadSize {
		t.Errorf("zero size: %+v", res)
	}
	res = e.PreTrade(buyCheck(pf, 1.5, 10, freshTOB(0.49, 0.51)))
	if res.OK || res.Reason != ReasonBadPrice {
		t.Errorf("price > 1: %+v", res)
	}
}

func TestCircuitBreakers(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(testRiskConfig())
	pf := portfolio.New()

	res := e.PreTrade(buyCheck(pf, 0.5, 10, nil))
	if res.Reason != ReasonNoTopOfBook {
		t.Errorf("no tob: %+v", res)
	}

	stale := freshTOB(0.49, 0.51)
	stale.TS = nowTS - 10
	res = e.PreTrade(buyCheck(pf, 0.5, 10, stale))
	if res.Reason != ReasonFeedLag {
		t.Errorf("stale tob: %+v", res)
	}

	res = e.PreTrade(buyCheck(pf, 0.5, 10, freshTOB(0.52, 0.48)))
	if res.Reason != ReasonCrossedBook {
		t.Errorf("crossed book: %+v", res)
	}

	res = e.PreTrade(buyCheck(pf, 0.5, 10, freshTOB(0.20, 0.60)))
	if res.Reason != ReasonSpreadTooWide {
		t.Errorf("wide spread: %+v", res)
	}
}

func TestKillSwitchBlocksOpens(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.KillSwitch = true
	e, _ := newTestEngine(cfg)
	pf := portfolio.New()

	res := e.PreTrade(buyCheck(pf, 0.50, 10, freshTOB(0.49, 0.51)))
	if res.OK || res.Reason != ReasonKillSwitch {
		t.Errorf("kill switch open: got %+v, want kill_switch", res)
	}
}

func TestKillSwitchAllowsReduceOnly(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.KillSwitch = true
	e, _ := newTestEngine(cfg)
	pf := portfolio.New()
	seedPosition(pf, "m1", -10, 0.50) // short 10; a buy reduces

	res := e.PreTrade(buyCheck(pf, 0.50, 10, freshTOB(0.49, 0.51)))
	if !res.OK {
		t.Errorf("reduce-only under kill switch rejected: %+v", res)
	}
}

func TestMaxPosPerMarket(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.MaxPosPerMarket = 10
	e, _ := newTestEngine(cfg)
	pf := portfolio.New()
	seedPosition(pf, "m1", 10, 0.50)

	res := e.PreTrade(buyCheck(pf, 0.50, 1, freshTOB(0.49, 0.51)))
	if res.OK || res.Reason != ReasonMaxPosPerMarket {
		t.Errorf("over cap: got %+v, want max_pos_per_market", res)
	}

	// Selling down from the cap is reduce-only and passes.
	sell := buyCheck(pf, 0.50, 5, freshTOB(0.49, 0.51))
	sell.Side = types.Sell
	if res := e.PreTrade(sell); !res.OK {
		t.Errorf("reduce-only at cap rejected: %+v", res)
	}
}

func TestMaxOpenPositions(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.MaxOpenPositions = 1
	e, _ := newTestEngine(cfg)
	pf := portfolio.New()
	seedPosition(pf, "m0", 10, 0.50)

	res := e.PreTrade(buyCheck(pf, 0.50, 10, freshTOB(0.49, 0.51)))
	if res.OK || res.Reason != ReasonMaxOpenPos {
		t.Errorf("opening second market: got %+v, want max_open_positions", res)
	}

	// Adding to the already-open market is not "opening from flat".
	existing := buyCheck(pf, 0.50, 10, freshTOB(0.49, 0.51))
	existing.MarketID = "m0"
	if res := e.PreTrade(existing); !res.OK {
		t.Errorf("extending open market rejected: %+v", res)
	}
}

func TestEventExposure(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.MaxEventExposure = 10
	e, _ := newTestEngine(cfg)
	pf := portfolio.New()
	seedPosition(pf, "m1", 10, 0.50) // 10 * 0.50 = 5 at entry mark

	// Same event: another 11 * 0.50 = 5.5 pushes past 10.
	check := buyCheck(pf, 0.50, 11, freshTOB(0.49, 0.51))
	check.MarketID = "m2"
	res := e.PreTrade(check)
	if res.OK || res.Reason != ReasonMaxEventExp {
		t.Errorf("event exposure: got %+v, want max_event_exposure", res)
	}

	// A different event is unconstrained by this position.
	check.EventID = "e2"
	if res := e.PreTrade(check); !res.OK {
		t.Errorf("different event rejected: %+v", res)
	}
}

func TestDailyLossLimit(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.DailyLossLimit = 1
	e, _ := newTestEngine(cfg)
	pf := portfolio.New()
	// Realize a loss of 2: buy 10 @ 0.60, sell 10 @ 0.40.
	pf.ApplyFill(types.Fill{MarketID: "m1", Side: types.Buy, Price: 0.60, Size: 10, TS: 1}, "e1")
	pf.ApplyFill(types.Fill{MarketID: "m1", Side: types.Sell, Price: 0.40, Size: 10, TS: 2}, "e1")

	res := e.PreTrade(buyCheck(pf, 0.50, 10, freshTOB(0.49, 0.51)))
	if res.OK || res.Reason != ReasonDailyLossLimit {
		t.Errorf("loss limit: got %+v, want daily_loss_limit", res)
	}

	// Reduce-only is exempt so positions can still be closed out.
	seedPosition(pf, "m2", 10, 0.50)
	closing := buyCheck(pf, 0.50, 5, freshTOB(0.49, 0.51))
	closing.MarketID = "m2"
	closing.Side = types.Sell
	if res := e.PreTrade(closing); !res.OK {
		t.Errorf("reduce-only past loss limit rejected: %+v", res)
	}
}

func TestRejectionLogThrottleDoesNotAffectDecisions(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.KillSwitch = true
	e, clk := newTestEngine(cfg)
	pf := portfolio.New()

	var rejections int
	e.SetRejectionHook(func(string) { rejections++ })

	for i := 0; i < 10; i++ {
		res := e.PreTrade(buyCheck(pf, 0.50, 10, freshTOB(0.49, 0.51)))
		if res.OK || res.Reason != ReasonKillSwitch {
			t.Fatalf("decision changed on repeat %d: %+v", i, res)
		}
		clk.Advance(100 * time.Millisecond)
	}
	if rejections != 10 {
		t.Errorf("hook fired %d times, want 10 (decisions unthrottled)", rejections)
	}
}
