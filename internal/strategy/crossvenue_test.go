package strategy

import (
	"context"
	"testing"
	"time"

	"polymarket-agent/internal/config"
	"polymarket-agent/internal/odds"
	"polymarket-agent/pkg/types"
)

func takerConfig() *config.Config {
	cfg := baseConfig()
	cfg.Strategy.EdgeBuffer = 0.01
	cfg.Strategy.FeesBps = 0
	cfg.Strategy.SlippageBps = 0
	cfg.Strategy.LatencyBps = 0
	cfg.Strategy.BaseOrderSize = 10
	return cfg
}

func TestBuySignalWhenAskIsCheap(t *testing.T) {
	t.Parallel()
	// Fair 0.60, no buffers: ask 0.45 < 0.60 - 0.01 → buy the ask.
	h := newHarness(t, takerConfig(), fixedOdds{prob: 0.60, source: "sportsbook"}, 0.44, 0.45)
	cv := NewCrossVenue()

	if err := cv.OnMarket(context.Background(), h.ctx, "m1"); err != nil {
		t.Fatalf("on_market: %v", err)
	}
	if len(h.journal.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(h.journal.placed))
	}
	o := h.journal.placed[0]
	if o.Side != types.Buy || o.Price != 0.45 || o.Size != 10 {
		t.Errorf("order = %+v, want buy 10 @ 0.45", o)
	}
}

func TestSellSignalWhenBidIsRich(t *testing.T) {
	t.Parallel()
	// Fair 0.30: bid 0.44 > 0.30 + 0.01 → sell the bid.
	h := newHarness(t, takerConfig(), fixedOdds{prob: 0.30, source: "sportsbook"}, 0.44, 0.45)
	cv := NewCrossVenue()

	if err := cv.OnMarket(context.Background(), h.ctx, "m1"); err != nil {
		t.Fatalf("on_market: %v", err)
	}
	if len(h.journal.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(h.journal.placed))
	}
	o := h.journal.placed[0]
	if o.Side != types.Sell || o.Price != 0.44 {
		t.Errorf("order = %+v, want sell @ 0.44", o)
	}
}

func TestNoSignalInsideEdge(t *testing.T) {
	t.Parallel()
	// Fair 0.45 sits inside [bid, ask]: no edge either way.
	h := newHarness(t, takerConfig(), fixedOdds{prob: 0.45, source: "sportsbook"}, 0.44, 0.46)
	cv := NewCrossVenue()

	if err := cv.OnMarket(context.Background(), h.ctx, "m1"); err != nil {
		t.Fatalf("on_market: %v", err)
	}
	if len(h.journal.placed) != 0 {
		t.Errorf("placed %d orders, want 0", len(h.journal.placed))
	}
}

func TestCooldownLimitsToOneTradePerWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, takerConfig(), fixedOdds{prob: 0.60, source: "sportsbook"}, 0.44, 0.45)
	cv := NewCrossVenue()
	ctx := context.Background()

	if err := cv.OnMarket(ctx, h.ctx, "m1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := cv.OnMarket(ctx, h.ctx, "m1"); err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(h.journal.placed) != 1 {
		t.Fatalf("cooldown ignored: %d orders", len(h.journal.placed))
	}

	// Past the cooldown the signal may fire again. Keep the book fresh so
	// the feed-lag breaker stays quiet.
	h.clock.Advance(6 * time.Second)
	h.ctx.State.SetTOB("m1", types.TopOfBook{BestBid: types.F(0.44), BestAsk: types.F(0.45), TS: h.clock.Unix()}, h.clock.Unix())
	if err := cv.OnMarket(ctx, h.ctx, "m1"); err != nil {
		t.Fatalf("third: %v", err)
	}
	if len(h.journal.placed) != 2 {
		t.Errorf("post-cooldown orders = %d, want 2", len(h.journal.placed))
	}
}

func TestBuffersShrinkTheEdge(t *testing.T) {
	t.Parallel()
	cfg := takerConfig()
	// 400 bps of buffers: buy fair 0.56; ask 0.555 > 0.56 - 0.01 → no trade.
	cfg.Strategy.FeesBps = 200
	cfg.Strategy.SlippageBps = 100
	cfg.Strategy.LatencyBps = 100
	h := newHarness(t, cfg, fixedOdds{prob: 0.60, source: "sportsbook"}, 0.55, 0.555)
	cv := NewCrossVenue()

	if err := cv.OnMarket(context.Background(), h.ctx, "m1"); err != nil {
		t.Fatalf("on_market: %v", err)
	}
	if len(h.journal.placed) != 0 {
		t.Errorf("buffers ignored: placed %d orders", len(h.journal.placed))
	}
}

func TestNoExternalOddsMeansNoTakerSignal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, takerConfig(), odds.Disabled{}, 0.44, 0.45)
	cv := NewCrossVenue()

	if err := cv.OnMarket(context.Background(), h.ctx, "m1"); err != nil {
		t.Fatalf("on_market: %v", err)
	}
	if len(h.journal.placed) != 0 {
		t.Errorf("taker traded without an external fair: %d orders", len(h.journal.placed))
	}
}
