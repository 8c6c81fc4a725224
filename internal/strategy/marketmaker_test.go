package strategy

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"

	"polymarket-agent/internal/broker"
	"polymarket-agent/internal/clock"
	"polymarket-agent/internal/config"
	"polymarket-agent/internal/odds"
	"polymarket-agent/internal/portfolio"
	"polymarket-agent/internal/risk"
	"polymarket-agent/internal/state"
	"polymarket-agent/pkg/types"
)

const nowTS = 1_700_000_000.0

// capturingJournal records placements (with meta) for assertions.
type capturingJournal struct {
	mu      sync.Mutex
	placed  []types.Order
	metas   []map[string]any
	cancels int
}

func (j *capturingJournal) InsertOrder(o types.Order, meta map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.placed = append(j.placed, o)
	j.metas = append(j.metas, meta)
	return nil
}

func (j *capturingJournal) UpdateOrderStatus(orderID string, status types.OrderStatus, filledSize float64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if status == types.OrderCancelled {
		j.cancels++
	}
	return nil
}

func (j *capturingJournal) InsertFill(f types.Fill) error { return nil }

// fixedOdds always returns the same external fair.
type fixedOdds struct {
	prob   float64
	source string
}

func (f fixedOdds) FairProb(ctx context.Context, m types.MarketInfo) (odds.Odds, error) {
	return odds.Odds{FairProb: f.prob, Source: f.source}, nil
}

func baseConfig() *config.Config {
	return &config.Config{
		Mode: config.ModeConfig{
			TradeMode:     config.TradeModePaper,
			RunMode:       config.RunModePaper,
			ExecutionMode: config.ExecutionModePaper,
		},
		Strategy: config.StrategyConfig{
			EdgeBuffer:           0.01,
			BaseOrderSize:        10,
			MinTradeCooldownSecs: 5,
			MMQuoteWidth:         0.02,
			MMInventorySkew:      0.5,
			MMMinQuoteLifeSecs:   1000, // only reprice can replace in tests
			MMMaxOrdersPerMarket: 2,
			MMRepriceThreshold:   0.001,
			MMJoinTouch:          true,
			PriceTick:            0.001,
		},
		Paper: config.PaperConfig{FillModel: config.FillModelOnBookCross},
		Risk: config.RiskConfig{
			MaxPosPerMarket:  200,
			MaxEventExposure: 1e6,
			DailyLossLimit:   1e6,
			MaxFeedLagSecs:   5,
			MaxSpread:        0.5,
		},
	}
}

// harness wires a full strategy context around a paper broker.
type harness struct {
	ctx     *Context
	journal *capturingJournal
	paper   *broker.Paper
	clock   *clock.Fake
}

func newHarness(t *testing.T, cfg *config.Config, provider odds.Provider, bid, ask float64) *harness {
	t.Helper()
	clk := clock.NewFakeUnix(nowTS)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	journal := &capturingJournal{}
	paper := broker.NewPaper(cfg.Paper, journal, clk, logger)

	st := state.New()
	st.EnsureMarket(types.MarketInfo{MarketID: "m1", Question: "q?", EventID: "e1", Active: true})
	st.SetTOB("m1", types.TopOfBook{BestBid: types.F(bid), BestAsk: types.F(ask), TS: nowTS}, nowTS)

	return &harness{
		ctx: &Context{
			Cfg:       cfg,
			State:     st,
			Broker:    paper,
			Risk:      risk.New(cfg.Risk, clk, logger),
			Portfolio: portfolio.New(),
			Odds:      provider,
			Clock:     clk,
			Log:       logger,
		},
		journal: journal,
		paper:   paper,
		clock:   clk,
	}
}

func onTick(x, tick float64) bool {
	r := x / tick
	return math.Abs(r-math.Round(r)) < 1e-6
}

func TestMockFairSourceFallsBackToBookMid(t *testing.T) {
	t.Parallel()
	// External source is the mock with a fair miles away from the book.
	h := newHarness(t, baseConfig(), fixedOdds{prob: 0.70, source: "mock"}, 0.014, 0.017)
	mm := NewMarketMaker()

	if err := mm.OnMarket(context.Background(), h.ctx, "m1"); err != nil {
		t.Fatalf("on_market: %v", err)
	}

	if len(h.journal.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(h.journal.placed))
	}
	for i, o := range h.journal.placed {
		if o.Price >= 0.10 {
			t.Errorf("quote %d at %v; mock fair leaked in (want mid-derived < 0.10)", i, o.Price)
		}
		meta := h.journal.metas[i]
		if meta["source"] != "book_mid" {
			t.Errorf("meta source = %v, want book_mid", meta["source"])
		}
		if _, present := meta["external_source"]; present {
			t.Errorf("external_source present for a book-mid quote")
		}
	}
}

func TestDisallowMockDataForcesBookMid(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Mode.DisallowMockData = true
	// Provider errors in strict mode; the maker must not consult it.
	h := newHarness(t, cfg, odds.Disabled{}, 0.44, 0.46)
	mm := NewMarketMaker()

	if err := mm.OnMarket(context.Background(), h.ctx, "m1"); err != nil {
		t.Fatalf("on_market: %v", err)
	}
	if len(h.journal.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(h.journal.placed))
	}
	for _, meta := range h.journal.metas {
		if meta["source"] != "book_mid" {
			t.Errorf("meta source = %v, want book_mid", meta["source"])
		}
	}
}

func TestQuotesAreOnGridAndNonCrossing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseConfig(), fixedOdds{prob: 0.47, source: "sportsbook"}, 0.44, 0.46)
	mm := NewMarketMaker()

	if err := mm.OnMarket(context.Background(), h.ctx, "m1"); err != nil {
		t.Fatalf("on_market: %v", err)
	}
	if len(h.journal.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(h.journal.placed))
	}

	var bid, ask float64
	for _, o := range h.journal.placed {
		if o.Side == types.Buy {
			bid = o.Price
		} else {
			ask = o.Price
		}
	}
	tick := 0.001
	if !(bid < ask) {
		t.Errorf("bid %v not below ask %v", bid, ask)
	}
	if !onTick(bid, tick) || !onTick(ask, tick) {
		t.Errorf("quotes off the tick grid: bid %v ask %v", bid, ask)
	}
	// Neither side crosses the touch by more than a tick.
	if bid > 0.46-tick+1e-9 {
		t.Errorf("bid %v crosses the ask side", bid)
	}
	if ask < 0.44+tick-1e-9 {
		t.Errorf("ask %v crosses the bid side", ask)
	}
}

func TestQuoteNotReplacedWhileFreshAndOnTarget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseConfig(), fixedOdds{prob: 0.47, source: "sportsbook"}, 0.44, 0.46)
	mm := NewMarketMaker()
	ctx := context.Background()

	if err := mm.OnMarket(ctx, h.ctx, "m1"); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	placed := len(h.journal.placed)

	// Same book, same fair, quote still young: nothing changes.
	if err := mm.OnMarket(ctx, h.ctx, "m1"); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(h.journal.placed) != placed {
		t.Errorf("fresh on-target quotes were replaced: %d -> %d", placed, len(h.journal.placed))
	}
	if h.journal.cancels != 0 {
		t.Errorf("unexpected cancels: %d", h.journal.cancels)
	}
}

func TestQuoteReplacedWhenTargetMoves(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseConfig(), fixedOdds{prob: 0.47, source: "sportsbook"}, 0.44, 0.46)
	mm := NewMarketMaker()
	ctx := context.Background()

	if err := mm.OnMarket(ctx, h.ctx, "m1"); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	placed := len(h.journal.placed)

	// Book shifts well past the reprice threshold.
	h.ctx.State.SetTOB("m1", types.TopOfBook{BestBid: types.F(0.50), BestAsk: types.F(0.52), TS: nowTS}, nowTS)

	if err := mm.OnMarket(ctx, h.ctx, "m1"); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(h.journal.placed) <= placed {
		t.Error("target moved but no quotes were replaced")
	}
	if h.journal.cancels == 0 {
		t.Error("old quotes were not cancelled on replace")
	}
}

func TestInventorySkewShiftsQuotesDown(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Strategy.MMJoinTouch = false // isolate the skew term from touch-joining
	flat := newHarness(t, cfg, fixedOdds{prob: 0.47, source: "sportsbook"}, 0.40, 0.46)
	long := newHarness(t, cfg, fixedOdds{prob: 0.47, source: "sportsbook"}, 0.40, 0.46)
	// Long inventory near the cap.
	long.ctx.Portfolio.ApplyFill(types.Fill{MarketID: "m1", Side: types.Buy, Price: 0.45, Size: 180, TS: nowTS - 50}, "e1")

	mm1, mm2 := NewMarketMaker(), NewMarketMaker()
	if err := mm1.OnMarket(context.Background(), flat.ctx, "m1"); err != nil {
		t.Fatalf("flat: %v", err)
	}
	if err := mm2.OnMarket(context.Background(), long.ctx, "m1"); err != nil {
		t.Fatalf("long: %v", err)
	}

	askOf := func(j *capturingJournal) float64 {
		for _, o := range j.placed {
			if o.Side == types.Sell {
				return o.Price
			}
		}
		return math.NaN()
	}
	flatAsk, longAsk := askOf(flat.journal), askOf(long.journal)
	if math.IsNaN(flatAsk) || math.IsNaN(longAsk) {
		t.Fatalf("missing asks: flat %v long %v", flatAsk, longAsk)
	}
	if longAsk >= flatAsk {
		t.Errorf("long inventory should pull the ask down: flat %v, long %v", flatAsk, longAsk)
	}
}

func TestNoQuotesOnOneSidedBook(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseConfig(), fixedOdds{prob: 0.47, source: "sportsbook"}, 0.44, 0.46)
	h.ctx.State.SetTOB("m1", types.TopOfBook{BestBid: types.F(0.44), TS: nowTS}, nowTS)
	mm := NewMarketMaker()

	if err := mm.OnMarket(context.Background(), h.ctx, "m1"); err != nil {
		t.Fatalf("on_market: %v", err)
	}
	if len(h.journal.placed) != 0 {
		t.Errorf("quoted into a one-sided book: %d orders", len(h.journal.placed))
	}
}
