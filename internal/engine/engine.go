// Package engine is the central orchestrator of the trading agent.
//
// It wires together all subsystems:
//
//  1. Discovery ranks eligible markets into the shared watchlist.
//  2. The feed streams normalized BookEvent/TradeEvent values.
//  3. The paper broker simulates fills off those events.
//  4. Fills flow into the portfolio under the shared-state lock.
//  5. Strategies run on a fixed cadence over the ranked markets, gated by
//     the risk engine.
//  6. Snapshot, unwind, and close-before-end loops keep positions marked,
//     bounded, and flattened ahead of market resolution.
//
// Backtest mode drives the identical event handler from the persisted tape
// instead of a live feed; the shared tape schema makes the two paths
// interchangeable.
//
// Lifecycle: New() → Run(ctx) (blocks) → cancel ctx to stop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"polymarket-agent/internal/broker"
	"polymarket-agent/internal/clock"
	"polymarket-agent/internal/config"
	"polymarket-agent/internal/feed"
	"polymarket-agent/internal/market"
	"polymarket-agent/internal/odds"
	"polymarket-agent/internal/portfolio"
	"polymarket-agent/internal/risk"
	"polymarket-agent/internal/state"
	"polymarket-agent/internal/store"
	"polymarket-agent/internal/strategy"
	"polymarket-agent/internal/telemetry"
	"polymarket-agent/pkg/types"
)

const (
	strategyCadence = 250 * time.Millisecond
	snapshotCadence = time.Second

	// unwindRetrySecs throttles repeated flatten attempts per market.
	unwindRetrySecs = 10.0

	discoveryLimit = 500
)

// Engine owns the shared state and supervises all loops.
type Engine struct {
	cfg        *config.Config
	log        *slog.Logger
	clock      clock.Clock
	tapeClock  *clock.Fake // non-nil in backtest mode; driven by the tape
	store      *store.Store
	state      *state.Shared
	portfolio  *portfolio.Portfolio
	risk       *risk.Engine
	broker     broker.Broker
	feed       feed.Feed
	odds       odds.Provider
	discovery  *market.Discovery
	strategies []strategy.Strategy
	metrics    *telemetry.Metrics

	unwindLastTry map[string]float64
}

// Options inject alternative collaborators, mainly for tests. Zero fields
// get production defaults derived from the config.
type Options struct {
	Clock  clock.Clock
	Feed   feed.Feed
	Odds   odds.Provider
	Broker broker.Broker
}

// New wires an engine from config. The store must already be open.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, opts Options) (*Engine, error) {
	e := &Engine{
		cfg:           cfg,
		log:           logger.With("component", "engine"),
		store:         st,
		state:         state.New(),
		portfolio:     portfolio.New(),
		metrics:       telemetry.New(),
		unwindLastTry: make(map[string]float64),
	}

	e.clock = opts.Clock
	if e.clock == nil {
		if cfg.Mode.RunMode == config.RunModeBacktest {
			// Replay time comes from the tape, not the wall: the feed-lag
			// breaker and order rest periods must see tape-relative ages.
			e.tapeClock = clock.NewFakeUnix(0)
			e.clock = e.tapeClock
		} else {
			e.clock = clock.System{}
		}
	}

	e.risk = risk.New(cfg.Risk, e.clock, logger)
	e.risk.SetRejectionHook(func(reason string) {
		e.metrics.RiskRejections.WithLabelValues(reason).Inc()
	})

	e.odds = opts.Odds
	if e.odds == nil {
		if cfg.Mode.DisallowMockData {
			e.odds = odds.Disabled{}
		} else {
			noise := 0.02
			if cfg.Mode.RunMode == config.RunModeBacktest {
				noise = 0 // deterministic replays
			}
			e.odds = odds.NewMock(noise, 7)
		}
	}

	e.broker = opts.Broker
	if e.broker == nil {
		if cfg.Mode.TradeMode != config.TradeModePaper {
			return nil, fmt.Errorf("trade_mode %q is not supported: %w", cfg.Mode.TradeMode, broker.ErrLiveDisabled)
		}
		var paperOpts []broker.PaperOption
		if cfg.Mode.ExecutionMode == config.ExecutionModeShadow {
			paperOpts = append(paperOpts, broker.WithShadow())
		}
		e.broker = broker.NewPaper(cfg.Paper, st, e.clock, logger, paperOpts...)
	}
	e.broker = &meteredBroker{inner: e.broker, metrics: e.metrics}

	e.feed = opts.Feed
	if e.feed == nil {
		switch cfg.Feed.Source {
		case "ws":
			e.feed = feed.NewWS(cfg.Feed.WSURL, st, e.clock, logger)
		case "gamma":
			e.feed = feed.NewGammaPoll(cfg.Feed.GammaBaseURL, cfg.Feed.PollSecs, st, e.clock, logger)
		case "mock":
			e.feed = feed.NewMock(cfg.Feed.MockTickHz, cfg.Feed.MockSeed, st, e.clock, logger)
		default:
			return nil, fmt.Errorf("unknown feed.source %q", cfg.Feed.Source)
		}
	}

	e.discovery = market.NewDiscovery(cfg.Feed.GammaBaseURL, e.clock, logger)
	e.strategies = []strategy.Strategy{
		strategy.NewCrossVenue(),
		strategy.NewMarketMaker(),
	}
	return e, nil
}

// strategyContext assembles the per-invocation view handed to strategies.
func (e *Engine) strategyContext() *strategy.Context {
	return &strategy.Context{
		Cfg:       e.cfg,
		State:     e.state,
		Broker:    e.broker,
		Risk:      e.risk,
		Portfolio: e.portfolio,
		Odds:      e.odds,
		Clock:     e.clock,
		Log:       e.log,
	}
}

// Run starts the mode-appropriate loops and blocks until ctx is cancelled
// or a fatal error occurs.
func (e *Engine) Run(ctx context.Context) error {
	switch e.cfg.Mode.RunMode {
	case config.RunModeScanner:
		return e.runScanner(ctx)
	case config.RunModeBacktest:
		return e.RunBacktest(ctx)
	case config.RunModePaper:
		return e.runPaper(ctx)
	}
	return fmt.Errorf("unknown run_mode %q", e.cfg.Mode.RunMode)
}

func (e *Engine) runScanner(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.scannerLoop(ctx) })
	if e.cfg.Telemetry.Enabled {
		g.Go(func() error { return e.metrics.Serve(ctx, e.cfg.Telemetry.Addr, e.log) })
	}
	return ignoreCancel(g.Wait())
}

func (e *Engine) runPaper(ctx context.Context) error {
	if e.cfg.Mode.TradeMode != config.TradeModePaper {
		return fmt.Errorf("paper run requires mode.trade_mode=paper")
	}
	if err := e.preparePaperState(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.scannerLoop(ctx) })
	g.Go(func() error { return e.feedLoop(ctx) })
	g.Go(func() error { return e.strategyLoop(ctx) })
	g.Go(func() error { return e.snapshotLoop(ctx) })
	if e.cfg.Risk.UnwindIntervalSecs > 0 {
		g.Go(func() error { return e.unwindLoop(ctx) })
	}
	if e.cfg.Telemetry.Enabled {
		g.Go(func() error { return e.metrics.Serve(ctx, e.cfg.Telemetry.Addr, e.log) })
	}
	return ignoreCancel(g.Wait())
}

// preparePaperState applies reset-on-start or rehydrates the portfolio from
// the latest persisted snapshots, so paper restarts keep (or deliberately
// drop) open positions and realized history.
func (e *Engine) preparePaperState() error {
	if e.cfg.Paper.ResetOnStart {
		if err := e.store.ClearTradingState(); err != nil {
			return fmt.Errorf("reset paper state: %w", err)
		}
		e.log.Info("paper state reset, starting flat")
		return nil
	}
	if !e.cfg.Paper.RehydratePortfolio {
		return nil
	}
	snaps, err := e.store.LatestPositions(1000)
	if err != nil {
		return fmt.Errorf("rehydrate portfolio: %w", err)
	}
	restored := 0
	e.state.Locked(func() {
		for _, s := range snaps {
			if s.Position == 0 && s.RealizedPnL == 0 {
				continue
			}
			e.portfolio.Restore(portfolio.Position{
				MarketID:    s.MarketID,
				EventID:     s.EventID,
				Qty:         s.Position,
				AvgPrice:    s.AvgPrice,
				RealizedPnL: s.RealizedPnL,
				LastMark:    s.MarkPrice,
				OpenedTS:    s.OpenedTS,
			})
			restored++
		}
	})
	if restored > 0 {
		e.log.Info("portfolio rehydrated", "positions", restored)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Loops
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) scannerLoop(ctx context.Context) error {
	// Immediate scan on startup, then on the refresh interval.
	e.scanOnce(ctx)

	ticker := time.NewTicker(time.Duration(e.cfg.Markets.MarketRefreshSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.scanOnce(ctx)
		}
	}
}

// scanOnce refreshes the watchlist. On failure the previous ranking is
// retained until the next successful scan.
func (e *Engine) scanOnce(ctx context.Context) {
	markets, err := e.discovery.FetchMarkets(ctx, discoveryLimit)
	if err != nil {
		e.log.Error("scan failed", "error", err)
		if serr := e.store.UpsertRuntimeStatus(store.RuntimeStatus{Component: "scanner", Level: "error",
			Message: "market discovery failed", Detail: err.Error(), UpdatedTS: e.clock.Unix()}); serr != nil {
			e.log.Debug("runtime status write failed", "error", serr)
		}
		return
	}
	top, eligible := market.RankAndFilter(markets,
		e.cfg.Markets.Min24hVolumeUSD,
		e.cfg.Markets.MinLiquidityUSD,
		e.cfg.Markets.TopN,
	)

	ts := e.clock.Unix()
	if err := e.store.UpsertMarkets(eligible, ts); err != nil {
		e.log.Error("market upsert failed", "error", err)
	}
	if err := e.store.InsertScannerSnapshot(ts, len(eligible), len(top)); err != nil {
		e.log.Error("scanner snapshot failed", "error", err)
	}

	byID := make(map[string]types.MarketInfo, len(eligible))
	for _, m := range eligible {
		byID[m.MarketID] = m
	}
	ranked := make([]string, len(top))
	for i, m := range top {
		ranked[i] = m.MarketID
	}
	e.state.ReplaceMarkets(byID, ranked)

	if err := e.store.ReplaceWatchlist(ranked, ts); err != nil {
		e.log.Error("watchlist update failed", "error", err)
	}
	e.metrics.ScanCycles.Inc()
	if err := e.store.UpsertRuntimeStatus(store.RuntimeStatus{Component: "scanner", Level: "ok",
		Message: fmt.Sprintf("scan complete (eligible %d, top %d)", len(eligible), len(top)), UpdatedTS: ts}); err != nil {
		e.log.Debug("runtime status write failed", "error", err)
	}
	e.log.Info("scan complete", "eligible", len(eligible), "top", len(top))
}

func (e *Engine) feedLoop(ctx context.Context) error {
	events := e.feed.Events(ctx, e.state.Ranked)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, open := <-events:
			if !open {
				return ctx.Err()
			}
			e.handleFeedEvent(ctx, ev)
		}
	}
}

// handleFeedEvent is the single ingestion path shared by live trading and
// backtest replay.
func (e *Engine) handleFeedEvent(ctx context.Context, ev types.FeedEvent) {
	switch evt := ev.(type) {
	case types.BookEvent:
		e.metrics.FeedEvents.WithLabelValues(types.TapeKindTOB).Inc()
		e.state.SetTOB(evt.MarketID, evt.TOB, e.clock.Unix())
		fills, err := e.broker.OnBook(ctx, evt.MarketID, evt.TOB)
		if err != nil {
			e.log.Error("broker on_book failed", "market", evt.MarketID, "error", err)
		}
		e.applyFills(fills)
	case types.TradeEvent:
		e.metrics.FeedEvents.WithLabelValues(types.TapeKindTrade).Inc()
		e.state.SetLastTrade(evt.MarketID, evt.Trade, e.clock.Unix())
		fills, err := e.broker.OnTrade(ctx, evt.MarketID, evt.Trade)
		if err != nil {
			e.log.Error("broker on_trade failed", "market", evt.MarketID, "error", err)
		}
		e.applyFills(fills)
	}
}

// applyFills books simulated fills into the portfolio under the shared lock.
func (e *Engine) applyFills(fills []types.Fill) {
	if len(fills) == 0 {
		return
	}
	eventIDs := make([]string, len(fills))
	for i, f := range fills {
		eventIDs[i] = "event:" + f.MarketID
		if m, exists := e.state.Market(f.MarketID); exists {
			eventIDs[i] = m.EventID
		}
	}
	e.state.Locked(func() {
		for i, f := range fills {
			e.portfolio.ApplyFill(f, eventIDs[i])
		}
	})
}

func (e *Engine) strategyLoop(ctx context.Context) error {
	ticker := time.NewTicker(strategyCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, marketID := range e.state.Ranked() {
				e.runMarket(ctx, marketID)
			}
		}
	}
}

// runMarket evaluates all strategies for one market. A failure in one
// market never takes down the loop or other markets.
func (e *Engine) runMarket(ctx context.Context, marketID string) {
	e.maybeCloseBeforeEnd(ctx, marketID)
	sctx := e.strategyContext()
	for _, strat := range e.strategies {
		e.runStrategy(ctx, sctx, strat, marketID)
	}
}

func (e *Engine) runStrategy(ctx context.Context, sctx *strategy.Context, strat strategy.Strategy, marketID string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("strategy panic", "strategy", strat.Name(), "market", marketID, "panic", r)
		}
	}()
	if err := strat.OnMarket(ctx, sctx, marketID); err != nil {
		e.log.Error("strategy error", "strategy", strat.Name(), "market", marketID, "error", err)
	}
}

func (e *Engine) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(snapshotCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.persistSnapshots()
		}
	}
}

// persistSnapshots marks every position (mid → available side → entry),
// records the mark on the position, and writes per-market plus aggregate
// snapshots. Store failures are telemetry failures: logged, never fatal.
func (e *Engine) persistSnapshots() {
	ts := e.clock.Unix()
	tobs := e.state.TOBs()

	var rows []store.PositionSnapshot
	var totalU, totalR float64
	e.state.Locked(func() {
		totalR = e.portfolio.TotalRealized()
		for marketID, pos := range e.portfolio.Positions() {
			mark := pos.AvgPrice
			if tob, exists := tobs[marketID]; exists {
				if m, hasMid := tob.Mid(); hasMid {
					mark = m
				}
			}
			u := pos.MarkToMarket(mark)
			totalU += u
			rows = append(rows, store.PositionSnapshot{
				TS:            ts,
				MarketID:      marketID,
				EventID:       pos.EventID,
				Position:      pos.Qty,
				AvgPrice:      pos.AvgPrice,
				MarkPrice:     mark,
				UnrealizedPnL: u,
				RealizedPnL:   pos.RealizedPnL,
				OpenedTS:      pos.OpenedTS,
			})
		}
	})

	for _, row := range rows {
		if err := e.store.InsertPositionSnapshot(row); err != nil {
			e.log.Error("position snapshot failed", "market", row.MarketID, "error", err)
		}
	}
	if err := e.store.InsertPnLSnapshot(store.PnLSnapshot{
		TS:              ts,
		TotalUnrealized: totalU,
		TotalRealized:   totalR,
		TotalPnL:        totalU + totalR,
	}); err != nil {
		e.log.Error("pnl snapshot failed", "error", err)
	}

	e.metrics.TotalPnL.Set(totalU + totalR)
	e.metrics.RealizedPnL.Set(totalR)
	e.metrics.OpenPositions.Set(float64(e.openCount()))
}

func (e *Engine) openCount() int {
	var n int
	e.state.Locked(func() { n = e.portfolio.OpenCount() })
	return n
}

// ————————————————————————————————————————————————————————————————————————
// Unwind & end-of-market flattening
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) unwindLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(e.cfg.Risk.UnwindIntervalSecs * float64(time.Second)))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.unwindOnce(ctx)
		}
	}
}

// unwindOnce flattens positions that are too old, and the oldest positions
// beyond the open-position cap. Per-market attempts are throttled and each
// cycle is capped so the loop can't spam the book.
func (e *Engine) unwindOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("unwind panic", "panic", r)
		}
	}()

	now := e.clock.Unix()

	type openPos struct {
		marketID string
		openedTS float64
	}
	var open []openPos
	e.state.Locked(func() {
		for id, p := range e.portfolio.Positions() {
			if p.Qty != 0 {
				open = append(open, openPos{marketID: id, openedTS: p.OpenedTS})
			}
		}
	})

	selected := make(map[string]bool)
	var candidates []string
	if e.cfg.Risk.MaxPosAgeSecs > 0 {
		for _, p := range open {
			if p.openedTS > 0 && now-p.openedTS > e.cfg.Risk.MaxPosAgeSecs {
				selected[p.marketID] = true
				candidates = append(candidates, p.marketID)
			}
		}
	}
	if maxOpen := e.cfg.Risk.MaxOpenPositions; maxOpen > 0 && len(open) > maxOpen {
		sort.Slice(open, func(i, j int) bool { return open[i].openedTS < open[j].openedTS })
		for _, p := range open[:len(open)-maxOpen] {
			if !selected[p.marketID] {
				selected[p.marketID] = true
				candidates = append(candidates, p.marketID)
			}
		}
	}

	attempted := 0
	for _, marketID := range candidates {
		if e.cfg.Risk.UnwindMaxMarketsPerCycle > 0 && attempted >= e.cfg.Risk.UnwindMaxMarketsPerCycle {
			break
		}
		if now-e.unwindLastTry[marketID] < unwindRetrySecs {
			continue
		}
		e.unwindLastTry[marketID] = now
		attempted++
		if err := e.flatten(ctx, marketID, true, "inventory_unwind"); err != nil {
			e.log.Error("unwind failed", "market", marketID, "error", err)
		}
	}
}

// maybeCloseBeforeEnd flattens a position when its market is about to
// resolve.
func (e *Engine) maybeCloseBeforeEnd(ctx context.Context, marketID string) {
	m, tob, known := e.state.Snapshot(marketID)
	if !known || m.EndTS == 0 || tob == nil {
		return
	}
	if m.EndTS-e.clock.Unix() > e.cfg.Risk.StopBeforeEndSecs {
		return
	}
	var qty float64
	e.state.Locked(func() {
		if p := e.portfolio.Get(marketID); p != nil {
			qty = p.Qty
		}
	})
	if qty == 0 {
		return
	}
	if err := e.flatten(ctx, marketID, false, "risk_close_before_end"); err != nil {
		e.log.Error("close before end failed", "market", marketID, "error", err)
	}
}

// flatten crosses the spread to close the full position: long sells into
// the bid, short buys from the ask. Risk-gated; the order is reduce-only by
// construction so inventory limits cannot trap it.
func (e *Engine) flatten(ctx context.Context, marketID string, cancelFirst bool, reason string) error {
	m, tob, known := e.state.Snapshot(marketID)
	if !known || tob == nil {
		return nil
	}

	var qty float64
	e.state.Locked(func() {
		if p := e.portfolio.Get(marketID); p != nil {
			qty = p.Qty
		}
	})
	if qty == 0 {
		return nil
	}

	var side types.Side
	var px *float64
	if qty > 0 {
		side, px = types.Sell, tob.BestBid
	} else {
		side, px = types.Buy, tob.BestAsk
	}
	if px == nil {
		return nil
	}
	size := math.Abs(qty)

	res := e.risk.PreTrade(risk.Check{
		MarketID:  marketID,
		EventID:   m.EventID,
		Side:      side,
		Price:     *px,
		Size:      size,
		TOB:       tob,
		Portfolio: e.portfolio,
	})
	if !res.OK {
		return nil
	}

	if cancelFirst {
		if err := e.broker.CancelAllMarket(ctx, marketID); err != nil {
			return err
		}
	}
	_, err := e.broker.PlaceLimit(ctx, types.OrderRequest{
		MarketID: marketID,
		Side:     side,
		Price:    *px,
		Size:     size,
		Meta:     map[string]any{"strategy": reason},
	})
	if err != nil {
		return err
	}
	e.log.Info("flatten order placed", "market", marketID, "side", side, "price", *px, "size", size, "reason", reason)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// meteredBroker decorates a Broker with order/fill counters.
type meteredBroker struct {
	inner   broker.Broker
	metrics *telemetry.Metrics
}

func (b *meteredBroker) PlaceLimit(ctx context.Context, req types.OrderRequest) (types.Order, error) {
	o, err := b.inner.PlaceLimit(ctx, req)
	if err == nil {
		b.metrics.OrdersPlaced.WithLabelValues(string(req.Side)).Inc()
	}
	return o, err
}

func (b *meteredBroker) Cancel(ctx context.Context, orderID string) error {
	err := b.inner.Cancel(ctx, orderID)
	if err == nil {
		b.metrics.OrdersCancelled.Inc()
	}
	return err
}

func (b *meteredBroker) CancelAllMarket(ctx context.Context, marketID string) error {
	return b.inner.CancelAllMarket(ctx, marketID)
}

func (b *meteredBroker) OnBook(ctx context.Context, marketID string, tob types.TopOfBook) ([]types.Fill, error) {
	fills, err := b.inner.OnBook(ctx, marketID, tob)
	b.countFills(fills)
	return fills, err
}

func (b *meteredBroker) OnTrade(ctx context.Context, marketID string, trade types.TradeTick) ([]types.Fill, error) {
	fills, err := b.inner.OnTrade(ctx, marketID, trade)
	b.countFills(fills)
	return fills, err
}

func (b *meteredBroker) countFills(fills []types.Fill) {
	for _, f := range fills {
		model, _ := f.Meta["fill_model"].(string)
		b.metrics.Fills.WithLabelValues(model, string(f.Side)).Inc()
	}
}

// ignoreCancel maps a context-cancel shutdown onto a clean exit.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
