package strategy

import (
	"context"

	"polymarket-agent/internal/pricing"
	"polymarket-agent/internal/risk"
	"polymarket-agent/pkg/types"
)

// CrossVenue takes liquidity when the book disagrees with an external fair
// value by more than the configured buffers plus edge.
//
// The fair is made deliberately hard to beat: fee, slippage, and latency
// buffers shave it toward the trade (lower for buys, higher for sells), and
// edge_buffer demands extra distance beyond that. One trade per market per
// cooldown window.
type CrossVenue struct {
	lastTradeTS map[string]float64
}

// NewCrossVenue creates the taker strategy.
func NewCrossVenue() *CrossVenue {
	return &CrossVenue{lastTradeTS: make(map[string]float64)}
}

func (s *CrossVenue) Name() string { return "cross_venue_fv" }

// OnMarket checks the book against the buffered external fair.
func (s *CrossVenue) OnMarket(ctx context.Context, sctx *Context, marketID string) error {
	m, tob, known := sctx.State.Snapshot(marketID)
	if !known || tob == nil || tob.BestBid == nil || tob.BestAsk == nil {
		return nil
	}

	now := sctx.Clock.Unix()
	if now-s.lastTradeTS[marketID] < sctx.Cfg.Strategy.MinTradeCooldownSecs {
		return nil
	}

	ext, err := sctx.Odds.FairProb(ctx, m)
	if err != nil {
		// No external reference (e.g. strict mode): the taker has no signal.
		return nil
	}
	fairPrice := pricing.ProbToPrice(ext.FairProb)

	cfg := sctx.Cfg.Strategy
	buyFair, err := pricing.ApplyBuffers(fairPrice, cfg.FeesBps, cfg.SlippageBps, cfg.LatencyBps, types.Buy)
	if err != nil {
		return err
	}
	sellFair, err := pricing.ApplyBuffers(fairPrice, cfg.FeesBps, cfg.SlippageBps, cfg.LatencyBps, types.Sell)
	if err != nil {
		return err
	}
	edge := cfg.EdgeBuffer

	// Buy when the ask is cheap versus the buffered fair; sell when the
	// bid is rich. First match wins; never both in one pass.
	if *tob.BestAsk < buyFair-edge {
		return s.take(ctx, sctx, m, types.Buy, *tob.BestAsk, tob, fairPrice, ext.Source, now)
	}
	if *tob.BestBid > sellFair+edge {
		return s.take(ctx, sctx, m, types.Sell, *tob.BestBid, tob, fairPrice, ext.Source, now)
	}
	return nil
}

func (s *CrossVenue) take(
	ctx context.Context,
	sctx *Context,
	m types.MarketInfo,
	side types.Side,
	px float64,
	tob *types.TopOfBook,
	fairPrice float64,
	source string,
	now float64,
) error {
	size := sctx.Cfg.Strategy.BaseOrderSize

	res := sctx.Risk.PreTrade(risk.Check{
		MarketID:  m.MarketID,
		EventID:   m.EventID,
		Side:      side,
		Price:     px,
		Size:      size,
		TOB:       tob,
		Portfolio: sctx.Portfolio,
	})
	if !res.OK {
		return nil
	}

	_, err := sctx.Broker.PlaceLimit(ctx, types.OrderRequest{
		MarketID: m.MarketID,
		Side:     side,
		Price:    px,
		Size:     size,
		Meta: map[string]any{
			"strategy":   s.Name(),
			"fair_price": fairPrice,
			"source":     source,
		},
	})
	if err != nil {
		return err
	}
	s.lastTradeTS[m.MarketID] = now

	sctx.Log.Info("cross-venue signal",
		"strategy", s.Name(),
		"market", m.MarketID,
		"side", side,
		"price", px,
		"fair_price", fairPrice,
	)
	return nil
}
