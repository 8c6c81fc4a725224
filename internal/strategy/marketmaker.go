package strategy

import (
	"context"
	"math"
	"strings"

	"polymarket-agent/internal/pricing"
	"polymarket-agent/internal/risk"
	"polymarket-agent/pkg/types"
)

// joinTouchMaxInv is the inventory fraction beyond which the maker stops
// joining the touch on the side that would grow the position further.
const joinTouchMaxInv = 0.5

// MarketMaker maintains one resting quote per side around a fair value,
// skewed against inventory.
//
// The fair defaults to an external odds source but falls back to the book
// mid whenever the source is the mock provider (or strict mode disables
// external odds entirely) — placeholder odds would park quotes far from the
// book and nothing would ever fill. Quote prices live on the tick grid:
// bids round down, asks round up, and neither may cross the current touch
// by more than a tick.
type MarketMaker struct {
	quotes map[string]*quotePair // market_id -> resting quote state
}

// quoteSide tracks one resting quote.
type quoteSide struct {
	orderID  string
	placedTS float64
	targetPx float64
}

type quotePair struct {
	bid quoteSide
	ask quoteSide
}

// NewMarketMaker creates the quoting strategy.
func NewMarketMaker() *MarketMaker {
	return &MarketMaker{quotes: make(map[string]*quotePair)}
}

func (s *MarketMaker) Name() string { return "market_making" }

// OnMarket recomputes targets for one market and converges the resting
// quotes toward them.
func (s *MarketMaker) OnMarket(ctx context.Context, sctx *Context, marketID string) error {
	m, tob, known := sctx.State.Snapshot(marketID)
	if !known || tob == nil || tob.BestBid == nil || tob.BestAsk == nil {
		return nil
	}
	bestBid, bestAsk := *tob.BestBid, *tob.BestAsk
	mid := 0.5 * (bestBid + bestAsk)

	fair, meta := s.fairValue(ctx, sctx, m, mid)

	cfg := sctx.Cfg.Strategy
	tick := pricing.Clamp(cfg.PriceTick, 1e-6, 0.5)

	qty := positionQty(sctx, marketID)
	maxPos := math.Max(1, sctx.Cfg.Risk.MaxPosPerMarket)
	invFrac := pricing.Clamp(qty/maxPos, -1, 1)

	// Width adapts to the observed spread but stays inside the configured
	// cap and above the 6-tick floor.
	spread := bestAsk - bestBid
	widthCap := math.Max(cfg.MMQuoteWidth, 2*tick)
	width := math.Min(widthCap, math.Max(spread+2*tick, 6*tick))
	skew := -invFrac * cfg.MMInventorySkew * width

	bid := pricing.Clamp(fair+skew-width/2, tick, 1-tick)
	ask := pricing.Clamp(fair+skew+width/2, tick, 1-tick)

	if cfg.MMJoinTouch {
		if invFrac < joinTouchMaxInv {
			bid = math.Max(bid, bestBid)
		}
		if invFrac > -joinTouchMaxInv {
			ask = math.Min(ask, bestAsk)
		}
	}

	// Never cross the current touch.
	bid = math.Min(bid, bestAsk-tick)
	ask = math.Max(ask, bestBid+tick)

	// Snap onto the grid: bids floor, asks ceil. Then re-clamp: the grid
	// snap or the [tick, 1-tick] clamp can push a price back over the touch.
	bid = pricing.Clamp(pricing.FloorToTick(bid, tick), tick, 1-tick)
	ask = pricing.Clamp(pricing.CeilToTick(ask, tick), tick, 1-tick)
	bid = math.Min(bid, bestAsk-tick)
	ask = math.Max(ask, bestBid+tick)

	if bid >= ask {
		return nil
	}

	q := s.quotes[marketID]
	if q == nil {
		q = &quotePair{}
		s.quotes[marketID] = q
	}

	if err := s.ensureQuote(ctx, sctx, m, &q.bid, types.Buy, bid, tob, meta); err != nil {
		return err
	}
	return s.ensureQuote(ctx, sctx, m, &q.ask, types.Sell, ask, tob, meta)
}

// fairValue picks the quote center: external odds when trustworthy, book
// mid otherwise. Meta records which source actually drove the quote; the
// external_source key is present only when an external fair was used.
func (s *MarketMaker) fairValue(ctx context.Context, sctx *Context, m types.MarketInfo, mid float64) (float64, map[string]any) {
	meta := map[string]any{"strategy": s.Name(), "mid": mid}

	if sctx.Cfg.Mode.DisallowMockData {
		meta["fair"] = mid
		meta["source"] = "book_mid"
		return mid, meta
	}

	ext, err := sctx.Odds.FairProb(ctx, m)
	useMid := err != nil || strings.ToLower(ext.Source) == "mock"
	if useMid {
		meta["fair"] = mid
		meta["source"] = "book_mid"
		return mid, meta
	}

	fair := pricing.ProbToPrice(ext.FairProb)
	meta["fair"] = fair
	meta["source"] = ext.Source
	meta["external_source"] = ext.Source
	return fair, meta
}

// ensureQuote converges one side toward its target. A quote is replaced
// when none exists, when it has rested past the minimum life, or when the
// target moved past the reprice threshold. A risk rejection pulls the side.
func (s *MarketMaker) ensureQuote(
	ctx context.Context,
	sctx *Context,
	m types.MarketInfo,
	side *quoteSide,
	dir types.Side,
	target float64,
	tob *types.TopOfBook,
	meta map[string]any,
) error {
	cfg := sctx.Cfg.Strategy
	now := sctx.Clock.Unix()

	threshold := cfg.MMRepriceThreshold
	if threshold <= 0 {
		threshold = 0.001
	}

	needsReplace := side.orderID == "" ||
		now-side.placedTS >= cfg.MMMinQuoteLifeSecs ||
		math.Abs(side.targetPx-target) >= threshold
	if !needsReplace {
		return nil
	}

	res := sctx.Risk.PreTrade(risk.Check{
		MarketID:  m.MarketID,
		EventID:   m.EventID,
		Side:      dir,
		Price:     target,
		Size:      cfg.BaseOrderSize,
		TOB:       tob,
		Portfolio: sctx.Portfolio,
	})
	if !res.OK {
		if side.orderID != "" {
			if err := sctx.Broker.Cancel(ctx, side.orderID); err != nil {
				return err
			}
			side.orderID = ""
		}
		return nil
	}

	if side.orderID != "" {
		if err := sctx.Broker.Cancel(ctx, side.orderID); err != nil {
			return err
		}
		side.orderID = ""
	}

	o, err := sctx.Broker.PlaceLimit(ctx, types.OrderRequest{
		MarketID: m.MarketID,
		Side:     dir,
		Price:    target,
		Size:     cfg.BaseOrderSize,
		Meta:     meta,
	})
	if err != nil {
		return err
	}
	side.orderID = o.OrderID
	side.placedTS = now
	side.targetPx = target

	sctx.Log.Info("quote placed",
		"strategy", s.Name(),
		"market", m.MarketID,
		"side", dir,
		"price", target,
		"size", cfg.BaseOrderSize,
		"order_id", o.OrderID,
	)
	return nil
}
