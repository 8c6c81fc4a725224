package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"polymarket-agent/internal/clock"
	"polymarket-agent/internal/config"
	"polymarket-agent/pkg/types"
)

// touchEps is the float tolerance for "was this order resting at the
// touch". Prices are ticked but not exactly representable.
const touchEps = 1e-4

// Paper simulates execution against the live feed.
//
// Fill models:
//
//   - on_book_cross: fill when the TOB reaches the limit. An order whose
//     limit is strictly through the current touch fills at the touch; an
//     order whose limit equals the touch fills at its own limit (no free
//     improvement).
//   - maker_touch: on_book_cross crossings plus passive fills — an order
//     resting at the best on its side is assumed filled when the touch
//     moves away from it. Needs a previous TOB; the first observation only
//     seeds it.
//   - trade_through: resting limits fill only when the tape prints through
//     the price with an opposing aggressor. Most pessimistic.
//
// Fills are all-or-nothing for the order's full remaining size. All
// operations serialize on one mutex; the only work done while holding it
// besides map updates is persisting the transition: one journal call for a
// placement or a cancel, two for a fill (the status update and the fill
// record).
type Paper struct {
	journal Journal
	clock   clock.Clock
	log     *slog.Logger

	fillModel   string
	minRestSecs float64
	shadow      bool // execution_mode=shadow: orders rest forever, never fill

	mu      sync.Mutex
	orders  map[string]*types.Order
	byMkt   map[string][]string // market_id -> open order ids, placement order
	meta    map[string]map[string]any
	lastTOB map[string]types.TopOfBook
}

// PaperOption tweaks simulator construction.
type PaperOption func(*Paper)

// WithShadow disables fill simulation: orders are placed, logged, and
// persisted but never fill.
func WithShadow() PaperOption {
	return func(p *Paper) { p.shadow = true }
}

// NewPaper creates a paper broker with the configured fill model.
func NewPaper(cfg config.PaperConfig, journal Journal, clk clock.Clock, logger *slog.Logger, opts ...PaperOption) *Paper {
	p := &Paper{
		journal:     journal,
		clock:       clk,
		log:         logger.With("component", "paper_broker"),
		fillModel:   cfg.FillModel,
		minRestSecs: cfg.MinRestSecs,
		orders:      make(map[string]*types.Order),
		byMkt:       make(map[string][]string),
		meta:        make(map[string]map[string]any),
		lastTOB:     make(map[string]types.TopOfBook),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PlaceLimit records a new open order.
func (p *Paper) PlaceLimit(ctx context.Context, req types.OrderRequest) (types.Order, error) {
	if !req.Side.Valid() {
		return types.Order{}, fmt.Errorf("place limit: side must be buy|sell, got %q", req.Side)
	}
	order := types.Order{
		OrderID:   uuid.NewString(),
		MarketID:  req.MarketID,
		Side:      req.Side,
		Price:     req.Price,
		Size:      req.Size,
		CreatedTS: p.clock.Unix(),
		Status:    types.OrderOpen,
	}

	meta := cloneMeta(req.Meta)

	p.mu.Lock()
	p.orders[order.OrderID] = &order
	// Placement order makes fill evaluation deterministic, which replay
	// round-trips depend on.
	p.byMkt[req.MarketID] = append(p.byMkt[req.MarketID], order.OrderID)
	p.meta[order.OrderID] = meta
	err := p.journal.InsertOrder(order, meta)
	p.mu.Unlock()

	if err != nil {
		return order, fmt.Errorf("persist order: %w", err)
	}
	p.log.Info("order placed",
		"order_id", order.OrderID,
		"market", req.MarketID,
		"side", req.Side,
		"price", req.Price,
		"size", req.Size,
		"fill_model", p.fillModel,
	)
	return order, nil
}

// Cancel transitions an open order to cancelled. Cancelling a non-open
// order is a no-op.
func (p *Paper) Cancel(ctx context.Context, orderID string) error {
	p.mu.Lock()
	o, exists := p.orders[orderID]
	if !exists || o.Status != types.OrderOpen {
		p.mu.Unlock()
		return nil
	}
	o.Status = types.OrderCancelled
	p.removeOpenLocked(o)
	err := p.journal.UpdateOrderStatus(orderID, types.OrderCancelled, -1)
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("persist cancel: %w", err)
	}
	p.log.Info("order cancelled", "order_id", orderID)
	return nil
}

// CancelAllMarket cancels every open order in the market.
func (p *Paper) CancelAllMarket(ctx context.Context, marketID string) error {
	p.mu.Lock()
	ids := make([]string, len(p.byMkt[marketID]))
	copy(ids, p.byMkt[marketID])
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.Cancel(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Order returns a copy of the blotter entry, if known.
func (p *Paper) Order(orderID string) (types.Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, exists := p.orders[orderID]
	if !exists {
		return types.Order{}, false
	}
	return *o, true
}

// OpenOrders returns copies of all open orders for a market.
func (p *Paper) OpenOrders(marketID string) []types.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.Order
	for _, id := range p.byMkt[marketID] {
		if o := p.orders[id]; o != nil && o.Status == types.OrderOpen {
			out = append(out, *o)
		}
	}
	return out
}

// OnBook runs the TOB-driven fill models.
func (p *Paper) OnBook(ctx context.Context, marketID string, tob types.TopOfBook) ([]types.Fill, error) {
	if p.fillModel != config.FillModelOnBookCross && p.fillModel != config.FillModelMakerTouch {
		return nil, nil
	}

	now := p.clock.Unix()
	var fills []types.Fill

	p.mu.Lock()
	prev, hasPrev := p.lastTOB[marketID]
	p.lastTOB[marketID] = tob
	if p.shadow {
		p.mu.Unlock()
		return nil, nil
	}
	for _, id := range append([]string(nil), p.byMkt[marketID]...) {
		o := p.orders[id]
		if o == nil || o.Status != types.OrderOpen {
			continue
		}
		if p.minRestSecs > 0 && now-o.CreatedTS < p.minRestSecs {
			continue
		}

		fillPrice, filled := crossFill(o, tob)
		model := p.fillModel
		if !filled && p.fillModel == config.FillModelMakerTouch && hasPrev {
			fillPrice, filled = makerTouchFill(o, prev, tob)
		}
		if !filled {
			continue
		}

		meta := cloneMeta(p.meta[id])
		meta["fill_model"] = model
		meta["tob_best_bid"] = deref(tob.BestBid)
		meta["tob_best_ask"] = deref(tob.BestAsk)
		meta["tob_ts"] = tob.TS
		if p.fillModel == config.FillModelMakerTouch && hasPrev {
			meta["prev_tob_best_bid"] = deref(prev.BestBid)
			meta["prev_tob_best_ask"] = deref(prev.BestAsk)
			meta["prev_tob_ts"] = prev.TS
		}

		f := p.fillLocked(o, fillPrice, now, meta)
		fills = append(fills, f)
	}
	p.mu.Unlock()

	p.logFills(fills)
	return fills, nil
}

// OnTrade runs the trade_through fill model.
func (p *Paper) OnTrade(ctx context.Context, marketID string, trade types.TradeTick) ([]types.Fill, error) {
	if p.fillModel != config.FillModelTradeThrough || p.shadow {
		return nil, nil
	}

	now := p.clock.Unix()
	var fills []types.Fill

	p.mu.Lock()
	for _, id := range append([]string(nil), p.byMkt[marketID]...) {
		o := p.orders[id]
		if o == nil || o.Status != types.OrderOpen {
			continue
		}
		if p.minRestSecs > 0 && now-o.CreatedTS < p.minRestSecs {
			continue
		}

		// A resting bid needs a sell print at/below it; a resting ask
		// needs a buy print at/above it.
		if o.Side == types.Buy {
			if trade.Side != types.Sell || trade.Price > o.Price {
				continue
			}
		} else {
			if trade.Side != types.Buy || trade.Price < o.Price {
				continue
			}
		}

		meta := cloneMeta(p.meta[id])
		meta["fill_model"] = config.FillModelTradeThrough
		meta["trade_px"] = trade.Price
		meta["trade_sz"] = trade.Size
		meta["trade_side"] = string(trade.Side)
		meta["trade_ts"] = trade.TS

		// Pessimistic: fill at the order's own limit, never better.
		f := p.fillLocked(o, o.Price, now, meta)
		fills = append(fills, f)
	}
	p.mu.Unlock()

	p.logFills(fills)
	return fills, nil
}

// crossFill applies the on_book_cross rule (also the "sanity" half of
// maker_touch). Returns the fill price and whether the order fills.
func crossFill(o *types.Order, tob types.TopOfBook) (float64, bool) {
	if o.Side == types.Buy && tob.BestAsk != nil && o.Price >= *tob.BestAsk {
		if o.Price > *tob.BestAsk {
			return *tob.BestAsk, true // crossed on entry: pay the ask
		}
		return o.Price, true // resting: no free improvement
	}
	if o.Side == types.Sell && tob.BestBid != nil && o.Price <= *tob.BestBid {
		if o.Price < *tob.BestBid {
			return *tob.BestBid, true
		}
		return o.Price, true
	}
	return 0, false
}

// makerTouchFill simulates the passive half of maker_touch: if the order
// was resting at the best on its side and the touch moved away by more
// than touchEps, assume the order was hit/lifted at its limit.
func makerTouchFill(o *types.Order, prev, tob types.TopOfBook) (float64, bool) {
	if o.Side == types.Buy && prev.BestBid != nil && tob.BestBid != nil {
		wasAtTouch := math.Abs(o.Price-*prev.BestBid) <= touchEps
		if wasAtTouch && *tob.BestBid < o.Price-touchEps {
			return o.Price, true
		}
	}
	if o.Side == types.Sell && prev.BestAsk != nil && tob.BestAsk != nil {
		wasAtTouch := math.Abs(o.Price-*prev.BestAsk) <= touchEps
		if wasAtTouch && *tob.BestAsk > o.Price+touchEps {
			return o.Price, true
		}
	}
	return 0, false
}

// fillLocked books an all-or-nothing fill for the order's remaining size.
// Caller holds p.mu.
func (p *Paper) fillLocked(o *types.Order, price, now float64, meta map[string]any) types.Fill {
	f := types.Fill{
		FillID:   uuid.NewString(),
		OrderID:  o.OrderID,
		MarketID: o.MarketID,
		Side:     o.Side,
		Price:    price,
		Size:     o.Size - o.FilledSize,
		TS:       now,
		Meta:     meta,
	}
	o.FilledSize = o.Size
	o.Status = types.OrderFilled
	p.removeOpenLocked(o)

	if err := p.journal.UpdateOrderStatus(o.OrderID, types.OrderFilled, o.FilledSize); err != nil {
		p.log.Error("persist fill status", "order_id", o.OrderID, "error", err)
	}
	if err := p.journal.InsertFill(f); err != nil {
		p.log.Error("persist fill", "fill_id", f.FillID, "error", err)
	}
	return f
}

func (p *Paper) removeOpenLocked(o *types.Order) {
	ids := p.byMkt[o.MarketID]
	for i, id := range ids {
		if id == o.OrderID {
			p.byMkt[o.MarketID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (p *Paper) logFills(fills []types.Fill) {
	for _, f := range fills {
		p.log.Info("paper fill",
			"fill_id", f.FillID,
			"order_id", f.OrderID,
			"market", f.MarketID,
			"side", f.Side,
			"price", f.Price,
			"size", f.Size,
			"model", f.Meta["fill_model"],
		)
	}
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+6)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func deref(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
