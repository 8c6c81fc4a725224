// Package portfolio tracks per-market positions and realized/unrealized P&L.
//
// The accounting model is deliberately simple: a signed quantity per market
// with a weighted average entry price. Extending a position reweights the
// average; reducing one books realized P&L on the closed portion; crossing
// through zero starts a fresh position at the fill price.
//
// Portfolio carries no lock of its own. The engine owns it and mutates it
// only on the fill-application path under the shared-state lock.
package portfolio

import (
	"math"

	"polymarket-agent/pkg/types"
)

// Position is the aggregate state for one market.
type Position struct {
	MarketID    string
	EventID     string
	Qty         float64 // signed: >0 long, <0 short
	AvgPrice    float64 // 0 when flat
	RealizedPnL float64
	LastMark    float64 // most recent mark price, maintained by the snapshot loop
	OpenedTS    float64 // when the current (sign-continuous) position was opened; 0 when flat
}

// MarkToMarket records the mark and returns the unrealized P&L at it.
func (p *Position) MarkToMarket(mark float64) float64 {
	p.LastMark = mark
	return (mark - p.AvgPrice) * p.Qty
}

// Portfolio maps market_id → Position.
type Portfolio struct {
	positions map[string]*Position
}

// New creates an empty portfolio.
func New() *Portfolio {
	return &Portfolio{positions: make(map[string]*Position)}
}

// Get returns the position for a market, or nil if none exists.
func (pf *Portfolio) Get(marketID string) *Position {
	return pf.positions[marketID]
}

// Positions exposes the underlying map for iteration. Callers must hold the
// engine's shared-state lock.
func (pf *Portfolio) Positions() map[string]*Position {
	return pf.positions
}

// GetOrCreate returns the position for a market, creating it lazily.
func (pf *Portfolio) GetOrCreate(marketID, eventID string) *Position {
	p, ok := pf.positions[marketID]
	if !ok {
		p = &Position{MarketID: marketID, EventID: eventID}
		pf.positions[marketID] = p
	}
	return p
}

// Restore seeds a position from a persisted snapshot (paper rehydration).
func (pf *Portfolio) Restore(p Position) {
	cp := p
	pf.positions[p.MarketID] = &cp
}

// ApplyFill books one execution.
//
// Extending (or opening from flat) reweights the average entry price.
// Reducing realizes P&L on the closed portion: longs earn (fill − avg),
// shorts earn (avg − fill). A fill that lands exactly flat clears the
// average and the opened timestamp; a fill that flips through zero restarts
// the position at the fill price with a fresh opened timestamp.
func (pf *Portfolio) ApplyFill(fill types.Fill, eventID string) {
	p := pf.GetOrCreate(fill.MarketID, eventID)
	// Keep event_id fresh in case the market was discovered late.
	p.EventID = eventID

	signed := fill.Size * fill.Side.Sign()
	oldQty := p.Qty
	newQty := p.Qty + signed

	// Same direction or opening from flat: weighted average
	if p.Qty == 0 || (p.Qty > 0) == (signed > 0) {
		notional := math.Abs(p.Qty)*p.AvgPrice + math.Abs(signed)*fill.Price
		p.Qty = newQty
		if p.Qty != 0 {
			p.AvgPrice = notional / math.Abs(p.Qty)
		} else {
			p.AvgPrice = 0
		}
		if oldQty == 0 && p.Qty != 0 {
			p.OpenedTS = fill.TS
		}
		return
	}

	// Reducing / flipping: realize P&L on the closed portion
	closed := math.Min(math.Abs(p.Qty), math.Abs(signed))
	if p.Qty > 0 {
		p.RealizedPnL += (fill.Price - p.AvgPrice) * closed
	} else {
		p.RealizedPnL += (p.AvgPrice - fill.Price) * closed
	}

	p.Qty = newQty
	if p.Qty == 0 {
		p.AvgPrice = 0
		p.OpenedTS = 0
		return
	}
	if (p.Qty > 0) == (signed > 0) {
		// Flipped through zero: the remainder is a new position at the fill price.
		p.AvgPrice = fill.Price
		p.OpenedTS = fill.TS
	}
}

// Unrealized computes mark-to-market P&L for one market against the given
// TOB (mid if both sides, else the available side). Returns 0 when the
// position or the book is absent.
func (pf *Portfolio) Unrealized(marketID string, tob *types.TopOfBook) float64 {
	p := pf.positions[marketID]
	if p == nil || tob == nil {
		return 0
	}
	mark, ok := tob.Mid()
	if !ok {
		return 0
	}
	return (mark - p.AvgPrice) * p.Qty
}

// TotalRealized sums realized P&L across all positions.
func (pf *Portfolio) TotalRealized() float64 {
	var total float64
	for _, p := range pf.positions {
		total += p.RealizedPnL
	}
	return total
}

// OpenCount returns the number of non-zero positions.
func (pf *Portfolio) OpenCount() int {
	n := 0
	for _, p := range pf.positions {
		if p.Qty != 0 {
			n++
		}
	}
	return n
}
