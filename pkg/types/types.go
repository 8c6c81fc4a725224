// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the agent — market metadata,
// top-of-book snapshots, trade prints, orders, fills, and the normalized
// feed events the engine consumes. It has no dependencies on internal
// packages, so it can be imported by any layer.
//
// Timestamps are float64 unix seconds throughout. The tape persists these
// values verbatim, so live recording and backtest replay share one schema.
package types

import "encoding/json"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Sign returns +1 for buy, -1 for sell.
func (s Side) Sign() float64 {
	if s == Buy {
		return 1
	}
	return -1
}

// OrderStatus enumerates the order lifecycle. Transitions are monotonic:
// open → filled | cancelled; filled and cancelled are terminal.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketInfo is the internal representation of a binary prediction market.
// Populated by discovery and upserted on every refresh. MarketID is
// immutable; EventID groups markets that settle on the same real-world
// event and is the key for exposure aggregation.
type MarketInfo struct {
	MarketID     string
	Question     string
	EventID      string
	Active       bool
	EndTS        float64 // unix seconds; 0 = unknown
	Volume24hUSD float64
	LiquidityUSD float64

	// Optional CLOB identifiers used by the websocket market channel.
	ConditionID string
	ClobTokenID string // token/asset id for the primary ("Yes") outcome
}

// TopOfBook is the best bid/ask observed for one market. Either side may be
// absent (nil). TS is the local observation time, not the upstream exchange
// timestamp — the feed-lag circuit breaker depends on this.
type TopOfBook struct {
	BestBid     *float64
	BestBidSize *float64
	BestAsk     *float64
	BestAskSize *float64
	TS          float64
}

// Mid returns the midpoint when both sides are present, else the available
// side. ok is false when the book is empty.
func (t TopOfBook) Mid() (mid float64, ok bool) {
	switch {
	case t.BestBid != nil && t.BestAsk != nil:
		return 0.5 * (*t.BestBid + *t.BestAsk), true
	case t.BestBid != nil:
		return *t.BestBid, true
	case t.BestAsk != nil:
		return *t.BestAsk, true
	}
	return 0, false
}

// TradeTick is a single trade print from the public feed. Never mutated.
type TradeTick struct {
	MarketID string
	Price    float64
	Size     float64
	Side     Side
	TS       float64
}

// ————————————————————————————————————————————————————————————————————————
// Orders & fills
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the high-level placement intent produced by a strategy.
// Meta is carried through to the resulting order and any fills.
type OrderRequest struct {
	MarketID string
	Side     Side
	Price    float64
	Size     float64
	Meta     map[string]any
}

// Order is one entry in the broker's blotter.
type Order struct {
	OrderID    string
	MarketID   string
	Side       Side
	Price      float64
	Size       float64
	CreatedTS  float64
	Status     OrderStatus
	FilledSize float64
}

// Fill records an execution against an order. Meta includes the fill model
// and the TOB/trade context the broker observed at fill time.
type Fill struct {
	FillID   string
	OrderID  string
	MarketID string
	Side     Side
	Price    float64
	Size     float64
	TS       float64
	Meta     map[string]any
}

// ————————————————————————————————————————————————————————————————————————
// Feed events
// ————————————————————————————————————————————————————————————————————————

// FeedEvent is the tagged union delivered by feeds: BookEvent | TradeEvent.
type FeedEvent interface {
	Market() string
	feedEvent()
}

// BookEvent carries a fresh top-of-book observation. Feeds emit one for
// every upstream message received, even when prices are unchanged, so the
// observation timestamp keeps advancing ("heartbeat" semantics).
type BookEvent struct {
	MarketID string
	TOB      TopOfBook
}

func (e BookEvent) Market() string { return e.MarketID }
func (e BookEvent) feedEvent()     {}

// TradeEvent carries a public trade print.
type TradeEvent struct {
	MarketID string
	Trade    TradeTick
}

func (e TradeEvent) Market() string { return e.MarketID }
func (e TradeEvent) feedEvent()     {}

// ————————————————————————————————————————————————————————————————————————
// Tape payloads
// ————————————————————————————————————————————————————————————————————————
// The tape is schemaless at the store layer (opaque JSON per record) but
// structured per kind here. These codecs are the single source of truth for
// the wire shape, shared by live recording and backtest replay.

// Tape record kinds.
const (
	TapeKindTOB   = "tob"
	TapeKindTrade = "trade"
)

type tobPayload struct {
	BestBid     *float64 `json:"best_bid"`
	BestBidSize *float64 `json:"best_bid_size"`
	BestAsk     *float64 `json:"best_ask"`
	BestAskSize *float64 `json:"best_ask_size"`
	TS          float64  `json:"ts"`
}

type tradePayload struct {
	MarketID string  `json:"market_id"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
	Side     Side    `json:"side"`
	TS       float64 `json:"ts"`
}

// EncodeTOB serializes a TopOfBook for the tape.
func EncodeTOB(tob TopOfBook) ([]byte, error) {
	return json.Marshal(tobPayload{
		BestBid:     tob.BestBid,
		BestBidSize: tob.BestBidSize,
		BestAsk:     tob.BestAsk,
		BestAskSize: tob.BestAskSize,
		TS:          tob.TS,
	})
}

// DecodeTOB parses a "tob" tape payload.
func DecodeTOB(data []byte) (TopOfBook, error) {
	var p tobPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return TopOfBook{}, err
	}
	return TopOfBook{
		BestBid:     p.BestBid,
		BestBidSize: p.BestBidSize,
		BestAsk:     p.BestAsk,
		BestAskSize: p.BestAskSize,
		TS:          p.TS,
	}, nil
}

// EncodeTrade serializes a TradeTick for the tape.
func EncodeTrade(t TradeTick) ([]byte, error) {
	return json.Marshal(tradePayload{
		MarketID: t.MarketID,
		Price:    t.Price,
		Size:     t.Size,
		Side:     t.Side,
		TS:       t.TS,
	})
}

// DecodeTrade parses a "trade" tape payload.
func DecodeTrade(data []byte) (TradeTick, error) {
	var p tradePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return TradeTick{}, err
	}
	return TradeTick{
		MarketID: p.MarketID,
		Price:    p.Price,
		Size:     p.Size,
		Side:     p.Side,
		TS:       p.TS,
	}, nil
}

// F is a convenience for building optional price/size fields.
func F(v float64) *float64 { return &v }
