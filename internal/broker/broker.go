// Package broker defines the execution interface and the paper simulator.
//
// A Broker owns the agent's open-order blotter. The engine feeds it every
// normalized book and trade event; the paper implementation uses those to
// simulate fills under one of three models, from optimistic (on_book_cross)
// to pessimistic (trade_through). The live implementation is a stub.
package broker

import (
	"context"

	"polymarket-agent/pkg/types"
)

// Broker is the execution capability set shared by paper and live modes.
type Broker interface {
	// PlaceLimit records a new open limit order and persists it.
	PlaceLimit(ctx context.Context, req types.OrderRequest) (types.Order, error)
	// Cancel transitions an open order to cancelled; a no-op otherwise.
	Cancel(ctx context.Context, orderID string) error
	// CancelAllMarket cancels every open order in one market.
	CancelAllMarket(ctx context.Context, marketID string) error
	// OnBook reacts to a top-of-book update and returns any simulated fills.
	OnBook(ctx context.Context, marketID string, tob types.TopOfBook) ([]types.Fill, error)
	// OnTrade reacts to a public trade print and returns any simulated fills.
	OnTrade(ctx context.Context, marketID string, trade types.TradeTick) ([]types.Fill, error)
}

// Journal is the slice of the store the broker persists through.
type Journal interface {
	InsertOrder(o types.Order, meta map[string]any) error
	UpdateOrderStatus(orderID string, status types.OrderStatus, filledSize float64) error
	InsertFill(f types.Fill) error
}
