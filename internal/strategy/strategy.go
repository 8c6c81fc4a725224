// Package strategy implements the two trading strategies: a tick-grid
// market maker and a cross-venue fair-value taker.
//
// Strategies are pure consumers of a Context assembled by the engine. They
// snapshot (market, TOB) under the shared lock, compute without holding it,
// and express intent only through broker placements gated by the risk
// engine. They never store references back into the context.
package strategy

import (
	"context"
	"log/slog"

	"polymarket-agent/internal/broker"
	"polymarket-agent/internal/clock"
	"polymarket-agent/internal/config"
	"polymarket-agent/internal/odds"
	"polymarket-agent/internal/portfolio"
	"polymarket-agent/internal/risk"
	"polymarket-agent/internal/state"
)

// Context carries the engine-owned collaborators a strategy may use.
type Context struct {
	Cfg       *config.Config
	State     *state.Shared
	Broker    broker.Broker
	Risk      *risk.Engine
	Portfolio *portfolio.Portfolio
	Odds      odds.Provider
	Clock     clock.Clock
	Log       *slog.Logger
}

// Strategy is invoked periodically for each ranked market.
type Strategy interface {
	Name() string
	OnMarket(ctx context.Context, sctx *Context, marketID string) error
}

// positionQty reads the signed inventory for a market under the shared lock.
func positionQty(sctx *Context, marketID string) float64 {
	var qty float64
	sctx.State.Locked(func() {
		if p := sctx.Portfolio.Get(marketID); p != nil {
			qty = p.Qty
		}
	})
	return qty
}
