// Package feed produces the normalized market-data stream the engine
// consumes: BookEvent and TradeEvent values on a single channel.
//
// Implementations share three contracts:
//
//   - BookEvent timestamps are the local observation time, not the upstream
//     exchange time, so the feed-lag circuit breaker measures liveness.
//   - A BookEvent is emitted for every upstream observation even when
//     prices are unchanged (heartbeat), keeping quiet markets tradeable.
//   - The subscription set is re-derived from the provider callback on
//     every cycle, so the watchlist can rotate without restarting the feed.
//
// Feeds append market-data records to the tape as they observe them; the
// engine replays the same records in backtests.
package feed

import (
	"context"

	"polymarket-agent/internal/store"
	"polymarket-agent/pkg/types"
)

// MarketIDsProvider returns the current subscription set.
type MarketIDsProvider func() []string

// Feed is the normalized event-stream capability.
type Feed interface {
	// Events starts the stream. The returned channel closes when ctx is
	// cancelled. Transient upstream failures reconnect internally; the
	// stream itself survives them.
	Events(ctx context.Context, provider MarketIDsProvider) <-chan types.FeedEvent
}

// Recorder is the slice of the store feeds write through.
type Recorder interface {
	AppendTape(ts float64, marketID, kind string, payload []byte) error
	UpsertRuntimeStatus(st store.RuntimeStatus) error
}
