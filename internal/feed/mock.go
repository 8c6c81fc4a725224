package feed

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"polymarket-agent/internal/clock"
	"polymarket-agent/internal/pricing"
	"polymarket-agent/pkg/types"
)

// Mock is an offline feed that synthesizes top-of-book and trade events for
// the currently ranked markets. It drives the full paper pipeline without
// connectivity and records everything it emits to the tape, so a mock
// session is replayable like a live one.
type Mock struct {
	recorder Recorder
	clock    clock.Clock
	log      *slog.Logger
	tickHz   float64
	rng      *rand.Rand

	mid map[string]float64
}

// NewMock creates the synthetic feed. The seed pins the price paths.
func NewMock(tickHz float64, seed int64, recorder Recorder, clk clock.Clock, logger *slog.Logger) *Mock {
	if tickHz <= 0 {
		tickHz = 5.0
	}
	return &Mock{
		recorder: recorder,
		clock:    clk,
		log:      logger.With("component", "mock_feed"),
		tickHz:   tickHz,
		rng:      rand.New(rand.NewSource(seed)),
		mid:      make(map[string]float64),
	}
}

// Events starts the synthetic tick loop.
func (m *Mock) Events(ctx context.Context, provider MarketIDsProvider) <-chan types.FeedEvent {
	out := make(chan types.FeedEvent, wsEventBuffer)

	go func() {
		defer close(out)
		ticker := time.NewTicker(time.Duration(float64(time.Second) / m.tickHz))
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			ids := provider()
			if len(ids) == 0 {
				continue
			}

			// Update a subset each tick to approximate asynchronous feeds.
			k := len(ids)
			if k > 5 {
				k = 5
			}
			for _, idx := range m.rng.Perm(len(ids))[:k] {
				if !m.emitMarket(ctx, ids[idx], out) {
					return
				}
			}
		}
	}()

	return out
}

// emitMarket produces one TOB (always) and occasionally a trade for a
// market. Returns false when ctx is done.
func (m *Mock) emitMarket(ctx context.Context, marketID string, out chan<- types.FeedEvent) bool {
	mid, known := m.mid[marketID]
	if !known {
		mid = 0.5 + m.uniform(-0.15, 0.15)
	}
	mid = pricing.Clamp(mid+m.uniform(-0.01, 0.01), 0.02, 0.98)
	m.mid[marketID] = mid

	spread := pricing.Clamp(absGauss(m.rng, 0.02, 0.01), 0.005, 0.12)
	tob := types.TopOfBook{
		BestBid:     types.F(pricing.Clamp(mid-spread/2, 0.01, 0.99)),
		BestBidSize: types.F(m.uniform(50, 300)),
		BestAsk:     types.F(pricing.Clamp(mid+spread/2, 0.01, 0.99)),
		BestAskSize: types.F(m.uniform(50, 300)),
		TS:          m.clock.Unix(),
	}
	if payload, err := types.EncodeTOB(tob); err == nil {
		if err := m.recorder.AppendTape(tob.TS, marketID, types.TapeKindTOB, payload); err != nil {
			m.log.Error("tape append failed", "market", marketID, "error", err)
		}
	}
	select {
	case out <- types.BookEvent{MarketID: marketID, TOB: tob}:
	case <-ctx.Done():
		return false
	}

	if m.rng.Float64() < 0.3 {
		side := types.Buy
		px := *tob.BestAsk
		if m.rng.Float64() < 0.5 {
			side = types.Sell
			px = *tob.BestBid
		}
		trade := types.TradeTick{
			MarketID: marketID,
			Price:    px,
			Size:     m.uniform(5, 50),
			Side:     side,
			TS:       m.clock.Unix(),
		}
		if payload, err := types.EncodeTrade(trade); err == nil {
			if err := m.recorder.AppendTape(trade.TS, marketID, types.TapeKindTrade, payload); err != nil {
				m.log.Error("tape append failed", "market", marketID, "error", err)
			}
		}
		select {
		case out <- types.TradeEvent{MarketID: marketID, Trade: trade}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (m *Mock) uniform(lo, hi float64) float64 {
	return lo + m.rng.Float64()*(hi-lo)
}

func absGauss(rng *rand.Rand, mean, stddev float64) float64 {
	v := rng.NormFloat64()*stddev + mean
	if v < 0 {
		return -v
	}
	return v
}
