// Package odds abstracts external fair-value sources for the strategies.
//
// A provider maps a market to a reference probability from some venue other
// than the traded book (sportsbook lines, a model, another exchange). The
// strategies treat the source label as significant: quotes derived from the
// mock provider must not be attributed to an external source.
package odds

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"sync"

	"polymarket-agent/internal/pricing"
	"polymarket-agent/pkg/types"
)

// Odds is one external fair-probability observation.
type Odds struct {
	FairProb float64
	Source   string
}

// Provider is the external fair-value capability.
type Provider interface {
	FairProb(ctx context.Context, market types.MarketInfo) (Odds, error)
}

// SourceMock labels odds from the mock provider; strategies fall back to
// book mid when they see it.
const SourceMock = "mock"

// Mock produces a deterministic-ish pseudo fair per market (hash of the
// market id, kept away from the extremes) plus seeded jitter so both
// strategy sides get exercised. Zero noise makes it fully deterministic
// for replay tests.
type Mock struct {
	noise float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMock creates a mock provider. noise is the uniform jitter half-width.
func NewMock(noise float64, seed int64) *Mock {
	return &Mock{noise: noise, rng: rand.New(rand.NewSource(seed))}
}

func (m *Mock) FairProb(ctx context.Context, market types.MarketInfo) (Odds, error) {
	h := fnv.New64a()
	h.Write([]byte(market.MarketID))
	base := float64(h.Sum64()%1000) / 1000.0
	base = 0.2 + 0.6*base // keep away from extremes

	var jitter float64
	if m.noise > 0 {
		m.mu.Lock()
		jitter = m.rng.Float64()*2*m.noise - m.noise
		m.mu.Unlock()
	}
	return Odds{
		FairProb: pricing.Clamp(base+jitter, 0.01, 0.99),
		Source:   SourceMock,
	}, nil
}

// ErrDisabled is returned by the Disabled provider.
var ErrDisabled = errors.New("external odds provider is disabled (mode.disallow_mock_data=true)")

// Disabled refuses every query. Used in strict mode so no strategy can
// accidentally consume placeholder odds.
type Disabled struct{}

func (Disabled) FairProb(ctx context.Context, market types.MarketInfo) (Odds, error) {
	return Odds{}, ErrDisabled
}
