// Package state holds the mutable market view shared by the engine's loops.
//
// One mutex guards everything: the discovered-markets map, the ranked list,
// and the per-market latest TOB/trade. The engine's portfolio is mutated
// under this same lock (via Locked) so strategy reads and fill application
// are serialized per the ownership rules. No method suspends while holding
// the lock.
package state

import (
	"sync"

	"polymarket-agent/pkg/types"
)

// Shared is the process-wide market view.
type Shared struct {
	mu sync.Mutex

	markets   map[string]types.MarketInfo
	ranked    []string
	tob       map[string]types.TopOfBook
	lastTrade map[string]types.TradeTick

	lastBookUpdateTS  float64
	lastTradeUpdateTS float64
}

// New creates empty shared state.
func New() *Shared {
	return &Shared{
		markets:   make(map[string]types.MarketInfo),
		tob:       make(map[string]types.TopOfBook),
		lastTrade: make(map[string]types.TradeTick),
	}
}

// Locked runs fn while holding the shared lock. fn must not block on I/O.
func (s *Shared) Locked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// ReplaceMarkets atomically swaps the discovery results and ranking.
func (s *Shared) ReplaceMarkets(markets map[string]types.MarketInfo, ranked []string) {
	s.mu.Lock()
	s.markets = markets
	s.ranked = ranked
	s.mu.Unlock()
}

// EnsureMarket inserts a placeholder market if none is known (backtest
// replay trades whatever appears on the tape) and appends it to the ranking.
func (s *Shared) EnsureMarket(m types.MarketInfo) {
	s.mu.Lock()
	if _, ok := s.markets[m.MarketID]; !ok {
		s.markets[m.MarketID] = m
		s.ranked = append(s.ranked, m.MarketID)
	}
	s.mu.Unlock()
}

// Ranked returns a copy of the ranked market ids.
func (s *Shared) Ranked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ranked))
	copy(out, s.ranked)
	return out
}

// Market returns the metadata for one market.
func (s *Shared) Market(marketID string) (types.MarketInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[marketID]
	return m, ok
}

// SetTOB records a fresh top-of-book observation.
func (s *Shared) SetTOB(marketID string, tob types.TopOfBook, observedTS float64) {
	s.mu.Lock()
	s.tob[marketID] = tob
	s.lastBookUpdateTS = observedTS
	s.mu.Unlock()
}

// TOB returns the latest top-of-book for one market, if any.
func (s *Shared) TOB(marketID string) (types.TopOfBook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tob[marketID]
	return t, ok
}

// TOBs returns a copy of the whole latest-TOB map.
func (s *Shared) TOBs() map[string]types.TopOfBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.TopOfBook, len(s.tob))
	for k, v := range s.tob {
		out[k] = v
	}
	return out
}

// SetLastTrade records the latest trade print for a market.
func (s *Shared) SetLastTrade(marketID string, t types.TradeTick, observedTS float64) {
	s.mu.Lock()
	s.lastTrade[marketID] = t
	s.lastTradeUpdateTS = observedTS
	s.mu.Unlock()
}

// LastTrade returns the latest trade print for a market, if any.
func (s *Shared) LastTrade(marketID string) (types.TradeTick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastTrade[marketID]
	return t, ok
}

// Snapshot returns the market metadata and TOB together under one lock
// acquisition — the strategy entry point.
func (s *Shared) Snapshot(marketID string) (types.MarketInfo, *types.TopOfBook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[marketID]
	if !ok {
		return types.MarketInfo{}, nil, false
	}
	if t, has := s.tob[marketID]; has {
		cp := t
		return m, &cp, true
	}
	return m, nil, true
}
