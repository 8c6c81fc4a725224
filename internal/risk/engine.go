// Package risk enforces pre-trade limits and market-data circuit breakers.
//
// The engine is stateless given its config: every check reads the current
// portfolio and top-of-book and returns a typed Result instead of an error.
// Callers branch on Result.OK; the Reason string is stable and doubles as
// the telemetry label for rejections.
//
// Reduce-only orders — those that strictly shrink or close a position —
// bypass the inventory-style limits (kill switch, open-position cap,
// per-market cap, daily loss) so the agent can always get flat. They are
// still subject to argument validation and the circuit breakers.
package risk

import (
	"log/slog"
	"math"
	"sync"

	"polymarket-agent/internal/clock"
	"polymarket-agent/internal/config"
	"polymarket-agent/internal/portfolio"
	"polymarket-agent/internal/pricing"
	"polymarket-agent/pkg/types"
)

// Rejection reasons. Circuit-breaker reasons come first; the rest are
// limit rejections.
const (
	ReasonNoTopOfBook     = "no_top_of_book"
	ReasonFeedLag         = "feed_lag"
	ReasonCrossedBook     = "crossed_book"
	ReasonSpreadTooWide   = "spread_too_wide"
	ReasonBadSize         = "bad_size"
	ReasonBadPrice        = "bad_price"
	ReasonKillSwitch      = "kill_switch"
	ReasonMaxOpenPos      = "max_open_positions"
	ReasonMaxPosPerMarket = "max_pos_per_market"
	ReasonMaxEventExp     = "max_event_exposure"
	ReasonDailyLossLimit  = "daily_loss_limit"
)

// Result is the outcome of a risk check. Reason is empty when OK.
type Result struct {
	OK     bool
	Reason string
}

func ok() Result             { return Result{OK: true} }
func reject(r string) Result { return Result{Reason: r} }

// Check carries everything the engine needs to evaluate one order.
type Check struct {
	MarketID  string
	EventID   string
	Side      types.Side
	Price     float64
	Size      float64
	TOB       *types.TopOfBook
	Portfolio *portfolio.Portfolio
}

// Engine is the stateless pre-trade validator. The only mutable state is
// the rejection-log throttle, which never influences decisions.
type Engine struct {
	cfg   config.RiskConfig
	clock clock.Clock
	log   *slog.Logger

	onReject func(reason string)

	mu      sync.Mutex
	lastLog map[logKey]float64
}

type logKey struct {
	marketID string
	side     types.Side
	reason   string
}

// logThrottleSecs limits rejection logging to one line per
// (market, side, reason) per window. The decision itself is never throttled.
const logThrottleSecs = 5.0

// New creates a risk engine.
func New(cfg config.RiskConfig, clk clock.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		clock:   clk,
		log:     logger.With("component", "risk"),
		lastLog: make(map[logKey]float64),
	}
}

// SetRejectionHook registers a callback invoked (unthrottled) on every
// rejection, used for metrics.
func (e *Engine) SetRejectionHook(fn func(reason string)) { e.onReject = fn }

// CircuitOK evaluates only the market-data circuit breakers.
func (e *Engine) CircuitOK(tob *types.TopOfBook) Result {
	if tob == nil {
		return reject(ReasonNoTopOfBook)
	}
	if e.clock.Unix()-tob.TS > e.cfg.MaxFeedLagSecs {
		return reject(ReasonFeedLag)
	}
	if tob.BestBid != nil && tob.BestAsk != nil {
		spread := *tob.BestAsk - *tob.BestBid
		if spread < 0 {
			return reject(ReasonCrossedBook)
		}
		if spread > e.cfg.MaxSpread {
			return reject(ReasonSpreadTooWide)
		}
	}
	return ok()
}

// PreTrade runs the full rule chain; the first failing rule wins.
func (e *Engine) PreTrade(c Check) Result {
	res := e.preTrade(c)
	if !res.OK {
		if e.onReject != nil {
			e.onReject(res.Reason)
		}
		e.logRejection(c, res.Reason)
	}
	return res
}

func (e *Engine) preTrade(c Check) Result {
	if c.Size <= 0 {
		return reject(ReasonBadSize)
	}
	if c.Price < 0 || c.Price > 1 {
		return reject(ReasonBadPrice)
	}

	if res := e.CircuitOK(c.TOB); !res.OK {
		return res
	}

	var curQty float64
	if pos := c.Portfolio.Get(c.MarketID); pos != nil {
		curQty = pos.Qty
	}
	signed := c.Size * c.Side.Sign()
	newQty := curQty + signed
	reduceOnly := math.Abs(newQty) < math.Abs(curQty) || (curQty != 0 && newQty == 0)

	if !reduceOnly {
		if e.cfg.MaxOpenPositions > 0 && curQty == 0 && newQty != 0 {
			if c.Portfolio.OpenCount() >= e.cfg.MaxOpenPositions {
				return reject(ReasonMaxOpenPos)
			}
		}
		if e.cfg.KillSwitch {
			return reject(ReasonKillSwitch)
		}
		if math.Abs(newQty) > e.cfg.MaxPosPerMarket {
			return reject(ReasonMaxPosPerMarket)
		}
	}

	// Event exposure: abs position value across markets sharing the event,
	// plus the prospective order at its limit price.
	var exposure float64
	for _, p := range c.Portfolio.Positions() {
		if p.EventID != c.EventID {
			continue
		}
		mark := p.LastMark
		if mark <= 0 {
			mark = p.AvgPrice
		}
		exposure += math.Abs(p.Qty) * pricing.Clamp(mark, 0, 1)
	}
	exposure += math.Abs(signed) * pricing.Clamp(c.Price, 0, 1)
	if exposure > e.cfg.MaxEventExposure {
		return reject(ReasonMaxEventExp)
	}

	if !reduceOnly {
		// Daily loss: realized plus mark-based unrealized, last mark
		// falling back to entry.
		var unreal float64
		for _, p := range c.Portfolio.Positions() {
			mark := p.LastMark
			if mark <= 0 {
				mark = p.AvgPrice
			}
			unreal += (mark - p.AvgPrice) * p.Qty
		}
		if c.Portfolio.TotalRealized()+unreal < -e.cfg.DailyLossLimit {
			return reject(ReasonDailyLossLimit)
		}
	}

	return ok()
}

func (e *Engine) logRejection(c Check, reason string) {
	now := e.clock.Unix()
	key := logKey{marketID: c.MarketID, side: c.Side, reason: reason}

	e.mu.Lock()
	last, seen := e.lastLog[key]
	if seen && now-last < logThrottleSecs {
		e.mu.Unlock()
		return
	}
	e.lastLog[key] = now
	e.mu.Unlock()

	e.log.Warn("order rejected",
		"market", c.MarketID,
		"side", c.Side,
		"reason", reason,
		"price", c.Price,
		"size", c.Size,
	)
}
