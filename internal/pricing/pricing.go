// Package pricing holds pure numeric helpers for binary-market prices.
//
// Prices are probabilities in [0,1]. Odds conversions, basis-point buffers,
// and tick-grid rounding live here; everything is side-effect free.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"polymarket-agent/pkg/types"
)

// ErrBadSide is returned when a side is neither buy nor sell.
var ErrBadSide = errors.New("side must be buy|sell")

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// AmericanToProb converts American odds to implied probability (no vig
// removal). +150 -> 0.4, -150 -> 0.6.
func AmericanToProb(american float64) (float64, error) {
	if american == 0 {
		return 0, fmt.Errorf("american odds cannot be 0: %w", ErrBadArgument)
	}
	if american > 0 {
		return 100.0 / (american + 100.0), nil
	}
	return -american / (-american + 100.0), nil
}

// DecimalToProb converts decimal odds to implied probability.
func DecimalToProb(dec float64) (float64, error) {
	if dec <= 0 {
		return 0, fmt.Errorf("decimal odds must be > 0: %w", ErrBadArgument)
	}
	return 1.0 / dec, nil
}

// ErrBadArgument marks config/input violations in pure helpers.
var ErrBadArgument = errors.New("bad argument")

// ProbToPrice maps a probability onto the [0,1] price range.
func ProbToPrice(prob float64) float64 { return Clamp(prob, 0, 1) }

// PriceToProb is the inverse view of ProbToPrice.
func PriceToProb(price float64) float64 { return Clamp(price, 0, 1) }

// BpsToDecimal converts basis points to a decimal fraction.
func BpsToDecimal(bps float64) float64 { return bps / 10000.0 }

// FairValue pairs an external probability with its price-space projection.
type FairValue struct {
	FairProb  float64
	FairPrice float64
}

// ApplyBuffers returns a conservative fair price after fee/slippage/latency
// buffers. Buys shave the fair down (harder to justify buying); sells push
// it up (harder to justify selling).
func ApplyBuffers(price, feesBps, slippageBps, latencyBps float64, side types.Side) (float64, error) {
	buf := BpsToDecimal(feesBps + slippageBps + latencyBps)
	switch side {
	case types.Buy:
		return Clamp(price-buf, 0, 1), nil
	case types.Sell:
		return Clamp(price+buf, 0, 1), nil
	}
	return 0, ErrBadSide
}

// FloorToTick snaps price down onto the tick grid. Exact decimal arithmetic
// avoids the float artifacts of price/tick division near grid boundaries.
func FloorToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	f, _ := p.Div(t).Floor().Mul(t).Float64()
	return f
}

// CeilToTick snaps price up onto the tick grid.
func CeilToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	f, _ := p.Div(t).Ceil().Mul(t).Float64()
	return f
}
