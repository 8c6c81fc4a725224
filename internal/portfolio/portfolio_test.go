package portfolio

import (
	"math"
	"testing"

	"polymarket-agent/pkg/types"
)

func fill(side types.Side, price, size, ts float64) types.Fill {
	return types.Fill{
		FillID:   "f",
		OrderID:  "o",
		MarketID: "m1",
		Side:     side,
		Price:    price,
		Size:     size,
		TS:       ts,
	}
}

func TestOpenAndExtendAveragesEntries(t *testing.T) {
	t.Parallel()
	pf := New()
	pf.ApplyFill(fill(types.Buy, 0.40, 10, 100), "e1")
	pf.ApplyFill(fill(types.Buy, 0.50, 10, 101), "e1")

	p := pf.Get("m1")
	if p.Qty != 20 {
		t.Fatalf("qty = %v, want 20", p.Qty)
	}
	if math.Abs(p.AvgPrice-0.45) > 1e-9 {
		t.Errorf("avg = %v, want 0.45", p.AvgPrice)
	}
	if p.RealizedPnL != 0 {
		t.Errorf("realized = %v, want 0", p.RealizedPnL)
	}
	if p.OpenedTS != 100 {
		t.Errorf("opened_ts = %v, want 100 (first fill)", p.OpenedTS)
	}
}

func TestReduceRealizesOnClosedPortion(t *testing.T) {
	t.Parallel()
	pf := New()
	pf.ApplyFill(fill(types.Buy, 0.40, 10, 100), "e1")
	pf.ApplyFill(fill(types.Sell, 0.50, 4, 101), "e1")

	p := pf.Get("m1")
	if p.Qty != 6 {
		t.Fatalf("qty = %v, want 6", p.Qty)
	}
	if math.Abs(p.RealizedPnL-0.40) > 1e-9 { // (0.50-0.40)*4
		t.Errorf("realized = %v, want 0.40", p.RealizedPnL)
	}
	if math.Abs(p.AvgPrice-0.40) > 1e-9 {
		t.Errorf("avg unchanged on reduce, got %v", p.AvgPrice)
	}
	if p.OpenedTS != 100 {
		t.Errorf("opened_ts should survive a reduce, got %v", p.OpenedTS)
	}
}

func TestCloseToFlatClearsPosition(t *testing.T) {
	t.Parallel()
	pf := New()
	pf.ApplyFill(fill(types.Buy, 0.40, 10, 100), "e1")
	pf.ApplyFill(fill(types.Sell, 0.45, 10, 105), "e1")

	p := pf.Get("m1")
	if p.Qty != 0 || p.AvgPrice != 0 || p.OpenedTS != 0 {
		t.Errorf("flat position not cleared: %+v", p)
	}
	if math.Abs(p.RealizedPnL-0.50) > 1e-9 {
		t.Errorf("realized = %v, want 0.50", p.RealizedPnL)
	}
}

func TestFlipThroughZeroRestartsPosition(t *testing.T) {
	t.Parallel()
	pf := New()
	pf.ApplyFill(fill(types.Buy, 0.40, 10, 100), "e1")
	pf.ApplyFill(fill(types.Sell, 0.50, 15, 200), "e1")

	p := pf.Get("m1")
	if p.Qty != -5 {
		t.Fatalf("qty = %v, want -5", p.Qty)
	}
	// Realized on the 10 closed; remainder short 5 at the fill price.
	if math.Abs(p.RealizedPnL-1.0) > 1e-9 {
		t.Errorf("realized = %v, want 1.0", p.RealizedPnL)
	}
	if math.Abs(p.AvgPrice-0.50) > 1e-9 {
		t.Errorf("avg after flip = %v, want fill price 0.50", p.AvgPrice)
	}
	if p.OpenedTS != 200 {
		t.Errorf("opened_ts after flip = %v, want 200 (fill ts)", p.OpenedTS)
	}
}

func TestShortRealizesWhenBuyingBack(t *testing.T) {
	t.Parallel()
	pf := New()
	pf.ApplyFill(fill(types.Sell, 0.60, 10, 100), "e1")
	pf.ApplyFill(fill(types.Buy, 0.55, 10, 101), "e1")

	p := pf.Get("m1")
	if p.Qty != 0 {
		t.Fatalf("qty = %v, want 0", p.Qty)
	}
	if math.Abs(p.RealizedPnL-0.50) > 1e-9 { // (0.60-0.55)*10
		t.Errorf("realized = %v, want 0.50", p.RealizedPnL)
	}
}

// Cash-accounting invariant: realized + unrealized equals the signed sum of
// trade flows marked at the current TOB, for any fill sequence.
func TestCashAccountingInvariant(t *testing.T) {
	t.Parallel()
	fills := []types.Fill{
		fill(types.Buy, 0.40, 10, 1),
		fill(types.Buy, 0.44, 5, 2),
		fill(types.Sell, 0.50, 8, 3),
		fill(types.Sell, 0.48, 12, 4), // flips short
		fill(types.Buy, 0.45, 3, 5),
	}
	pf := New()
	var cash, qty float64
	for _, f := range fills {
		pf.ApplyFill(f, "e1")
		signed := f.Size * f.Side.Sign()
		cash -= signed * f.Price
		qty += signed
	}

	mark := 0.47
	tob := &types.TopOfBook{BestBid: types.F(0.46), BestAsk: types.F(0.48)}

	p := pf.Get("m1")
	got := p.RealizedPnL + pf.Unrealized("m1", tob)
	want := cash + qty*mark
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("realized+unrealized = %v, cash accounting says %v", got, want)
	}
}

func TestUnrealizedFallbacks(t *testing.T) {
	t.Parallel()
	pf := New()
	pf.ApplyFill(fill(types.Buy, 0.40, 10, 1), "e1")

	if got := pf.Unrealized("m1", nil); got != 0 {
		t.Errorf("unrealized with no TOB = %v, want 0", got)
	}
	bidOnly := &types.TopOfBook{BestBid: types.F(0.46)}
	if got := pf.Unrealized("m1", bidOnly); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("unrealized at bid = %v, want 0.6", got)
	}
	if got := pf.Unrealized("other", bidOnly); got != 0 {
		t.Errorf("unknown market unrealized = %v, want 0", got)
	}
}

func TestTotalRealizedAndOpenCount(t *testing.T) {
	t.Parallel()
	pf := New()
	pf.ApplyFill(fill(types.Buy, 0.40, 10, 1), "e1")
	f2 := fill(types.Buy, 0.30, 5, 2)
	f2.MarketID = "m2"
	pf.ApplyFill(f2, "e2")

	if pf.OpenCount() != 2 {
		t.Errorf("open count = %d, want 2", pf.OpenCount())
	}
	if pf.TotalRealized() != 0 {
		t.Errorf("total realized = %v, want 0", pf.TotalRealized())
	}
}
