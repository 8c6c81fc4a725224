package feed

import (
	"log/slog"
	"os"
	"testing"

	"polymarket-agent/internal/clock"
	"polymarket-agent/internal/store"
	"polymarket-agent/pkg/types"
)

// nopRecorder satisfies Recorder without a database.
type nopRecorder struct {
	tapes int
}

func (r *nopRecorder) AppendTape(ts float64, marketID, kind string, payload []byte) error {
	r.tapes++
	return nil
}

func (r *nopRecorder) UpsertRuntimeStatus(st store.RuntimeStatus) error { return nil }

func testWS(nowSec float64) *WS {
	clk := clock.NewFakeUnix(nowSec)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWS("wss://example/ws", &nopRecorder{}, clk, logger)
}

func TestNormalizeBookUsesObservationTime(t *testing.T) {
	t.Parallel()
	w := testWS(1234.5)

	// The payload timestamp is stale (last-change time); tob.ts must still
	// advance with receipt so quiet markets don't trip the feed-lag breaker.
	raw := []byte(`{"type":"market","data":{"market_id":"m1","bestBid":"0.49","bestAsk":0.51,"timestamp":111.0}}`)
	ev := w.normalize(raw)
	be, isBook := ev.(types.BookEvent)
	if !isBook {
		t.Fatalf("normalized to %T, want BookEvent", ev)
	}
	if be.MarketID != "m1" {
		t.Errorf("market = %s", be.MarketID)
	}
	if be.TOB.BestBid == nil || *be.TOB.BestBid != 0.49 {
		t.Errorf("best bid = %v (string field should parse)", be.TOB.BestBid)
	}
	if be.TOB.BestAsk == nil || *be.TOB.BestAsk != 0.51 {
		t.Errorf("best ask = %v (numeric field should parse)", be.TOB.BestAsk)
	}
	if be.TOB.TS != 1234.5 {
		t.Errorf("tob.ts = %v, want observation time 1234.5 (payload ts ignored)", be.TOB.TS)
	}
}

func TestNormalizeBookWithMissingSide(t *testing.T) {
	t.Parallel()
	w := testWS(1000)

	raw := []byte(`{"type":"market","data":{"market_id":"m1","bestAsk":"0.90"}}`)
	ev := w.normalize(raw)
	be, isBook := ev.(types.BookEvent)
	if !isBook {
		t.Fatalf("normalized to %T, want BookEvent", ev)
	}
	if be.TOB.BestBid != nil {
		t.Errorf("absent bid parsed as %v", *be.TOB.BestBid)
	}
	if be.TOB.BestAsk == nil || *be.TOB.BestAsk != 0.90 {
		t.Errorf("ask = %v", be.TOB.BestAsk)
	}
}

func TestNormalizeTradeConvertsMsEpoch(t *testing.T) {
	t.Parallel()
	w := testWS(2000)

	raw := []byte(`{"type":"trade","data":{"market_id":"m1","price":"0.5","size":"10","side":"buy","timestamp":1700000000000}}`)
	ev := w.normalize(raw)
	te, isTrade := ev.(types.TradeEvent)
	if !isTrade {
		t.Fatalf("normalized to %T, want TradeEvent", ev)
	}
	if te.Trade.TS != 1_700_000_000.0 {
		t.Errorf("trade ts = %v, want 1700000000 (ms epoch converted)", te.Trade.TS)
	}
	if te.Trade.Price != 0.5 || te.Trade.Size != 10 || te.Trade.Side != types.Buy {
		t.Errorf("trade = %+v", te.Trade)
	}
}

func TestNormalizeRejectsJunk(t *testing.T) {
	t.Parallel()
	w := testWS(1000)

	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"market","data":{}}`),                                             // no market id
		[]byte(`{"type":"trade","data":{"market_id":"m1","price":"x","size":"10","side":"buy"}}`), // bad price
		[]byte(`{"type":"trade","data":{"market_id":"m1","price":"0.5","size":"10","side":"hold"}}`),
		[]byte(`{"type":"ack","data":{"market_id":"m1"}}`),
	}
	for i, raw := range cases {
		if ev := w.normalize(raw); ev != nil {
			t.Errorf("case %d normalized to %+v, want nil", i, ev)
		}
	}
}

func TestRecordWritesTape(t *testing.T) {
	t.Parallel()
	rec := &nopRecorder{}
	clk := clock.NewFakeUnix(1000)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	w := NewWS("wss://example/ws", rec, clk, logger)

	w.record(types.BookEvent{MarketID: "m1", TOB: types.TopOfBook{BestBid: types.F(0.4), TS: 1000}})
	w.record(types.TradeEvent{MarketID: "m1", Trade: types.TradeTick{MarketID: "m1", Price: 0.4, Size: 1, Side: types.Buy, TS: 1000}})
	if rec.tapes != 2 {
		t.Errorf("tape writes = %d, want 2", rec.tapes)
	}
}
