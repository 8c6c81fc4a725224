package engine

import (
	"context"
	"fmt"
	"time"

	"polymarket-agent/internal/config"
	"polymarket-agent/internal/store"
	"polymarket-agent/pkg/types"
)

// RunBacktest replays the persisted tape through the same feed-event
// handler live trading uses. Records play back in (ts, insertion) order;
// the gap between consecutive timestamps is slept down by the configured
// speed factor. Strategies run once per tape event for the event's market.
//
// The engine clock follows the tape, so rest-period and feed-lag checks see
// the same relative ages they saw live — a recorded session replayed at any
// speed reproduces the same fills and the same final portfolio.
func (e *Engine) RunBacktest(ctx context.Context) error {
	if e.cfg.Mode.TradeMode != config.TradeModePaper {
		return fmt.Errorf("backtest requires mode.trade_mode=paper")
	}

	speed := e.cfg.Backtest.Speed
	if speed <= 0 {
		speed = 1
	}

	var prevTS float64
	first := true
	records := 0

	iterErr := e.store.IterTape(e.cfg.Backtest.StartTS, e.cfg.Backtest.EndTS, func(rec store.TapeRecord) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !first {
			dt := rec.TS - prevTS
			if dt > 0 {
				if err := sleepCtx(ctx, time.Duration(dt/speed*float64(time.Second))); err != nil {
					return err
				}
			}
		}
		first = false
		prevTS = rec.TS

		if e.tapeClock != nil {
			e.tapeClock.Set(time.Unix(0, int64(rec.TS*float64(time.Second))))
		}

		// Markets discovered live may be absent in replay; trade whatever
		// the tape carries.
		e.state.EnsureMarket(types.MarketInfo{
			MarketID: rec.MarketID,
			Question: "tape:" + rec.MarketID,
			EventID:  "event:" + rec.MarketID,
			Active:   true,
		})

		ev, err := decodeTapeRecord(rec)
		if err != nil {
			e.log.Warn("skipping malformed tape record", "market", rec.MarketID, "kind", rec.Kind, "error", err)
			return nil
		}
		if ev == nil {
			return nil
		}

		e.handleFeedEvent(ctx, ev)
		e.runMarket(ctx, rec.MarketID)
		e.persistSnapshots()
		records++
		return nil
	})
	if iterErr != nil {
		return ignoreCancel(iterErr)
	}

	e.log.Info("backtest done", "records", records)
	return nil
}

func decodeTapeRecord(rec store.TapeRecord) (types.FeedEvent, error) {
	switch rec.Kind {
	case types.TapeKindTOB:
		tob, err := types.DecodeTOB(rec.Payload)
		if err != nil {
			return nil, err
		}
		if tob.TS == 0 {
			tob.TS = rec.TS
		}
		return types.BookEvent{MarketID: rec.MarketID, TOB: tob}, nil
	case types.TapeKindTrade:
		trade, err := types.DecodeTrade(rec.Payload)
		if err != nil {
			return nil, err
		}
		if trade.TS == 0 {
			trade.TS = rec.TS
		}
		if trade.MarketID == "" {
			trade.MarketID = rec.MarketID
		}
		return types.TradeEvent{MarketID: rec.MarketID, Trade: trade}, nil
	}
	return nil, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
