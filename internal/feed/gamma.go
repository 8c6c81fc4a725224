package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-agent/internal/clock"
	"polymarket-agent/internal/store"
	"polymarket-agent/pkg/types"
)

// GammaPoll is a slower but stable feed built on the public Gamma REST API,
// which already exposes bestBid/bestAsk per market. It emits a heartbeat
// BookEvent for every subscribed market on every poll — observation time
// keeps advancing even when prices don't — but appends to the tape only
// when the book meaningfully changes.
type GammaPoll struct {
	httpClient *resty.Client
	recorder   Recorder
	clock      clock.Clock
	log        *slog.Logger
	pollSecs   float64
	limit      int

	last map[string][2]*float64 // market_id -> (bestBid, bestAsk) last observed
}

// NewGammaPoll creates the polling feed.
func NewGammaPoll(baseURL string, pollSecs float64, recorder Recorder, clk clock.Clock, logger *slog.Logger) *GammaPoll {
	if pollSecs < 0.25 {
		pollSecs = 0.25
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(20 * time.Second)

	return &GammaPoll{
		httpClient: client,
		recorder:   recorder,
		clock:      clk,
		log:        logger.With("component", "gamma_feed"),
		pollSecs:   pollSecs,
		limit:      500,
		last:       make(map[string][2]*float64),
	}
}

type gammaTOBRow struct {
	ID      string          `json:"id"`
	BestBid json.RawMessage `json:"bestBid"`
	BestAsk json.RawMessage `json:"bestAsk"`
}

// Events starts the polling loop.
func (g *GammaPoll) Events(ctx context.Context, provider MarketIDsProvider) <-chan types.FeedEvent {
	out := make(chan types.FeedEvent, wsEventBuffer)

	go func() {
		defer close(out)
		ticker := time.NewTicker(time.Duration(g.pollSecs * float64(time.Second)))
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			want := provider()
			if len(want) == 0 {
				continue
			}
			if err := g.poll(ctx, want, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				g.log.Error("gamma poll failed", "error", err)
				g.status("error", "gamma feed failed", err.Error())
			}
		}
	}()

	return out
}

func (g *GammaPoll) poll(ctx context.Context, want []string, out chan<- types.FeedEvent) error {
	var rows []gammaTOBRow
	resp, err := g.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"active": "true",
			"closed": "false",
			"limit":  strconv.Itoa(g.limit),
			"offset": "0",
		}).
		SetResult(&rows).
		Get("/markets")
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("status %d", resp.StatusCode())
	}

	byID := make(map[string]gammaTOBRow, len(rows))
	for _, r := range rows {
		if r.ID != "" {
			byID[r.ID] = r
		}
	}

	now := g.clock.Unix()
	observed, changed := 0, 0
	for _, marketID := range want {
		row, found := byID[marketID]
		if !found {
			continue
		}
		bid := optFloat(row.BestBid)
		ask := optFloat(row.BestAsk)

		prev, had := g.last[marketID]
		cur := [2]*float64{bid, ask}
		g.last[marketID] = cur

		tob := types.TopOfBook{BestBid: bid, BestAsk: ask, TS: now}
		// Tape only on change; heartbeat event regardless, so tob.ts keeps
		// the feed-lag breaker quiet in still markets.
		if !had || !eqOpt(prev[0], cur[0]) || !eqOpt(prev[1], cur[1]) {
			if payload, err := types.EncodeTOB(tob); err == nil {
				if err := g.recorder.AppendTape(now, marketID, types.TapeKindTOB, payload); err != nil {
					g.log.Error("tape append failed", "market", marketID, "error", err)
				}
			}
			changed++
		}
		observed++

		select {
		case out <- types.BookEvent{MarketID: marketID, TOB: tob}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.status("ok",
		fmt.Sprintf("gamma polling ok (observed %d, changed %d)", observed, changed),
		fmt.Sprintf("poll_secs=%g want=%d", g.pollSecs, len(want)))
	return nil
}

func (g *GammaPoll) status(level, message, detail string) {
	if err := g.recorder.UpsertRuntimeStatus(store.RuntimeStatus{
		Component: "feed.gamma",
		Level:     level,
		Message:   message,
		Detail:    detail,
		UpdatedTS: g.clock.Unix(),
	}); err != nil {
		g.log.Debug("runtime status write failed", "error", err)
	}
}

func eqOpt(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
