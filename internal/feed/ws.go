package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-agent/internal/clock"
	"polymarket-agent/internal/store"
	"polymarket-agent/pkg/types"
)

const (
	wsPingInterval     = 50 * time.Second // keep-alive cadence
	wsReadTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	wsMaxReconnectWait = 30 * time.Second // cap on exponential backoff
	wsWriteTimeout     = 10 * time.Second
	wsEventBuffer      = 256
)

// WS streams normalized events from the CLOB websocket with automatic
// reconnection. Each (re)connect resubscribes to the provider's current
// market set; book timestamps are stamped at receipt.
type WS struct {
	url      string
	recorder Recorder
	clock    clock.Clock
	log      *slog.Logger
}

// NewWS creates a websocket feed.
func NewWS(url string, recorder Recorder, clk clock.Clock, logger *slog.Logger) *WS {
	return &WS{
		url:      url,
		recorder: recorder,
		clock:    clk,
		log:      logger.With("component", "ws_feed"),
	}
}

// Events runs the connect/read/reconnect loop in a goroutine and returns
// the event channel.
func (w *WS) Events(ctx context.Context, provider MarketIDsProvider) <-chan types.FeedEvent {
	out := make(chan types.FeedEvent, wsEventBuffer)

	go func() {
		defer close(out)
		backoff := time.Second

		for {
			err := w.connectAndRead(ctx, provider, out)
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)
			w.status("error", "websocket disconnected", err)

			// Jittered exponential backoff: 1s, 2s, 4s, ..., capped at 30s,
			// each wait plus up to 25% random jitter.
			wait := backoff + time.Duration(rand.Int63n(int64(backoff)/4+1))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > wsMaxReconnectWait {
				backoff = wsMaxReconnectWait
			}
		}
	}()

	return out
}

type wsSubscribeMsg struct {
	Type    string   `json:"type"`
	Markets []string `json:"markets"`
}

func (w *WS) connectAndRead(ctx context.Context, provider MarketIDsProvider, out chan<- types.FeedEvent) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Subscription set is re-derived on every (re)connect…
	sub := wsSubscribeMsg{Type: "subscribe", Markets: provider()}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	w.log.Info("websocket connected", "markets", len(sub.Markets))
	w.status("ok", "websocket connected", nil)

	// Close the connection when ctx is cancelled to unblock ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// …and refreshed while connected, so watchlist rotation takes effect
	// without a reconnect.
	go w.refreshSubscriptions(done, conn, provider, sub.Markets)

	// Keep-alive pings.
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev := w.normalize(raw)
		if ev == nil {
			continue
		}
		w.record(ev)
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *WS) refreshSubscriptions(done <-chan struct{}, conn *websocket.Conn, provider MarketIDsProvider, current []string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	last := make(map[string]bool, len(current))
	for _, id := range current {
		last[id] = true
	}
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		want := provider()
		if sameSet(last, want) {
			continue
		}
		last = make(map[string]bool, len(want))
		for _, id := range want {
			last[id] = true
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(wsSubscribeMsg{Type: "subscribe", Markets: want}); err != nil {
			// Write failure surfaces in the read loop; reconnect handles it.
			return
		}
		w.log.Info("subscriptions refreshed", "markets", len(want))
	}
}

func sameSet(have map[string]bool, want []string) bool {
	if len(have) != len(want) {
		return false
	}
	for _, id := range want {
		if !have[id] {
			return false
		}
	}
	return true
}

// wsMessage is the envelope the upstream sends: a type tag plus a payload
// whose field names vary between camelCase and snake_case.
type wsMessage struct {
	Type string `json:"type"`
	Data struct {
		MarketID    string          `json:"market_id"`
		BestBid     json.RawMessage `json:"bestBid"`
		BestAsk     json.RawMessage `json:"bestAsk"`
		BestBidSize json.RawMessage `json:"bestBidSize"`
		BestAskSize json.RawMessage `json:"bestAskSize"`
		Price       json.RawMessage `json:"price"`
		Size        json.RawMessage `json:"size"`
		Side        string          `json:"side"`
		Timestamp   json.RawMessage `json:"timestamp"`
	} `json:"data"`
}

// normalize converts one upstream message into a feed event, or nil for
// messages the engine doesn't consume (acks, pongs, unknown types).
func (w *WS) normalize(raw []byte) types.FeedEvent {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		w.log.Debug("unparseable ws message", "error", err)
		return nil
	}
	if msg.Data.MarketID == "" {
		return nil
	}

	switch msg.Type {
	case "market", "book":
		// Observation time, not the payload timestamp: upstream stamps the
		// last *change*, which goes stale in quiet markets and would trip
		// the feed-lag breaker.
		return types.BookEvent{
			MarketID: msg.Data.MarketID,
			TOB: types.TopOfBook{
				BestBid:     optFloat(msg.Data.BestBid),
				BestBidSize: optFloat(msg.Data.BestBidSize),
				BestAsk:     optFloat(msg.Data.BestAsk),
				BestAskSize: optFloat(msg.Data.BestAskSize),
				TS:          w.clock.Unix(),
			},
		}
	case "trade":
		price := optFloat(msg.Data.Price)
		size := optFloat(msg.Data.Size)
		side := types.Side(msg.Data.Side)
		if price == nil || size == nil || !side.Valid() {
			return nil
		}
		ts := w.clock.Unix()
		if v := optFloat(msg.Data.Timestamp); v != nil {
			ts = normalizeEpoch(*v)
		}
		return types.TradeEvent{
			MarketID: msg.Data.MarketID,
			Trade: types.TradeTick{
				MarketID: msg.Data.MarketID,
				Price:    *price,
				Size:     *size,
				Side:     side,
				TS:       ts,
			},
		}
	}
	return nil
}

func (w *WS) record(ev types.FeedEvent) {
	var err error
	switch e := ev.(type) {
	case types.BookEvent:
		var payload []byte
		if payload, err = types.EncodeTOB(e.TOB); err == nil {
			err = w.recorder.AppendTape(e.TOB.TS, e.MarketID, types.TapeKindTOB, payload)
		}
	case types.TradeEvent:
		var payload []byte
		if payload, err = types.EncodeTrade(e.Trade); err == nil {
			err = w.recorder.AppendTape(e.Trade.TS, e.MarketID, types.TapeKindTrade, payload)
		}
	}
	if err != nil {
		w.log.Error("tape append failed", "market", ev.Market(), "error", err)
	}
}

func (w *WS) status(level, message string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	if serr := w.recorder.UpsertRuntimeStatus(store.RuntimeStatus{
		Component: "feed.ws",
		Level:     level,
		Message:   message,
		Detail:    detail,
		UpdatedTS: w.clock.Unix(),
	}); serr != nil {
		w.log.Debug("runtime status write failed", "error", serr)
	}
}

// optFloat parses a field that may be a JSON number, a numeric string,
// null, or absent.
func optFloat(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return &f
		}
	}
	return nil
}

// normalizeEpoch converts millisecond epochs to seconds; values that
// already look like seconds pass through.
func normalizeEpoch(v float64) float64 {
	if v > 3_000_000_000 {
		return v / 1000.0
	}
	return v
}
