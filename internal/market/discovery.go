// Package market discovers tradeable binary markets via the public Gamma
// API and ranks them for the engine's watchlist.
//
// Discovery is deliberately defensive about schema: the API evolves, fields
// arrive as strings or numbers, and token-id lists are sometimes
// JSON-stringified. Anything unparseable degrades to a zero value rather
// than failing the scan.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-agent/internal/clock"
	"polymarket-agent/pkg/types"
)

// gammaMarket is the JSON shape returned by the Gamma API.
type gammaMarket struct {
	ID           string          `json:"id"`
	Question     string          `json:"question"`
	ConditionID  string          `json:"conditionId"`
	Active       bool            `json:"active"`
	Closed       bool            `json:"closed"`
	EndDate      string          `json:"endDate"`
	Liquidity    json.RawMessage `json:"liquidity"`
	Volume24hr   json.RawMessage `json:"volume24hr"`
	ClobTokenIds string          `json:"clobTokenIds"`
	Outcomes     string          `json:"outcomes"`
	Events       []gammaEvent    `json:"events"`
}

type gammaEvent struct {
	ID string `json:"id"`
}

// Discovery fetches and filters markets from the Gamma API.
type Discovery struct {
	httpClient *resty.Client
	clock      clock.Clock
	log        *slog.Logger
}

// NewDiscovery creates a Gamma discovery client with retries and a request
// timeout.
func NewDiscovery(baseURL string, clk clock.Clock, logger *slog.Logger) *Discovery {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(20 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Discovery{
		httpClient: client,
		clock:      clk,
		log:        logger.With("component", "discovery"),
	}
}

// FetchMarkets pulls up to limit active markets.
func (d *Discovery) FetchMarkets(ctx context.Context, limit int) ([]types.MarketInfo, error) {
	var page []gammaMarket
	resp, err := d.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"active": "true",
			"closed": "false",
			"limit":  strconv.Itoa(limit),
			"offset": "0",
		}).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
	}

	markets := make([]types.MarketInfo, 0, len(page))
	for _, gm := range page {
		if gm.ID == "" {
			continue
		}
		markets = append(markets, d.convert(gm))
	}
	d.log.Info("markets fetched", "count", len(markets))
	return markets, nil
}

func (d *Discovery) convert(gm gammaMarket) types.MarketInfo {
	eventID := ""
	if len(gm.Events) > 0 {
		eventID = gm.Events[0].ID
	}
	if eventID == "" {
		eventID = "event:" + gm.ID
	}

	var endTS float64
	if gm.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			endTS = clock.Seconds(t)
		}
	}

	return types.MarketInfo{
		MarketID:     gm.ID,
		Question:     gm.Question,
		EventID:      eventID,
		Active:       gm.Active && !gm.Closed,
		EndTS:        endTS,
		Volume24hUSD: looseFloat(gm.Volume24hr),
		LiquidityUSD: looseFloat(gm.Liquidity),
		ConditionID:  gm.ConditionID,
		ClobTokenID:  primaryTokenID(gm.ClobTokenIds, gm.Outcomes),
	}
}

// RankAndFilter applies eligibility thresholds then ranks by 24h volume,
// liquidity as tiebreak. Returns the top-N slice and the full eligible set.
func RankAndFilter(markets []types.MarketInfo, minVol, minLiq float64, topN int) (top, eligible []types.MarketInfo) {
	for _, m := range markets {
		if m.Active && m.Volume24hUSD >= minVol && m.LiquidityUSD >= minLiq {
			eligible = append(eligible, m)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Volume24hUSD != eligible[j].Volume24hUSD {
			return eligible[i].Volume24hUSD > eligible[j].Volume24hUSD
		}
		return eligible[i].LiquidityUSD > eligible[j].LiquidityUSD
	})
	top = eligible
	if len(top) > topN {
		top = top[:topN]
	}
	return top, eligible
}

// looseFloat parses a field the API returns as either a number or a string.
func looseFloat(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}

// primaryTokenID extracts the "Yes" outcome token from the JSON-stringified
// clobTokenIds list, falling back to the first entry.
func primaryTokenID(tokenIDs, outcomes string) string {
	var ids []string
	if err := json.Unmarshal([]byte(tokenIDs), &ids); err != nil || len(ids) == 0 {
		return ""
	}
	var names []string
	if err := json.Unmarshal([]byte(outcomes), &names); err == nil {
		for i, name := range names {
			if i < len(ids) && equalsYes(name) {
				return ids[i]
			}
		}
	}
	return ids[0]
}

func equalsYes(s string) bool {
	return s == "Yes" || s == "yes" || s == "YES"
}
