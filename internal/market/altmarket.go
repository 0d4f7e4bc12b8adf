package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// ---------------------------------------------------------------------------
// AltMarket — outcome feed for the alternative-market edge scan. Pulls
// event markets with implied probabilities and 24h volume; the edge watcher
// decides which ones are mispriced.
// ---------------------------------------------------------------------------

// AltMarketConfig configures the alternative-market outcome feed.
type AltMarketConfig struct {
	URL            string
	RequestTimeout time.Duration
}

// AltMarket fetches outcome markets over HTTP. Implements OutcomeFeed.
type AltMarket struct {
	config AltMarketConfig
	client *http.Client
}

// NewAltMarket creates an alternative-market feed client.
func NewAltMarket(config AltMarketConfig) *AltMarket {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 8 * time.Second
	}
	return &AltMarket{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
	}
}

// Outcomes fetches the current outcome list.
func (a *AltMarket) Outcomes(ctx context.Context) ([]Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("alt-market request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alt-market fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alt-market fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("alt-market read: %w", err)
	}
	return parseOutcomes(body), nil
}

// parseOutcomes tolerates both a bare array of markets and an object with a
// "markets" field. Markets without a usable probability are skipped.
func parseOutcomes(body []byte) []Outcome {
	parsed := gjson.ParseBytes(body)
	list := parsed
	if !parsed.IsArray() {
		list = parsed.Get("markets")
	}
	if !list.IsArray() {
		return nil
	}

	var out []Outcome
	list.ForEach(func(_, m gjson.Result) bool {
		marketID := m.Get("id").String()
		question := m.Get("question").String()
		if question == "" {
			question = m.Get("title").String()
		}
		volume := m.Get("volume24hr").Float()
		if volume == 0 {
			volume = m.Get("volume").Float()
		}
		var endsAt time.Time
		if end := m.Get("endDate").String(); end != "" {
			if t, err := time.Parse(time.RFC3339, end); err == nil {
				endsAt = t
			}
		}

		outcomes := m.Get("outcomes")
		prices := m.Get("outcomePrices")
		if outcomes.IsArray() && prices.IsArray() {
			names := outcomes.Array()
			probs := prices.Array()
			for i := range names {
				if i >= len(probs) {
					break
				}
				p := probs[i].Float()
				if p <= 0 || p >= 1 {
					continue
				}
				out = append(out, Outcome{
					MarketID:     marketID,
					Question:     question,
					OutcomeName:  names[i].String(),
					ImpliedProb:  p,
					Volume24hUSD: volume,
					EndsAt:       endsAt,
				})
			}
			return true
		}

		// Single-outcome shape: market carries one price directly.
		if p := m.Get("price").Float(); p > 0 && p < 1 {
			out = append(out, Outcome{
				MarketID:     marketID,
				Question:     question,
				OutcomeName:  m.Get("outcome").String(),
				ImpliedProb:  p,
				Volume24hUSD: volume,
				EndsAt:       endsAt,
			})
		}
		return true
	})
	return out
}
