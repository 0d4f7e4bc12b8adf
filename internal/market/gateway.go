package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ---------------------------------------------------------------------------
// Gateway — pulls pair metrics from multiple external feeds and normalizes
// them into Candidate records. A single slow or broken feed degrades
// candidate diversity, never the whole discovery cycle.
// ---------------------------------------------------------------------------

// maxBodyBytes caps how much of any feed response we are willing to read.
const maxBodyBytes = 8 << 20

// FeedSpec configures one HTTP discovery feed.
type FeedSpec struct {
	Name       string
	URL        string
	Tier       int
	Provenance Provenance
	Boosted    bool
}

// GatewayConfig configures the market data gateway.
type GatewayConfig struct {
	Feeds          []FeedSpec
	PriceURL       string // e.g. https://host/latest/dex/pairs — address appended
	RequestTimeout time.Duration
}

// Gateway fans discovery requests out to all configured feeds and merges the
// results, deduplicating by contract address with the highest-priority
// (lowest) tier winning.
type Gateway struct {
	config GatewayConfig
	client *http.Client

	feedErrors sync.Map // feed name -> last error, for stats
}

// NewGateway creates a market data gateway.
func NewGateway(config GatewayConfig) *Gateway {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 8 * time.Second
	}
	return &Gateway{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
	}
}

// Candidates queries every configured feed concurrently and merges results.
// Feed failures are soft: logged, recorded in stats, and skipped. Only every
// feed failing at once is an error.
func (g *Gateway) Candidates(ctx context.Context) ([]Candidate, error) {
	type feedResult struct {
		spec  FeedSpec
		cands []Candidate
		err   error
	}

	results := make(chan feedResult, len(g.config.Feeds))
	for _, spec := range g.config.Feeds {
		spec := spec
		go func() {
			cands, err := g.fetchFeed(ctx, spec)
			results <- feedResult{spec: spec, cands: cands, err: err}
		}()
	}

	merged := make(map[string]Candidate)
	failed := 0
	for range g.config.Feeds {
		res := <-results
		if res.err != nil {
			failed++
			g.feedErrors.Store(res.spec.Name, res.err.Error())
			log.Warn().Err(res.err).Str("feed", res.spec.Name).
				Msg("gateway: feed failed, continuing without it")
			continue
		}
		g.feedErrors.Delete(res.spec.Name)
		for _, c := range res.cands {
			existing, seen := merged[c.Address]
			if !seen || c.Tier < existing.Tier {
				// Carry the boost flag across feeds: a token boosted
				// anywhere stays boosted after the merge.
				if seen && existing.Boosted {
					c.Boosted = true
				}
				merged[c.Address] = c
			} else if c.Boosted && !existing.Boosted {
				existing.Boosted = true
				merged[c.Address] = existing
			}
		}
	}

	if len(g.config.Feeds) > 0 && failed == len(g.config.Feeds) {
		return nil, fmt.Errorf("gateway: all %d feeds failed", failed)
	}

	out := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	return out, nil
}

// fetchFeed pulls and parses one feed.
func (g *Gateway) fetchFeed(ctx context.Context, spec FeedSpec) ([]Candidate, error) {
	body, err := g.get(ctx, spec.URL)
	if err != nil {
		return nil, err
	}
	return parsePairs(body, spec), nil
}

// Quote fetches the current quote for a single asset address.
func (g *Gateway) Quote(ctx context.Context, address string) (Quote, error) {
	url := strings.TrimRight(g.config.PriceURL, "/") + "/" + address
	body, err := g.get(ctx, url)
	if err != nil {
		return Quote{}, err
	}

	pair := gjson.GetBytes(body, "pairs.0")
	if !pair.Exists() {
		pair = gjson.GetBytes(body, "pair")
	}
	if !pair.Exists() {
		return Quote{}, fmt.Errorf("gateway: no pair data for %s", address)
	}

	price, err := decimal.NewFromString(pair.Get("priceUsd").String())
	if err != nil {
		return Quote{}, fmt.Errorf("gateway: bad price for %s: %w", address, err)
	}

	return Quote{
		Address:      address,
		PriceUSD:     price,
		HasWindows:   pair.Get("priceChange").Exists(),
		Change5m:     pair.Get("priceChange.m5").Float(),
		Change1h:     pair.Get("priceChange.h1").Float(),
		Change24h:    pair.Get("priceChange.h24").Float(),
		Volume24hUSD: pair.Get("volume.h24").Float(),
		LiquidityUSD: pair.Get("liquidity.usd").Float(),
		AsOf:         time.Now(),
	}, nil
}

// get performs a bounded-timeout GET and returns the body.
func (g *Gateway) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway: %s returned HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("gateway: read body: %w", err)
	}
	return body, nil
}

// parsePairs extracts candidates from a dexscreener-shaped payload. Feeds
// vary in envelope ("pairs" array vs bare array), so the parse is tolerant.
func parsePairs(body []byte, spec FeedSpec) []Candidate {
	pairs := gjson.GetBytes(body, "pairs")
	if !pairs.Exists() {
		pairs = gjson.ParseBytes(body)
	}
	if !pairs.IsArray() {
		return nil
	}

	now := time.Now()
	var out []Candidate
	pairs.ForEach(func(_, pair gjson.Result) bool {
		addr := pair.Get("baseToken.address").String()
		if addr == "" {
			addr = pair.Get("tokenAddress").String()
		}
		if addr == "" {
			return true
		}

		price, err := decimal.NewFromString(pair.Get("priceUsd").String())
		if err != nil {
			price = decimal.Zero
		}

		var listedAt time.Time
		if created := pair.Get("pairCreatedAt").Int(); created > 0 {
			listedAt = time.UnixMilli(created)
		}

		out = append(out, Candidate{
			Symbol:       pair.Get("baseToken.symbol").String(),
			Name:         pair.Get("baseToken.name").String(),
			Address:      addr,
			PriceUSD:     price,
			Change5m:     pair.Get("priceChange.m5").Float(),
			Change1h:     pair.Get("priceChange.h1").Float(),
			Change24h:    pair.Get("priceChange.h24").Float(),
			Volume24hUSD: pair.Get("volume.h24").Float(),
			LiquidityUSD: pair.Get("liquidity.usd").Float(),
			Tier:         spec.Tier,
			Provenance:   spec.Provenance,
			Boosted:      spec.Boosted || pair.Get("boosts.active").Int() > 0,
			ListedAt:     listedAt,
			DiscoveredAt: now,
		})
		return true
	})
	return out
}

// Stats returns per-feed health for the stats endpoint.
func (g *Gateway) Stats() map[string]any {
	errs := make(map[string]string)
	g.feedErrors.Range(func(k, v any) bool {
		errs[k.(string)] = v.(string)
		return true
	})
	return map[string]any{
		"feeds":       len(g.config.Feeds),
		"feed_errors": errs,
	}
}
