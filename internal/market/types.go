package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Market Data Gateway — normalized candidate and quote shapes
// ---------------------------------------------------------------------------

// Provenance tags which feed produced a candidate.
type Provenance string

const (
	ProvenanceTrending Provenance = "trending"
	ProvenanceBoosted  Provenance = "boosted"
	ProvenanceIndex    Provenance = "established_index"
)

// Candidate is a discovered tradable asset snapshot. Ephemeral: recomputed
// every discovery cycle, never persisted standalone.
type Candidate struct {
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Address      string          `json:"address"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	Change5m     float64         `json:"change_5m"`  // percent
	Change1h     float64         `json:"change_1h"`  // percent
	Change24h    float64         `json:"change_24h"` // percent
	Volume24hUSD float64         `json:"volume_24h_usd"`
	LiquidityUSD float64         `json:"liquidity_usd"`
	Tier         int             `json:"tier"` // 1 = highest-priority ecosystem
	Provenance   Provenance      `json:"provenance"`
	Boosted      bool            `json:"boosted"` // paid-promotion flag
	ListedAt     time.Time       `json:"listed_at"`
	DiscoveredAt time.Time       `json:"discovered_at"`
}

// Fresh reports whether the candidate was listed within the window.
// Candidates without a listing timestamp are never considered fresh.
func (c Candidate) Fresh(window time.Duration) bool {
	if c.ListedAt.IsZero() {
		return false
	}
	return time.Since(c.ListedAt) <= window
}

// Quote is a point-in-time price observation for one asset. HasWindows
// distinguishes a feed that reported change windows (possibly zero) from
// one that omitted them.
type Quote struct {
	Address      string          `json:"address"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	HasWindows   bool            `json:"has_windows"`
	Change5m     float64         `json:"change_5m"`
	Change1h     float64         `json:"change_1h"`
	Change24h    float64         `json:"change_24h"`
	Volume24hUSD float64         `json:"volume_24h_usd"`
	LiquidityUSD float64         `json:"liquidity_usd"`
	AsOf         time.Time       `json:"as_of"`
}

// Feed produces discovery candidates from one external source.
type Feed interface {
	Name() string
	Candidates(ctx context.Context) ([]Candidate, error)
}

// PriceSource resolves current quotes for individual assets.
type PriceSource interface {
	Quote(ctx context.Context, address string) (Quote, error)
}

// Outcome is one alternative-market (binary outcome) listing used by the
// edge watcher: price doubles as implied probability.
type Outcome struct {
	MarketID     string    `json:"market_id"`
	Question     string    `json:"question"`
	OutcomeName  string    `json:"outcome"`
	ImpliedProb  float64   `json:"implied_prob"` // 0..1
	Volume24hUSD float64   `json:"volume_24h_usd"`
	EndsAt       time.Time `json:"ends_at"`
}

// OutcomeFeed lists alternative-market outcomes for mispricing scans.
type OutcomeFeed interface {
	Outcomes(ctx context.Context) ([]Outcome, error)
}
