package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pairsJSON = `{
	"pairs": [
		{
			"baseToken": {"address": "AddrAAA", "symbol": "AAA", "name": "Token A"},
			"priceUsd": "0.0042",
			"priceChange": {"m5": 2.5, "h1": 12.0, "h24": 45.0},
			"volume": {"h24": 125000},
			"liquidity": {"usd": 60000},
			"pairCreatedAt": 1700000000000
		},
		{
			"baseToken": {"address": "AddrBBB", "symbol": "BBB", "name": "Token B"},
			"priceUsd": "1.15",
			"priceChange": {"m5": -1.0, "h1": 3.0, "h24": 8.0},
			"volume": {"h24": 40000},
			"liquidity": {"usd": 15000},
			"boosts": {"active": 2}
		}
	]
}`

func TestGateway_Candidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pairsJSON))
	}))
	defer server.Close()

	gw := NewGateway(GatewayConfig{
		Feeds: []FeedSpec{
			{Name: "trending", URL: server.URL, Tier: 2, Provenance: ProvenanceTrending},
		},
	})

	candidates, err := gw.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	byAddr := map[string]Candidate{}
	for _, c := range candidates {
		byAddr[c.Address] = c
	}

	a := byAddr["AddrAAA"]
	assert.Equal(t, "AAA", a.Symbol)
	assert.Equal(t, "0.0042", a.PriceUSD.String())
	assert.Equal(t, 45.0, a.Change24h)
	assert.Equal(t, 125000.0, a.Volume24hUSD)
	assert.Equal(t, 60000.0, a.LiquidityUSD)
	assert.Equal(t, 2, a.Tier)
	assert.Equal(t, ProvenanceTrending, a.Provenance)
	assert.False(t, a.ListedAt.IsZero())

	b := byAddr["AddrBBB"]
	assert.True(t, b.Boosted, "active boosts should mark the candidate boosted")
}

func TestGateway_Candidates_DedupLowestTierWins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pairsJSON))
	}))
	defer server.Close()

	gw := NewGateway(GatewayConfig{
		Feeds: []FeedSpec{
			{Name: "trending", URL: server.URL, Tier: 3, Provenance: ProvenanceTrending},
			{Name: "boosted", URL: server.URL, Tier: 1, Provenance: ProvenanceBoosted, Boosted: true},
		},
	})

	candidates, err := gw.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 2, "same addresses from both feeds collapse to one entry each")

	for _, c := range candidates {
		assert.Equal(t, 1, c.Tier, "lowest tier wins on merge")
		assert.True(t, c.Boosted, "boost flag carries across merge")
	}
}

func TestGateway_Candidates_FeedFailureIsSoft(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pairsJSON))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	gw := NewGateway(GatewayConfig{
		Feeds: []FeedSpec{
			{Name: "good", URL: good.URL, Tier: 2, Provenance: ProvenanceTrending},
			{Name: "bad", URL: bad.URL, Tier: 1, Provenance: ProvenanceBoosted},
		},
	})

	candidates, err := gw.Candidates(context.Background())
	require.NoError(t, err, "one broken feed must not fail the cycle")
	assert.Len(t, candidates, 2)

	stats := gw.Stats()
	errs, ok := stats["feed_errors"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, errs, "bad")
}

func TestGateway_Candidates_AllFeedsFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	gw := NewGateway(GatewayConfig{
		Feeds: []FeedSpec{
			{Name: "one", URL: bad.URL, Tier: 1, Provenance: ProvenanceTrending},
			{Name: "two", URL: bad.URL, Tier: 2, Provenance: ProvenanceBoosted},
		},
	})

	_, err := gw.Candidates(context.Background())
	assert.Error(t, err, "every feed failing is a hard error")
}

func TestGateway_Quote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "AddrAAA")
		w.Write([]byte(pairsJSON))
	}))
	defer server.Close()

	gw := NewGateway(GatewayConfig{PriceURL: server.URL})

	quote, err := gw.Quote(context.Background(), "AddrAAA")
	require.NoError(t, err)
	assert.Equal(t, "AddrAAA", quote.Address)
	assert.Equal(t, "0.0042", quote.PriceUSD.String())
	assert.True(t, quote.HasWindows)
	assert.Equal(t, 12.0, quote.Change1h)
	assert.WithinDuration(t, time.Now(), quote.AsOf, 5*time.Second)
}

func TestCandidate_Fresh(t *testing.T) {
	c := Candidate{ListedAt: time.Now().Add(-30 * time.Minute)}
	assert.True(t, c.Fresh(time.Hour))
	assert.False(t, c.Fresh(10*time.Minute))

	unknown := Candidate{}
	assert.False(t, unknown.Fresh(time.Hour), "unknown listing time is never fresh")
}
