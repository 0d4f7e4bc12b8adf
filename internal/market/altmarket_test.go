package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAltMarket_Outcomes(t *testing.T) {
	payload := `{
		"markets": [
			{
				"id": "mkt-1",
				"question": "Will X happen by Friday?",
				"volume24hr": 180000,
				"endDate": "2026-09-04T00:00:00Z",
				"outcomes": ["Yes", "No"],
				"outcomePrices": [0.03, 0.97]
			},
			{
				"id": "mkt-2",
				"title": "Single outcome market",
				"volume": 90000,
				"outcome": "Yes",
				"price": 0.96
			},
			{
				"id": "mkt-3",
				"question": "Already resolved",
				"outcomes": ["Yes"],
				"outcomePrices": [1.0]
			}
		]
	}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer server.Close()

	feed := NewAltMarket(AltMarketConfig{URL: server.URL})
	outcomes, err := feed.Outcomes(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 3, "resolved prices (p=1) are skipped")

	assert.Equal(t, "mkt-1", outcomes[0].MarketID)
	assert.Equal(t, "Yes", outcomes[0].OutcomeName)
	assert.Equal(t, 0.03, outcomes[0].ImpliedProb)
	assert.Equal(t, 180000.0, outcomes[0].Volume24hUSD)
	assert.False(t, outcomes[0].EndsAt.IsZero())

	assert.Equal(t, 0.97, outcomes[1].ImpliedProb)

	assert.Equal(t, "mkt-2", outcomes[2].MarketID)
	assert.Equal(t, "Single outcome market", outcomes[2].Question)
	assert.Equal(t, 0.96, outcomes[2].ImpliedProb)
}

func TestAltMarket_Outcomes_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	feed := NewAltMarket(AltMarketConfig{URL: server.URL})
	_, err := feed.Outcomes(context.Background())
	assert.Error(t, err)
}

func TestAltMarket_Outcomes_BareArray(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": "m", "question": "q", "outcomes": ["Yes"], "outcomePrices": [0.5], "volume24hr": 1000}]`))
	}))
	defer server.Close()

	feed := NewAltMarket(AltMarketConfig{URL: server.URL})
	outcomes, err := feed.Outcomes(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, 0.5, outcomes[0].ImpliedProb)
}
