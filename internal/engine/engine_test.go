package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drift-trading/drift/internal/events"
	"github.com/drift-trading/drift/internal/execution"
	"github.com/drift-trading/drift/internal/market"
	"github.com/drift-trading/drift/internal/moonbag"
	"github.com/drift-trading/drift/internal/position"
	"github.com/drift-trading/drift/internal/risk"
	"github.com/drift-trading/drift/internal/scoring"
	"github.com/drift-trading/drift/internal/store"
	"github.com/drift-trading/drift/internal/treasury"
	"github.com/drift-trading/drift/internal/wage"
)

type harness struct {
	engine   *Engine
	stub     *execution.StubService
	manager  *position.Manager
	moonbags *moonbag.Manager
	wages    *wage.Tracker
	risk     *risk.Engine
	recorder *events.Recorder
}

func newHarness(t *testing.T, mutate func(*position.ManagerConfig, *execution.AdapterConfig)) *harness {
	t.Helper()

	recorder := events.NewRecorder(events.Config{BufferSize: 200})
	st := store.NewMemStore()
	stub := execution.NewStubService(map[string]decimal.Decimal{
		"operating": decimal.NewFromInt(1000),
	})

	mgrCfg := position.DefaultManagerConfig()
	adpCfg := execution.AdapterConfig{ChannelLossThreshold: 3}
	if mutate != nil {
		mutate(&mgrCfg, &adpCfg)
	}

	adapter := execution.NewAdapter(adpCfg, stub)
	manager := position.NewManager(mgrCfg, adapter, recorder, st)
	moonbags := moonbag.NewManager(moonbag.Config{ReEntryMultiple: 5}, recorder, st)
	sweeper := treasury.NewSweeper(treasury.DefaultConfig(), adapter, recorder, st)
	wages := wage.NewTracker(decimal.NewFromInt(5), recorder, st)
	riskEngine := risk.New(risk.Config{MaxDailyLossUSD: 200, MaxDailySpendUSD: 1000}, recorder, st)

	eng := New(
		DefaultConfig(),
		scoring.NewScorer(scoring.DefaultConfig()),
		scoring.NewQualifier(scoring.DefaultQualifyConfig()),
		position.NewSizer(position.DefaultSizerConfig()),
		manager,
		moonbags,
		sweeper,
		wages,
		riskEngine,
		adapter,
		recorder,
	)

	return &harness{
		engine:   eng,
		stub:     stub,
		manager:  manager,
		moonbags: moonbags,
		wages:    wages,
		risk:     riskEngine,
		recorder: recorder,
	}
}

// strongCandidate qualifies via the ecosystem-momentum path.
func strongCandidate() market.Candidate {
	return market.Candidate{
		Symbol:       "BONKAI",
		Name:         "Bonk AI",
		Address:      "AddrBONKAI",
		PriceUSD:     decimal.NewFromFloat(0.004),
		Change24h:    30,
		Volume24hUSD: 120_000,
		LiquidityUSD: 50_000,
		Tier:         1,
		Provenance:   market.ProvenanceTrending,
	}
}

func weakCandidate() market.Candidate {
	return market.Candidate{
		Symbol:       "DUST",
		Address:      "AddrDUST",
		PriceUSD:     decimal.NewFromFloat(0.001),
		Change24h:    -5,
		Volume24hUSD: 800,
		LiquidityUSD: 6_000,
		Tier:         4,
	}
}

func TestPipelineOpensQualifiedCandidate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.engine.HandleNewToken(ctx, strongCandidate())

	require.Equal(t, 1, h.manager.LiveCount())
	pos := h.manager.Active()[0]
	assert.Equal(t, "BONKAI", pos.Symbol)
	assert.Equal(t, scoring.PathEcosystemPlay, pos.Strategy)
	// Sizing from $1000 virtual capital at 20% = $200.
	assert.Equal(t, "200", pos.EntryUSD.String())
	assert.Equal(t, "200", h.risk.Day().SpendUSD.String())
}

func TestPipelineRejectsWeakCandidate(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.HandleNewToken(context.Background(), weakCandidate())

	assert.Equal(t, 0, h.manager.LiveCount())
	assert.Empty(t, h.stub.Submissions())
	assert.Equal(t, int64(1), h.engine.Stats()["rejects"])
}

func TestPausedEngineSkipsEntries(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.Pause()
	h.engine.HandleNewToken(context.Background(), strongCandidate())
	assert.Equal(t, 0, h.manager.LiveCount())

	h.engine.Resume()
	h.engine.HandleNewToken(context.Background(), strongCandidate())
	assert.Equal(t, 1, h.manager.LiveCount())
}

func TestCapBlockedCandidateLandsOnWatchlist(t *testing.T) {
	h := newHarness(t, func(m *position.ManagerConfig, _ *execution.AdapterConfig) {
		m.MaxOpenPositions = 1
	})
	ctx := context.Background()

	h.engine.HandleNewToken(ctx, strongCandidate())
	require.Equal(t, 1, h.manager.LiveCount())

	second := strongCandidate()
	second.Symbol = "WIFAI"
	second.Address = "AddrWIFAI"
	h.engine.HandleNewToken(ctx, second)

	assert.Equal(t, 1, h.manager.LiveCount())
	assert.Contains(t, h.engine.Addresses(), "AddrWIFAI", "blocked candidate is watched for later")
}

func TestWatchlistEntryOpensWhenCapFrees(t *testing.T) {
	h := newHarness(t, func(m *position.ManagerConfig, _ *execution.AdapterConfig) {
		m.MaxOpenPositions = 1
	})
	ctx := context.Background()

	h.engine.HandleNewToken(ctx, strongCandidate())
	blocked := strongCandidate()
	blocked.Symbol = "WIFAI"
	blocked.Address = "AddrWIFAI"
	h.engine.HandleNewToken(ctx, blocked)
	require.Equal(t, 1, h.manager.LiveCount())

	// Stop out the open position to free the slot.
	h.engine.HandlePriceMove(ctx, market.Quote{
		Address:  "AddrBONKAI",
		PriceUSD: decimal.NewFromFloat(0.002),
		AsOf:     time.Now(),
	})
	require.Equal(t, 0, h.manager.LiveCount())

	// A material move on the watched address re-runs the pipeline.
	h.engine.HandlePriceMove(ctx, market.Quote{
		Address:      "AddrWIFAI",
		PriceUSD:     decimal.NewFromFloat(0.0042),
		Change24h:    31,
		Volume24hUSD: 130_000,
		LiquidityUSD: 52_000,
		AsOf:         time.Now(),
	})
	require.Equal(t, 1, h.manager.LiveCount())
	assert.Equal(t, "WIFAI", h.manager.Active()[0].Symbol)
	assert.NotContains(t, h.engine.Addresses(), "AddrWIFAI", "entered candidate leaves the watchlist")
}

func TestRealizedLossFlowsToWageAndRisk(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.engine.HandleNewToken(ctx, strongCandidate())
	require.Equal(t, 1, h.manager.LiveCount())

	// -50% is through the hard stop.
	h.engine.HandlePriceMove(ctx, market.Quote{
		Address:  "AddrBONKAI",
		PriceUSD: decimal.NewFromFloat(0.002),
		AsOf:     time.Now(),
	})

	require.Equal(t, 0, h.manager.LiveCount())
	assert.Equal(t, "-100", h.risk.Day().PnLUSD.String(), "-50% of $200")
	assert.Equal(t, "-100", h.wages.State().HourPnLUSD.String())
}

func TestMoonbagCreatedOnTrailingExit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.engine.HandleNewToken(ctx, strongCandidate())
	require.Equal(t, 1, h.manager.LiveCount())

	quote := func(price float64) market.Quote {
		return market.Quote{Address: "AddrBONKAI", PriceUSD: decimal.NewFromFloat(price), AsOf: time.Now()}
	}

	// Ride to +150% (partial takes on the way), then retrace into the
	// 8% trailing band.
	h.engine.HandlePriceMove(ctx, quote(0.006)) // +50%, partial take
	h.engine.HandlePriceMove(ctx, quote(0.010)) // +150% peak
	h.engine.HandlePriceMove(ctx, quote(0.0091))

	require.Equal(t, 0, h.manager.LiveCount())
	bags := h.moonbags.Bags()
	require.Len(t, bags, 1)
	assert.Equal(t, "BONKAI", bags[0].Symbol)
	assert.Equal(t, moonbag.StatusHolding, bags[0].Status)
	assert.Contains(t, h.engine.Addresses(), "AddrBONKAI", "held moonbag stays watched")
}

func TestChannelLossHaltsEngine(t *testing.T) {
	h := newHarness(t, func(_ *position.ManagerConfig, a *execution.AdapterConfig) {
		a.ChannelLossThreshold = 2
	})
	h.stub.FailNext(10)
	ctx := context.Background()

	first := strongCandidate()
	h.engine.HandleNewToken(ctx, first)

	second := strongCandidate()
	second.Symbol = "WIFAI"
	second.Address = "AddrWIFAI"
	h.engine.HandleNewToken(ctx, second)

	assert.True(t, h.engine.Halted())

	var halts int
	for _, rec := range h.recorder.Recent(0) {
		if rec.Type == events.TypeEngineHalt {
			halts++
		}
	}
	assert.Equal(t, 1, halts)

	// Halted engine refuses further entries.
	h.stub.FailNext(0)
	third := strongCandidate()
	third.Symbol = "JUPAI"
	third.Address = "AddrJUPAI"
	h.engine.HandleNewToken(ctx, third)
	assert.Equal(t, 0, h.manager.LiveCount())
}

func TestKillForceClosesPositions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.engine.HandleNewToken(ctx, strongCandidate())
	require.Equal(t, 1, h.manager.LiveCount())

	h.engine.Kill(ctx)

	assert.Equal(t, 0, h.manager.LiveCount())
	assert.False(t, h.risk.IsActive())
	require.Len(t, h.manager.History(), 1)
	assert.Equal(t, position.ReasonOperatorClose, h.manager.History()[0].ExitReason)

	// Kill switch holds even through HandleNewToken.
	h.engine.HandleNewToken(ctx, strongCandidate())
	assert.Equal(t, 0, h.manager.LiveCount())
}

func TestTreasuryTriggerSweeps(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.HandleTreasuryTrigger(context.Background(), decimal.NewFromInt(600))

	subs := h.stub.Submissions()
	require.Len(t, subs, 2, "cold and operations transfers")
	assert.Equal(t, execution.ActionTransfer, subs[0].Action)
	assert.Equal(t, int64(1), h.engine.Stats()["sweeps"])
}

func TestBalanceObservationSetsCapital(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, "1000", h.engine.Capital().String(), "virtual capital before any observation")

	h.engine.HandleBalance(decimal.NewFromInt(400))
	assert.Equal(t, "400", h.engine.Capital().String())
}

func TestRediscoveredHeldTokenDoesNotStack(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.engine.HandleNewToken(ctx, strongCandidate())
	require.Equal(t, 1, h.manager.LiveCount())

	// Seen-set expiry or a watchlist recheck re-emits the same token.
	h.engine.HandleNewToken(ctx, strongCandidate())

	assert.Equal(t, 1, h.manager.LiveCount())
	assert.Equal(t, int64(1), h.engine.Stats()["entries"])
	buys := 0
	for _, in := range h.stub.Submissions() {
		if in.Action == execution.ActionBuy {
			buys++
		}
	}
	assert.Equal(t, 1, buys, "no second buy on an address already held")
}
