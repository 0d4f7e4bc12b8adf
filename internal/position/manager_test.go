package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drift-trading/drift/internal/events"
	"github.com/drift-trading/drift/internal/execution"
	"github.com/drift-trading/drift/internal/market"
	"github.com/drift-trading/drift/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *execution.StubService) {
	t.Helper()
	stub := execution.NewStubService(nil)
	adapter := execution.NewAdapter(execution.AdapterConfig{}, stub)
	recorder := events.NewRecorder(events.Config{BufferSize: 100})
	return NewManager(DefaultManagerConfig(), adapter, recorder, store.NewMemStore()), stub
}

func openAt(t *testing.T, m *Manager, price float64) Position {
	t.Helper()
	pos, err := m.Open(context.Background(), OpenRequest{
		Symbol:   "TEST",
		Address:  "AddrTEST",
		Strategy: "momentum_play",
		Price:    decimal.NewFromFloat(price),
		EntryUSD: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	return pos
}

func quoteAt(price float64) market.Quote {
	return market.Quote{Address: "AddrTEST", PriceUSD: decimal.NewFromFloat(price), AsOf: time.Now()}
}

func TestTrailWidth(t *testing.T) {
	bands := DefaultManagerConfig().TrailBands

	tests := []struct {
		p    float64
		want float64
	}{
		{5, 15},
		{19.9, 15},
		{20, 12},
		{49.9, 12},
		{50, 10},
		{99.9, 10},
		{100, 8},
		{500, 8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, trailWidth(bands, tt.p), "p=%.1f", tt.p)
	}

	// Width strictly decreases across bucket boundaries.
	prev := trailWidth(bands, 0)
	for _, p := range []float64{20, 50, 100} {
		w := trailWidth(bands, p)
		assert.Less(t, w, prev)
		prev = w
	}
}

func TestManager_HardStopTakesPriority(t *testing.T) {
	m, _ := newTestManager(t)
	openAt(t, m, 1.00)

	// Run the price up so trailing and partial conditions are also armed,
	// then crash through the stop.
	m.Evaluate(context.Background(), quoteAt(1.05))
	m.Evaluate(context.Background(), quoteAt(0.74))

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, ReasonStopLoss, history[0].ExitReason)
	assert.Equal(t, StatusClosed, history[0].Status)
	assert.Equal(t, 0, m.LiveCount())
}

func TestManager_PeakPriceMonotonic(t *testing.T) {
	m, _ := newTestManager(t)
	openAt(t, m, 1.00)

	lastPeak := 1.00
	for _, price := range []float64{1.02, 1.05, 1.03, 1.08, 1.01, 1.06} {
		m.Evaluate(context.Background(), quoteAt(price))
		active := m.Active()
		require.Len(t, active, 1)
		peak, _ := active[0].PeakPrice.Float64()
		assert.GreaterOrEqual(t, peak, lastPeak, "peak never decreases")
		lastPeak = peak
	}

	active := m.Active()
	peak, _ := active[0].PeakPrice.Float64()
	assert.InDelta(t, 1.08, peak, 1e-9, "peak holds the highest price seen")
}

func TestManager_PartialTakeFiresOnce(t *testing.T) {
	m, stub := newTestManager(t)
	openAt(t, m, 1.00)

	m.Evaluate(context.Background(), quoteAt(1.55))

	active := m.Active()
	require.Len(t, active, 1)
	assert.True(t, active[0].PartialTaken)
	assert.Equal(t, StatusPartial, active[0].Status)
	assert.Equal(t, "70", active[0].EntryUSD.String(), "30% of the notional sold")

	// Still >= the trigger: must not fire again.
	m.Evaluate(context.Background(), quoteAt(1.56))
	active = m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "70", active[0].EntryUSD.String())

	sells := 0
	for _, in := range stub.Submissions() {
		if in.Action == execution.ActionSell {
			sells++
		}
	}
	assert.Equal(t, 1, sells)
}

func TestManager_TrailingMoonbagScenario(t *testing.T) {
	m, _ := newTestManager(t)
	openAt(t, m, 1.00)

	var bagQty decimal.Decimal
	var bagPrice decimal.Decimal
	m.OnMoonbag = func(pos Position, qty, price decimal.Decimal) {
		bagQty, bagPrice = qty, price
	}

	ctx := context.Background()

	// Ride up: partial takes at +55%.
	m.Evaluate(ctx, quoteAt(1.55))
	require.Len(t, m.Active(), 1)

	// Peak at $2.10 (p=110%): trailing armed in the 8% band.
	m.Evaluate(ctx, quoteAt(2.10))
	require.Len(t, m.Active(), 1, "no retracement yet")

	// $1.95: drop from peak ~7.1% < 8%, still holds.
	m.Evaluate(ctx, quoteAt(1.95))
	require.Len(t, m.Active(), 1, "7.1%% retracement inside the 8%% band")

	// $1.90: drop from peak ~9.5% >= 8%, exits with a moonbag.
	m.Evaluate(ctx, quoteAt(1.90))
	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, ReasonTrailingMoonbag, history[0].ExitReason)

	// 10% of the remaining 70 tokens is retained.
	assert.Equal(t, "7", bagQty.String())
	assert.Equal(t, "1.9", bagPrice.String())
}

func TestManager_TrailingStopBelowMoonbagThreshold(t *testing.T) {
	m, _ := newTestManager(t)
	openAt(t, m, 1.00)
	m.OnMoonbag = func(Position, decimal.Decimal, decimal.Decimal) {
		t.Fatal("no moonbag below the profit threshold")
	}

	ctx := context.Background()
	m.Evaluate(ctx, quoteAt(1.30)) // peak p=30%, 12% band
	m.Evaluate(ctx, quoteAt(1.14)) // drop ~12.3% >= 12%

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, ReasonTrailingStop, history[0].ExitReason)
}

func TestManager_MomentumReversal(t *testing.T) {
	m, _ := newTestManager(t)
	openAt(t, m, 1.00)

	q := quoteAt(1.08)
	q.HasWindows = true
	q.Change5m = -12
	q.Change1h = -6
	m.Evaluate(context.Background(), q)

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, ReasonMomentumReversal, history[0].ExitReason)
}

func TestManager_StaleTimeExit(t *testing.T) {
	m, _ := newTestManager(t)
	openAt(t, m, 1.00)

	// Backdate the entry past the max hold.
	m.mu.Lock()
	for _, p := range m.positions {
		p.EnteredAt = time.Now().Add(-49 * time.Hour)
	}
	m.mu.Unlock()

	m.Evaluate(context.Background(), quoteAt(1.02))

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, ReasonTimeExit, history[0].ExitReason)

	// A stale position with real profit is not force-closed.
	m2, _ := newTestManager(t)
	openAt(t, m2, 1.00)
	m2.mu.Lock()
	for _, p := range m2.positions {
		p.EnteredAt = time.Now().Add(-49 * time.Hour)
	}
	m2.mu.Unlock()
	m2.Evaluate(context.Background(), quoteAt(1.08))
	assert.Len(t, m2.Active(), 1)
}

func TestManager_ExitFailureLeavesPositionUnchanged(t *testing.T) {
	m, stub := newTestManager(t)
	openAt(t, m, 1.00)

	stub.FailAction(execution.ActionSell, true)
	m.Evaluate(context.Background(), quoteAt(0.70))

	active := m.Active()
	require.Len(t, active, 1, "failed sell leaves the position for the next tick")
	assert.Equal(t, StatusOpen, active[0].Status)

	// Channel recovers: the same condition re-fires and commits.
	stub.FailAction(execution.ActionSell, false)
	m.Evaluate(context.Background(), quoteAt(0.70))
	assert.Empty(t, m.Active())
	require.Len(t, m.History(), 1)
	assert.Equal(t, ReasonStopLoss, m.History()[0].ExitReason)
}

func TestManager_FailedBuyBecomesPaperPosition(t *testing.T) {
	m, stub := newTestManager(t)
	stub.FailAction(execution.ActionBuy, true)

	_, err := m.Open(context.Background(), OpenRequest{
		Symbol:   "TEST",
		Address:  "AddrTEST",
		Strategy: "fresh_launch",
		Price:    decimal.NewFromFloat(1.00),
		EntryUSD: decimal.NewFromInt(100),
	})
	assert.Error(t, err, "caller must know the buy did not execute live")

	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, StatusPaper, active[0].Status)
	assert.Equal(t, 0, m.LiveCount(), "paper positions never count as exposure")

	// Paper exits are simulated without touching the adapter.
	stub.FailAction(execution.ActionSell, true)
	m.Evaluate(context.Background(), quoteAt(0.70))
	assert.Empty(t, m.Active())
}

func TestManager_PositionCap(t *testing.T) {
	config := DefaultManagerConfig()
	config.MaxOpenPositions = 1
	stub := execution.NewStubService(nil)
	adapter := execution.NewAdapter(execution.AdapterConfig{}, stub)
	recorder := events.NewRecorder(events.Config{BufferSize: 100})
	m := NewManager(config, adapter, recorder, store.NewMemStore())

	openAt(t, m, 1.00)
	_, err := m.Open(context.Background(), OpenRequest{
		Symbol: "TWO", Address: "Addr2", Strategy: "x",
		Price: decimal.NewFromFloat(1), EntryUSD: decimal.NewFromInt(100),
	})
	assert.ErrorContains(t, err, "cap")
}

func TestManager_RestoresFromStore(t *testing.T) {
	st := store.NewMemStore()
	stub := execution.NewStubService(nil)
	adapter := execution.NewAdapter(execution.AdapterConfig{}, stub)
	recorder := events.NewRecorder(events.Config{BufferSize: 100})

	m1 := NewManager(DefaultManagerConfig(), adapter, recorder, st)
	pos, err := m1.Open(context.Background(), OpenRequest{
		Symbol: "TEST", Address: "AddrTEST", Strategy: "momentum_play",
		Price: decimal.NewFromFloat(1), EntryUSD: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	m2 := NewManager(DefaultManagerConfig(), adapter, recorder, st)
	active := m2.Active()
	require.Len(t, active, 1)
	assert.Equal(t, pos.ID, active[0].ID)
	assert.Equal(t, 1, m2.LiveCount())
}

func TestManager_CorruptStateStartsEmpty(t *testing.T) {
	st := store.NewMemStore()
	require.NoError(t, st.Save(store.KeyPositions, "not a position list"))

	stub := execution.NewStubService(nil)
	adapter := execution.NewAdapter(execution.AdapterConfig{}, stub)
	recorder := events.NewRecorder(events.Config{BufferSize: 100})

	m := NewManager(DefaultManagerConfig(), adapter, recorder, st)
	assert.Empty(t, m.Active())

	recent := recorder.Recent(0)
	require.NotEmpty(t, recent, "corruption is flagged loudly")
	assert.Equal(t, events.TypeStateCorruption, recent[0].Type)
}

// slowService widens the decide-to-commit window so concurrent ticks can
// race through it.
type slowService struct {
	execution.Service
	delay time.Duration
}

func (s slowService) Submit(ctx context.Context, in execution.Instruction) (execution.Result, error) {
	time.Sleep(s.delay)
	return s.Service.Submit(ctx, in)
}

// cancelSensitiveService refuses submissions whose context is already dead,
// the way a real HTTP client would.
type cancelSensitiveService struct {
	execution.Service
}

func (s cancelSensitiveService) Submit(ctx context.Context, in execution.Instruction) (execution.Result, error) {
	if err := ctx.Err(); err != nil {
		return execution.Result{}, err
	}
	return s.Service.Submit(ctx, in)
}

func TestManager_PartialTakeFiresOnceUnderConcurrentTicks(t *testing.T) {
	stub := execution.NewStubService(nil)
	adapter := execution.NewAdapter(execution.AdapterConfig{}, slowService{Service: stub, delay: 50 * time.Millisecond})
	recorder := events.NewRecorder(events.Config{BufferSize: 100})
	m := NewManager(DefaultManagerConfig(), adapter, recorder, store.NewMemStore())
	openAt(t, m, 1.00)

	// Poll tick and stream tick for the same address land together.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Evaluate(context.Background(), quoteAt(1.55))
		}()
	}
	wg.Wait()

	sells := 0
	for _, in := range stub.Submissions() {
		if in.Action == execution.ActionSell {
			sells++
		}
	}
	assert.Equal(t, 1, sells, "the partial sell is submitted once")

	active := m.Active()
	require.Len(t, active, 1)
	assert.True(t, active[0].PartialTaken)
	assert.Equal(t, "70", active[0].EntryUSD.String(), "one 30% take accounted")
	assert.Equal(t, int64(1), m.Stats()["partials"])
}

func TestManager_ExitSurvivesCallerCancellation(t *testing.T) {
	stub := execution.NewStubService(nil)
	adapter := execution.NewAdapter(execution.AdapterConfig{}, cancelSensitiveService{Service: stub})
	recorder := events.NewRecorder(events.Config{BufferSize: 100})
	m := NewManager(DefaultManagerConfig(), adapter, recorder, store.NewMemStore())
	openAt(t, m, 1.00)

	// Shutdown cancels the watcher context while a stop-loss is pending.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Evaluate(ctx, quoteAt(0.70))

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, ReasonStopLoss, history[0].ExitReason)

	sells := 0
	for _, in := range stub.Submissions() {
		if in.Action == execution.ActionSell {
			sells++
		}
	}
	assert.Equal(t, 1, sells, "the sell reached the service despite cancellation")
}

func TestManager_FeedZeroWindowsAreNotAbsent(t *testing.T) {
	m, _ := newTestManager(t)
	openAt(t, m, 1.00)

	// Internal history says the price collapsed from 1.30.
	m.momentum.Record("AddrTEST", decimal.NewFromFloat(1.30), time.Now().UTC().Add(-4*time.Minute))

	// The feed reports flat windows. Flat is an answer, not an omission.
	q := quoteAt(1.08)
	q.HasWindows = true
	m.Evaluate(context.Background(), q)
	assert.Empty(t, m.History(), "feed-confirmed flat momentum holds the position")

	// Without feed windows the internal history drives the reversal exit.
	q.HasWindows = false
	m.Evaluate(context.Background(), q)
	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, ReasonMomentumReversal, history[0].ExitReason)
}
