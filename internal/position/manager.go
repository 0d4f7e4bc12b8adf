package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/drift-trading/drift/internal/events"
	"github.com/drift-trading/drift/internal/execution"
	"github.com/drift-trading/drift/internal/market"
	"github.com/drift-trading/drift/internal/store"
)

// ---------------------------------------------------------------------------
// Position Manager
// Sole mutator of position state. Observation ticks run in three phases:
// decide under the lock, submit to the adapter outside it, commit back
// under the lock only on adapter success. Re-evaluating an exit that
// failed to submit is correct, not a bug.
// ---------------------------------------------------------------------------

// TrailBand is one row of the trailing-stop width table.
type TrailBand struct {
	MinProfitPct float64 `json:"min_profit_pct"`
	WidthPct     float64 `json:"width_pct"`
}

// ManagerConfig configures the exit state machine.
type ManagerConfig struct {
	StopLossPct         float64     // hard stop, positive percent
	TrailMinProfitPct   float64     // profit before trailing activates
	TrailBands          []TrailBand // ascending by MinProfitPct
	PartialTriggerPct   float64
	PartialSellPct      float64
	MoonbagRetainPct    float64
	MoonbagMinProfitPct float64
	ReversalProfitPct   float64
	ReversalShortPct    float64 // 5m momentum threshold, negative
	ReversalMediumPct   float64 // 1h momentum threshold, negative
	MaxHold             time.Duration
	StaleBandPct        float64
	MaxOpenPositions    int
}

// DefaultManagerConfig returns the standard exit policy.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		StopLossPct:       25,
		TrailMinProfitPct: 10,
		TrailBands: []TrailBand{
			{MinProfitPct: 0, WidthPct: 15},
			{MinProfitPct: 20, WidthPct: 12},
			{MinProfitPct: 50, WidthPct: 10},
			{MinProfitPct: 100, WidthPct: 8},
		},
		PartialTriggerPct:   50,
		PartialSellPct:      30,
		MoonbagRetainPct:    10,
		MoonbagMinProfitPct: 100,
		ReversalProfitPct:   5,
		ReversalShortPct:    -10,
		ReversalMediumPct:   -5,
		MaxHold:             48 * time.Hour,
		StaleBandPct:        5,
		MaxOpenPositions:    5,
	}
}

// trailWidth returns the active trailing-stop width for an unrealized
// profit percent. Pure function of p.
func trailWidth(bands []TrailBand, p float64) float64 {
	width := bands[0].WidthPct
	for _, b := range bands {
		if p >= b.MinProfitPct {
			width = b.WidthPct
		}
	}
	return width
}

// decision is the outcome of one position evaluation.
type decision struct {
	positionID string
	reason     string
	sellPct    float64 // percent of current holding to sell
	closes     bool    // position fully closes after the sell
	moonbag    bool    // retain a moonbag remainder
	pnlPct     float64 // unrealized percent at decision time
	price      decimal.Decimal
}

// OpenRequest asks the manager to enter a position.
type OpenRequest struct {
	Symbol   string
	Address  string
	Strategy string
	Price    decimal.Decimal
	EntryUSD decimal.Decimal
}

// Manager owns the position set.
type Manager struct {
	config   ManagerConfig
	adapter  *execution.Adapter
	recorder *events.Recorder
	store    store.Store
	momentum *MomentumTracker

	mu        sync.Mutex
	positions map[string]*Position // by position ID
	history   []Position           // closed positions, archived
	exiting   map[string]struct{}  // position IDs with an exit in flight

	inflight sync.WaitGroup
	stopping atomic.Bool

	opened   atomic.Int64
	closed   atomic.Int64
	partials atomic.Int64
	papers   atomic.Int64

	// OnRealized fires after each realized P&L commit, live trades only.
	OnRealized func(pnlUSD decimal.Decimal, pos Position)
	// OnMoonbag fires when a trailing exit retains a remainder.
	OnMoonbag func(pos Position, quantity decimal.Decimal, price decimal.Decimal)
}

// NewManager restores the position set from the store and returns the
// manager. Corrupt position state falls back to an empty set and is flagged
// through the event sink; it never prevents startup.
func NewManager(config ManagerConfig, adapter *execution.Adapter, recorder *events.Recorder, st store.Store) *Manager {
	if len(config.TrailBands) == 0 {
		config.TrailBands = DefaultManagerConfig().TrailBands
	}
	m := &Manager{
		config:    config,
		adapter:   adapter,
		recorder:  recorder,
		store:     st,
		momentum:  NewMomentumTracker(),
		positions: make(map[string]*Position),
		exiting:   make(map[string]struct{}),
	}
	m.restore()
	return m
}

func (m *Manager) restore() {
	var saved []Position
	found, err := m.store.Load(store.KeyPositions, &saved)
	if err != nil {
		var corrupt *store.CorruptError
		if errors.As(err, &corrupt) {
			log.Error().Err(err).Msg("manager: POSITION STATE CORRUPT, starting with empty set")
			m.recorder.Emit(events.TypeStateCorruption, map[string]string{
				"key":   store.KeyPositions,
				"error": err.Error(),
			})
			return
		}
		log.Error().Err(err).Msg("manager: load positions failed")
		return
	}
	if !found {
		return
	}
	for i := range saved {
		p := saved[i]
		if p.Terminal() {
			m.history = append(m.history, p)
			continue
		}
		m.positions[p.ID] = &p
	}
	log.Info().Int("active", len(m.positions)).Msg("manager: positions restored")
}

// Open submits a buy and creates the resulting position. A failed buy
// creates a paper position (the adapter has already recorded the shadow
// trade); the error is still returned so callers can account capital
// correctly.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (Position, error) {
	if !req.Price.IsPositive() {
		return Position{}, fmt.Errorf("manager: entry price must be positive")
	}
	if req.EntryUSD.LessThanOrEqual(decimal.Zero) {
		return Position{}, fmt.Errorf("manager: entry notional must be positive")
	}

	m.mu.Lock()
	if m.config.MaxOpenPositions > 0 && m.liveCountLocked() >= m.config.MaxOpenPositions {
		m.mu.Unlock()
		return Position{}, fmt.Errorf("manager: position cap %d reached", m.config.MaxOpenPositions)
	}
	m.mu.Unlock()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	defer cancel()
	m.inflight.Add(1)
	res, err := m.adapter.Submit(sctx, execution.Instruction{
		Action:    execution.ActionBuy,
		Asset:     req.Address,
		Symbol:    req.Symbol,
		AmountUSD: req.EntryUSD,
		Context:   "entry:" + req.Strategy,
	})
	m.inflight.Done()

	status := StatusOpen
	if err != nil || !res.Success {
		status = StatusPaper
	}

	now := time.Now().UTC()
	pos := Position{
		ID:             uuid.NewString(),
		Symbol:         req.Symbol,
		Address:        req.Address,
		Strategy:       req.Strategy,
		EntryPrice:     req.Price,
		EntryUSD:       req.EntryUSD,
		Quantity:       req.EntryUSD.Div(req.Price),
		PeakPrice:      req.Price,
		StopPrice:      req.Price.Mul(decimal.NewFromFloat(1 - m.config.StopLossPct/100)),
		Status:         status,
		EnteredAt:      now,
		LastPrice:      req.Price,
		LastObservedAt: now,
	}

	m.mu.Lock()
	m.positions[pos.ID] = &pos
	m.mu.Unlock()
	m.persist()

	if status == StatusPaper {
		m.papers.Add(1)
		log.Warn().Str("symbol", req.Symbol).Str("position_id", pos.ID).
			Msg("manager: buy not executed, tracking as paper position")
		return pos, err
	}

	m.opened.Add(1)
	m.recorder.Emit(events.TypePositionOpened, pos)
	log.Info().
		Str("symbol", pos.Symbol).
		Str("strategy", pos.Strategy).
		Str("entry_usd", pos.EntryUSD.StringFixed(2)).
		Str("tx_ref", res.TxRef).
		Msg("manager: POSITION OPENED")
	return pos, nil
}

// Evaluate runs one observation tick for every non-terminal position on the
// quoted asset.
func (m *Manager) Evaluate(ctx context.Context, quote market.Quote) {
	if m.stopping.Load() {
		return
	}
	now := time.Now().UTC()
	m.momentum.Record(quote.Address, quote.PriceUSD, now)

	// Phase 1: update observations and collect decisions under the lock.
	// A position with an exit already in flight still records the
	// observation but must not decide again: poll and stream ticks for the
	// same address can land concurrently.
	m.mu.Lock()
	var pending []decision
	for _, pos := range m.positions {
		if pos.Address != quote.Address || pos.Terminal() {
			continue
		}
		pos.LastPrice = quote.PriceUSD
		pos.LastObservedAt = now
		if quote.PriceUSD.GreaterThan(pos.PeakPrice) {
			pos.PeakPrice = quote.PriceUSD
		}
		if _, busy := m.exiting[pos.ID]; busy {
			continue
		}
		if d, ok := m.decide(pos, quote, now); ok {
			m.exiting[pos.ID] = struct{}{}
			pending = append(pending, d)
		}
	}
	m.mu.Unlock()

	// Phase 2+3: submit each exit outside the lock, commit only on success.
	for _, d := range pending {
		m.submitAndCommit(ctx, d)
	}
}

// decide applies the exit tree in priority order. Caller holds the lock.
func (m *Manager) decide(pos *Position, quote market.Quote, now time.Time) (decision, bool) {
	price := quote.PriceUSD
	p := pos.UnrealizedPct(price)
	drop := pos.DropFromPeakPct(price)
	// Width and the moonbag threshold key off profit at peak: once a
	// position has ratcheted into a tighter band, retracement does not
	// loosen it again.
	pPeak := pos.UnrealizedPct(pos.PeakPrice)

	// 1. Hard stop.
	if p <= -m.config.StopLossPct {
		return decision{positionID: pos.ID, reason: ReasonStopLoss, sellPct: 100, closes: true, pnlPct: p, price: price}, true
	}

	// 2. Trailing stop, moonbag split above the profit threshold.
	if p >= m.config.TrailMinProfitPct && drop >= trailWidth(m.config.TrailBands, pPeak) {
		if pPeak >= m.config.MoonbagMinProfitPct && m.config.MoonbagRetainPct > 0 {
			return decision{
				positionID: pos.ID,
				reason:     ReasonTrailingMoonbag,
				sellPct:    100 - m.config.MoonbagRetainPct,
				closes:     true,
				moonbag:    true,
				pnlPct:     p,
				price:      price,
			}, true
		}
		return decision{positionID: pos.ID, reason: ReasonTrailingStop, sellPct: 100, closes: true, pnlPct: p, price: price}, true
	}

	// 3. Partial take, once.
	if !pos.PartialTaken && p >= m.config.PartialTriggerPct {
		return decision{positionID: pos.ID, reason: ReasonPartialProfit, sellPct: m.config.PartialSellPct, pnlPct: p, price: price}, true
	}

	// 4. Momentum reversal while still profitable.
	short, mid := m.momentumWindows(pos.Address, quote, now)
	if p > m.config.ReversalProfitPct && short < m.config.ReversalShortPct && mid < m.config.ReversalMediumPct {
		return decision{positionID: pos.ID, reason: ReasonMomentumReversal, sellPct: 100, closes: true, pnlPct: p, price: price}, true
	}

	// 5. Stale position.
	if pos.HoldDuration(now) > m.config.MaxHold && p > -m.config.StaleBandPct && p < m.config.StaleBandPct {
		return decision{positionID: pos.ID, reason: ReasonTimeExit, sellPct: 100, closes: true, pnlPct: p, price: price}, true
	}

	return decision{}, false
}

// momentumWindows prefers the feed's own change windows and falls back to
// internally tracked history when the feed did not report any. A feed that
// reports a genuine zero keeps its zero.
func (m *Manager) momentumWindows(address string, quote market.Quote, now time.Time) (short, mid float64) {
	if quote.HasWindows {
		return quote.Change5m, quote.Change1h
	}
	if v, ok := m.momentum.Change(address, 5*time.Minute, now); ok {
		short = v
	}
	if v, ok := m.momentum.Change(address, time.Hour, now); ok {
		mid = v
	}
	return short, mid
}

// submitTimeout bounds one external submission once it is detached from
// the caller's context.
const submitTimeout = 30 * time.Second

// submitAndCommit performs the external sell for one decision and commits
// the state change if it succeeds. Paper positions simulate the sell.
func (m *Manager) submitAndCommit(ctx context.Context, d decision) {
	m.mu.Lock()
	pos, ok := m.positions[d.positionID]
	isPaper := ok && pos.Status == StatusPaper
	var symbol, address string
	if ok {
		symbol, address = pos.Symbol, pos.Address
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.exiting, d.positionID)
		m.mu.Unlock()
	}()
	if !ok {
		return
	}

	if !isPaper {
		// The sell is detached from the caller's cancellation and bounded
		// by its own timeout: shutdown must never abandon a submission
		// that may already have reached the execution channel.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
		defer cancel()
		m.inflight.Add(1)
		_, err := m.adapter.Submit(sctx, execution.Instruction{
			Action:  execution.ActionSell,
			Asset:   address,
			Symbol:  symbol,
			Percent: d.sellPct,
			Context: "exit:" + d.reason,
		})
		m.inflight.Done()
		if err != nil {
			log.Warn().Err(err).
				Str("symbol", symbol).
				Str("reason", d.reason).
				Msg("manager: exit submission failed, will retry next tick")
			return
		}
	}

	m.commit(d, isPaper)
}

// commit applies a successful exit decision.
func (m *Manager) commit(d decision, isPaper bool) {
	m.mu.Lock()
	pos, ok := m.positions[d.positionID]
	if !ok || pos.Terminal() {
		m.mu.Unlock()
		return
	}
	if !d.closes && pos.PartialTaken {
		// A partial already committed between decide and commit. The
		// duplicate sell must not be accounted a second time.
		m.mu.Unlock()
		log.Warn().Str("symbol", pos.Symbol).Msg("manager: duplicate partial take dropped")
		return
	}

	soldFrac := decimal.NewFromFloat(d.sellPct / 100)
	soldNotional := pos.EntryUSD.Mul(soldFrac)
	pnl := soldNotional.Mul(decimal.NewFromFloat(d.pnlPct / 100))
	pos.RealizedUSD = pos.RealizedUSD.Add(pnl)

	var moonbagQty decimal.Decimal
	var archived Position

	if d.closes {
		if d.moonbag {
			moonbagQty = pos.Quantity.Mul(decimal.NewFromFloat(1 - d.sellPct/100))
		}
		now := time.Now().UTC()
		pos.Status = StatusClosed
		pos.ExitedAt = &now
		pos.ExitReason = d.reason
		pos.Quantity = decimal.Zero
		pos.EntryUSD = decimal.Zero
		archived = *pos
		delete(m.positions, d.positionID)
		m.history = append(m.history, archived)
		m.momentum.Forget(pos.Address)
		m.closed.Add(1)
	} else {
		pos.EntryUSD = pos.EntryUSD.Sub(soldNotional)
		pos.Quantity = pos.Quantity.Mul(decimal.NewFromInt(1).Sub(soldFrac))
		pos.PartialTaken = true
		pos.Status = StatusPartial
		archived = *pos
		m.partials.Add(1)
	}
	m.mu.Unlock()
	m.persist()

	if isPaper {
		log.Info().
			Str("symbol", archived.Symbol).
			Str("reason", d.reason).
			Float64("pnl_pct", d.pnlPct).
			Msg("manager: paper position exit simulated")
		return
	}

	eventType := events.TypePositionClosed
	if !d.closes {
		eventType = events.TypePartialTake
	}
	m.recorder.Emit(eventType, map[string]any{
		"position_id": archived.ID,
		"symbol":      archived.Symbol,
		"reason":      d.reason,
		"pnl_pct":     d.pnlPct,
		"pnl_usd":     pnl,
		"price":       d.price,
	})
	log.Info().
		Str("symbol", archived.Symbol).
		Str("reason", d.reason).
		Float64("pnl_pct", d.pnlPct).
		Str("pnl_usd", pnl.StringFixed(2)).
		Msg("manager: POSITION EXIT")

	if m.OnRealized != nil {
		m.OnRealized(pnl, archived)
	}
	if d.moonbag && m.OnMoonbag != nil && moonbagQty.IsPositive() {
		m.OnMoonbag(archived, moonbagQty, d.price)
	}
}

// ForceCloseAll liquidates every live position at its last observed price.
// Kill-switch and shutdown path.
func (m *Manager) ForceCloseAll(ctx context.Context) {
	m.mu.Lock()
	var pending []decision
	for _, pos := range m.positions {
		if pos.Terminal() {
			continue
		}
		if _, busy := m.exiting[pos.ID]; busy {
			continue
		}
		m.exiting[pos.ID] = struct{}{}
		pending = append(pending, decision{
			positionID: pos.ID,
			reason:     ReasonOperatorClose,
			sellPct:    100,
			closes:     true,
			pnlPct:     pos.UnrealizedPct(pos.LastPrice),
			price:      pos.LastPrice,
		})
	}
	m.mu.Unlock()

	if len(pending) > 0 {
		log.Warn().Int("positions", len(pending)).Msg("manager: force closing all positions")
	}
	for _, d := range pending {
		m.submitAndCommit(ctx, d)
	}
}

// persist snapshots active positions plus archive.
func (m *Manager) persist() {
	m.mu.Lock()
	active := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		active = append(active, *p)
	}
	history := make([]Position, len(m.history))
	copy(history, m.history)
	m.mu.Unlock()

	if err := m.store.Save(store.KeyPositions, active); err != nil {
		log.Error().Err(err).Msg("manager: persist positions failed")
	}
	if err := m.store.Save(store.KeyTradeHistory, history); err != nil {
		log.Error().Err(err).Msg("manager: persist history failed")
	}
}

// Stop blocks until in-flight submissions complete. New evaluations are
// rejected once stopping.
func (m *Manager) Stop() {
	m.stopping.Store(true)
	m.inflight.Wait()
	m.persist()
}

func (m *Manager) liveCountLocked() int {
	n := 0
	for _, p := range m.positions {
		if p.Live() {
			n++
		}
	}
	return n
}

// LiveCount returns the number of live positions (paper excluded).
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCountLocked()
}

// Active returns a copy of all non-terminal positions, paper included.
func (m *Manager) Active() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// History returns a copy of archived positions.
func (m *Manager) History() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, len(m.history))
	copy(out, m.history)
	return out
}

// Holding reports whether a non-terminal position exists on the address.
func (m *Manager) Holding(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Address == address && !p.Terminal() {
			return true
		}
	}
	return false
}

// Addresses returns the distinct asset addresses under observation.
func (m *Manager) Addresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, p := range m.positions {
		if _, ok := seen[p.Address]; !ok {
			seen[p.Address] = struct{}{}
			out = append(out, p.Address)
		}
	}
	return out
}

// Stats returns manager counters.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	active := len(m.positions)
	live := m.liveCountLocked()
	m.mu.Unlock()
	return map[string]any{
		"active":   active,
		"live":     live,
		"opened":   m.opened.Load(),
		"closed":   m.closed.Load(),
		"partials": m.partials.Load(),
		"papers":   m.papers.Load(),
	}
}
