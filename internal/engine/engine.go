package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/drift-trading/drift/internal/events"
	"github.com/drift-trading/drift/internal/execution"
	"github.com/drift-trading/drift/internal/market"
	"github.com/drift-trading/drift/internal/moonbag"
	"github.com/drift-trading/drift/internal/position"
	"github.com/drift-trading/drift/internal/risk"
	"github.com/drift-trading/drift/internal/scoring"
	"github.com/drift-trading/drift/internal/treasury"
	"github.com/drift-trading/drift/internal/wage"
	"github.com/drift-trading/drift/internal/watch"
)

// ---------------------------------------------------------------------------
// Engine
// Wires watcher events into the decision pipeline:
//   newToken -> score -> qualify -> size -> risk -> buy -> position
//   priceMove -> position tick + moonbag tick + watchlist re-check
//   treasuryTrigger -> sweep; edgeFound -> record only
// Watchers never touch position state; the position manager stays the sole
// mutator.
// ---------------------------------------------------------------------------

// Config holds engine-level knobs not owned by a component.
type Config struct {
	VirtualCapitalUSD decimal.Decimal // capital assumed before a balance is observed
	OperatingWallet   string
	WatchlistCap      int           // qualified-but-not-entered candidates to track
	WatchlistTTL      time.Duration // drop stale watchlist entries
}

// DefaultConfig returns standard engine settings.
func DefaultConfig() Config {
	return Config{
		VirtualCapitalUSD: decimal.NewFromInt(1000),
		OperatingWallet:   "operating",
		WatchlistCap:      50,
		WatchlistTTL:      24 * time.Hour,
	}
}

type watchedCandidate struct {
	candidate market.Candidate
	addedAt   time.Time
}

// Engine owns the event-to-pipeline wiring and the engine-level control
// state.
type Engine struct {
	config    Config
	scorer    *scoring.Scorer
	qualifier *scoring.Qualifier
	sizer     *position.Sizer
	manager   *position.Manager
	moonbags  *moonbag.Manager
	sweeper   *treasury.Sweeper
	wages     *wage.Tracker
	risk      *risk.Engine
	adapter   *execution.Adapter
	recorder  *events.Recorder

	paused atomic.Bool
	halted atomic.Bool

	mu        sync.Mutex
	watchlist map[string]watchedCandidate
	capital   decimal.Decimal
	capitalOK bool

	entries     atomic.Int64
	rejects     atomic.Int64
	reentries   atomic.Int64
	edgesSeen   atomic.Int64
	sweepsFired atomic.Int64
}

// New wires the components together. The cross-component callbacks
// (realized P&L into wage and risk accounting, moonbag creation, channel
// loss halt, moonbag re-entry) are installed here so no component has to
// know its consumers.
func New(
	config Config,
	scorer *scoring.Scorer,
	qualifier *scoring.Qualifier,
	sizer *position.Sizer,
	manager *position.Manager,
	moonbags *moonbag.Manager,
	sweeper *treasury.Sweeper,
	wages *wage.Tracker,
	riskEngine *risk.Engine,
	adapter *execution.Adapter,
	recorder *events.Recorder,
) *Engine {
	if config.WatchlistCap <= 0 {
		config.WatchlistCap = 50
	}
	if config.WatchlistTTL <= 0 {
		config.WatchlistTTL = 24 * time.Hour
	}
	if config.OperatingWallet == "" {
		config.OperatingWallet = "operating"
	}

	e := &Engine{
		config:    config,
		scorer:    scorer,
		qualifier: qualifier,
		sizer:     sizer,
		manager:   manager,
		moonbags:  moonbags,
		sweeper:   sweeper,
		wages:     wages,
		risk:      riskEngine,
		adapter:   adapter,
		recorder:  recorder,
		watchlist: make(map[string]watchedCandidate),
	}

	manager.OnRealized = func(pnlUSD decimal.Decimal, pos position.Position) {
		now := time.Now()
		e.wages.RecordPnL(pnlUSD, now)
		e.risk.RecordPnL(pnlUSD)
	}
	manager.OnMoonbag = func(pos position.Position, quantity, price decimal.Decimal) {
		e.moonbags.Create(pos.ID, pos.Symbol, pos.Address, quantity, pos.EntryPrice, price)
	}
	moonbags.OnReEnter = func(bag moonbag.Bag) {
		e.reenterFromMoonbag(bag)
	}
	adapter.OnChannelLoss = func(consecutive int64) {
		e.halt("execution channel lost", map[string]any{"consecutive_failures": consecutive})
	}

	return e
}

// HandleNewToken runs one discovered candidate through the full entry
// pipeline. Safe to call from any watcher goroutine.
func (e *Engine) HandleNewToken(ctx context.Context, c market.Candidate) {
	if e.paused.Load() || e.halted.Load() || !e.risk.IsActive() {
		return
	}
	if e.manager.Holding(c.Address) {
		// Re-discovery of an address already held must not stack a second
		// position; the watchlist recheck and seen-set expiry both re-emit.
		e.removeFromWatchlist(c.Address)
		return
	}

	score := e.scorer.Score(c)
	verdict := e.qualifier.Evaluate(c, score)
	if !verdict.Pass {
		e.rejects.Add(1)
		log.Debug().
			Str("symbol", c.Symbol).
			Float64("score", score.Total).
			Str("reason", verdict.Reason).
			Msg("engine: candidate rejected")
		return
	}

	log.Info().
		Str("symbol", c.Symbol).
		Float64("score", score.Total).
		Str("path", verdict.Path).
		Msg("engine: candidate qualified")

	entryUSD, err := e.sizer.Size(e.Capital())
	if err != nil {
		log.Debug().Err(err).Str("symbol", c.Symbol).Msg("engine: sizing declined entry")
		e.addToWatchlist(c)
		return
	}

	if d := e.risk.CheckEntry(c.Symbol, entryUSD); !d.Allowed {
		e.addToWatchlist(c)
		return
	}

	pos, err := e.manager.Open(ctx, position.OpenRequest{
		Symbol:   c.Symbol,
		Address:  c.Address,
		Strategy: verdict.Path,
		Price:    c.PriceUSD,
		EntryUSD: entryUSD,
	})
	if err != nil {
		// Paper fallbacks and cap rejections both land here; a candidate
		// the pipeline liked stays on the watchlist for the next window.
		e.addToWatchlist(c)
		return
	}

	e.entries.Add(1)
	e.risk.RecordEntry(pos.EntryUSD)
	e.removeFromWatchlist(c.Address)
}

// HandlePriceMove feeds one material quote to every price consumer.
func (e *Engine) HandlePriceMove(ctx context.Context, quote market.Quote) {
	e.manager.Evaluate(ctx, quote)
	e.moonbags.ObservePrice(quote)
	e.recheckWatchlist(ctx, quote)
}

// HandleBalance caches the operating balance as sizing capital.
func (e *Engine) HandleBalance(balanceUSD decimal.Decimal) {
	e.mu.Lock()
	e.capital = balanceUSD
	e.capitalOK = true
	e.mu.Unlock()
}

// HandleTreasuryTrigger runs a sweep for the reported balance.
func (e *Engine) HandleTreasuryTrigger(ctx context.Context, balanceUSD decimal.Decimal) {
	if e.halted.Load() {
		return
	}
	plan, swept, err := e.sweeper.Sweep(ctx, balanceUSD)
	if err != nil {
		log.Error().Err(err).Msg("engine: treasury sweep incomplete")
	}
	if swept {
		e.sweepsFired.Add(1)
		log.Info().
			Str("excess_usd", plan.ExcessUSD.StringFixed(2)).
			Str("cold_usd", plan.ColdUSD.StringFixed(2)).
			Str("reinvest_usd", plan.ReinvestUSD.StringFixed(2)).
			Str("ops_usd", plan.OpsUSD.StringFixed(2)).
			Msg("engine: treasury swept")
	}
}

// HandleEdge records an alternative-market edge. Signal-only: the engine
// does not trade these venues.
func (e *Engine) HandleEdge(edge watch.Edge) {
	e.edgesSeen.Add(1)
	log.Info().
		Str("market", edge.Outcome.MarketID).
		Str("outcome", edge.Outcome.OutcomeName).
		Float64("implied", edge.Outcome.ImpliedProb).
		Float64("estimated", edge.EstimatedProb).
		Float64("gap", edge.Gap).
		Msg("engine: alternative-market edge found")
}

// reenterFromMoonbag opens a fresh position when a moonbag trigger fires
// with auto re-entry enabled.
func (e *Engine) reenterFromMoonbag(bag moonbag.Bag) {
	if e.paused.Load() || e.halted.Load() || !e.risk.IsActive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entryUSD, err := e.sizer.Size(e.Capital())
	if err != nil {
		return
	}
	if d := e.risk.CheckEntry(bag.Symbol, entryUSD); !d.Allowed {
		return
	}
	pos, err := e.manager.Open(ctx, position.OpenRequest{
		Symbol:   bag.Symbol,
		Address:  bag.Address,
		Strategy: "moonbag_reentry",
		Price:    bag.TriggerPrice,
		EntryUSD: entryUSD,
	})
	if err != nil {
		log.Warn().Err(err).Str("symbol", bag.Symbol).Msg("engine: moonbag re-entry failed")
		return
	}
	e.reentries.Add(1)
	e.risk.RecordEntry(pos.EntryUSD)
}

// Capital returns the sizing capital: last observed operating balance, or
// the configured virtual capital before any observation (and in dry-run).
func (e *Engine) Capital() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capitalOK && e.capital.IsPositive() {
		return e.capital
	}
	return e.config.VirtualCapitalUSD
}

// ---------------------------------------------------------------------------
// Watchlist
// ---------------------------------------------------------------------------

func (e *Engine) addToWatchlist(c market.Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.watchlist[c.Address]; !ok && len(e.watchlist) >= e.config.WatchlistCap {
		return
	}
	e.watchlist[c.Address] = watchedCandidate{candidate: c, addedAt: time.Now()}
}

func (e *Engine) removeFromWatchlist(address string) {
	e.mu.Lock()
	delete(e.watchlist, address)
	e.mu.Unlock()
}

// recheckWatchlist re-runs the pipeline for a watched candidate using the
// fresher quote. Entries that aged out are dropped.
func (e *Engine) recheckWatchlist(ctx context.Context, quote market.Quote) {
	e.mu.Lock()
	w, ok := e.watchlist[quote.Address]
	if ok && time.Since(w.addedAt) > e.config.WatchlistTTL {
		delete(e.watchlist, quote.Address)
		ok = false
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	c := w.candidate
	c.PriceUSD = quote.PriceUSD
	c.Change5m = quote.Change5m
	c.Change1h = quote.Change1h
	c.Change24h = quote.Change24h
	if quote.Volume24hUSD > 0 {
		c.Volume24hUSD = quote.Volume24hUSD
	}
	if quote.LiquidityUSD > 0 {
		c.LiquidityUSD = quote.LiquidityUSD
	}
	e.HandleNewToken(ctx, c)
}

// Addresses returns every address the price watcher should follow: open
// positions, held moonbags, and the watchlist.
func (e *Engine) Addresses() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		if _, dup := seen[addr]; dup || addr == "" {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for _, a := range e.manager.Addresses() {
		add(a)
	}
	for _, a := range e.moonbags.Addresses() {
		add(a)
	}
	e.mu.Lock()
	for a := range e.watchlist {
		add(a)
	}
	e.mu.Unlock()
	return out
}

// ActivePositions reports whether any live positions exist. Drives watcher
// cadence.
func (e *Engine) ActivePositions() bool {
	return e.manager.LiveCount() > 0
}

// ---------------------------------------------------------------------------
// Control plane
// ---------------------------------------------------------------------------

// Pause stops new entries; existing positions keep being managed.
func (e *Engine) Pause() {
	e.paused.Store(true)
	log.Warn().Msg("engine: PAUSED, no new entries")
}

// Resume clears a pause and a risk freeze.
func (e *Engine) Resume() {
	e.paused.Store(false)
	e.risk.Resume()
	log.Info().Msg("engine: resumed")
}

// Kill engages the kill switch and force-closes every live position.
func (e *Engine) Kill(ctx context.Context) {
	e.paused.Store(true)
	e.risk.Kill()
	log.Error().Msg("engine: KILL SWITCH, closing all positions")
	e.manager.ForceCloseAll(ctx)
}

// Paused reports the soft-pause state.
func (e *Engine) Paused() bool { return e.paused.Load() }

// Halted reports whether the engine halted itself.
func (e *Engine) Halted() bool { return e.halted.Load() }

// halt stops entries permanently after an unrecoverable condition.
func (e *Engine) halt(reason string, detail map[string]any) {
	if !e.halted.CompareAndSwap(false, true) {
		return
	}
	e.paused.Store(true)
	payload := map[string]any{"reason": reason}
	for k, v := range detail {
		payload[k] = v
	}
	e.recorder.Emit(events.TypeEngineHalt, payload)
	log.Error().Str("reason", reason).Msg("engine: HALTED, operator attention required")
}

// Run drives the engine's own periodic work: hourly wage finalization and a
// stats heartbeat. Blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	wageTicker := time.NewTicker(time.Minute)
	statsTicker := time.NewTicker(60 * time.Second)
	defer wageTicker.Stop()
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-wageTicker.C:
			e.wages.Tick(now)
		case <-statsTicker.C:
			day := e.risk.Day()
			ws := e.wages.State()
			log.Info().
				Int("open_positions", e.manager.LiveCount()).
				Int64("entries", e.entries.Load()).
				Int64("rejects", e.rejects.Load()).
				Str("day_pnl_usd", day.PnLUSD.StringFixed(2)).
				Str("day_spend_usd", day.SpendUSD.StringFixed(2)).
				Str("earned_usd", ws.EarnedUSD.StringFixed(2)).
				Float64("efficiency", ws.Efficiency).
				Bool("paused", e.paused.Load()).
				Msg("engine: heartbeat")
		}
	}
}

// Stop persists final state. Call after watchers are cancelled so no exit
// submission is abandoned mid-flight.
func (e *Engine) Stop() {
	e.manager.Stop()
	log.Info().Msg("engine: stopped")
}

// Stats aggregates per-component snapshots for the stats endpoint.
func (e *Engine) Stats() map[string]any {
	e.mu.Lock()
	watchlistLen := len(e.watchlist)
	e.mu.Unlock()
	return map[string]any{
		"entries":    e.entries.Load(),
		"rejects":    e.rejects.Load(),
		"reentries":  e.reentries.Load(),
		"edges_seen": e.edgesSeen.Load(),
		"sweeps":     e.sweepsFired.Load(),
		"watchlist":  watchlistLen,
		"paused":     e.paused.Load(),
		"halted":     e.halted.Load(),
		"capital":    e.Capital(),
	}
}
