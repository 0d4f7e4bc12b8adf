package risk

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/drift-trading/drift/internal/events"
	"github.com/drift-trading/drift/internal/store"
)

// Engine is the risk gate in front of every entry.
// SAFETY > PROFIT > SPEED
//
// Hardcoded behaviors (not disableable):
// - max_daily_loss: breach auto-freezes entries until the next local day
// - kill_switch: immediate, in-process
type Engine struct {
	config   Config
	recorder *events.Recorder
	store    store.Store

	mu  sync.RWMutex
	day DayCounters

	// Kill switch, atomic for lock-free checks.
	killed atomic.Bool
	frozen atomic.Bool

	allowed atomic.Int64
	denied  atomic.Int64
	freezes atomic.Int64
}

// Config holds risk limits.
type Config struct {
	MaxDailyLossUSD  float64
	MaxDailySpendUSD float64
}

// DayCounters accumulate per local calendar day and reset on rollover.
type DayCounters struct {
	Date      string          `json:"date"` // local YYYY-MM-DD
	PnLUSD    decimal.Decimal `json:"pnl_usd"`
	SpendUSD  decimal.Decimal `json:"spend_usd"`
	VolumeUSD decimal.Decimal `json:"volume_usd"`
	Trades    int64           `json:"trades"`
}

// Decision is the outcome of a risk check.
type Decision struct {
	Allowed     bool     `json:"allowed"`
	ReasonCodes []string `json:"reason_codes,omitempty"`
}

// localDate formats a time as the local calendar day.
func localDate(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

// New restores today's counters from the store and returns the engine.
// Counters persisted for an earlier day are discarded.
func New(config Config, recorder *events.Recorder, st store.Store) *Engine {
	e := &Engine{
		config:   config,
		recorder: recorder,
		store:    st,
		day:      DayCounters{Date: localDate(time.Now())},
	}

	var saved DayCounters
	found, err := st.Load(store.KeyDaily, &saved)
	if err != nil {
		var corrupt *store.CorruptError
		if errors.As(err, &corrupt) {
			log.Error().Err(err).Msg("risk: DAILY COUNTERS CORRUPT, starting fresh")
			recorder.Emit(events.TypeStateCorruption, map[string]string{
				"key":   store.KeyDaily,
				"error": err.Error(),
			})
		} else {
			log.Error().Err(err).Msg("risk: load daily counters failed")
		}
	} else if found && saved.Date == e.day.Date {
		e.day = saved
		log.Info().Str("date", saved.Date).Str("pnl", saved.PnLUSD.StringFixed(2)).
			Msg("risk: daily counters restored")
	}
	return e
}

// CheckEntry evaluates whether a new entry of the given notional is allowed.
func (e *Engine) CheckEntry(symbol string, entryUSD decimal.Decimal) Decision {
	d := Decision{Allowed: true}

	// Kill switch first, no lock needed.
	if e.killed.Load() {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, "KILL_SWITCH_ACTIVE")
		return e.record(symbol, d)
	}
	if e.frozen.Load() {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, "ENTRIES_FROZEN")
		return e.record(symbol, d)
	}

	e.mu.Lock()
	e.rolloverLocked(time.Now())
	pnl, _ := e.day.PnLUSD.Float64()
	spend, _ := e.day.SpendUSD.Float64()
	e.mu.Unlock()

	if e.config.MaxDailyLossUSD > 0 && pnl < -e.config.MaxDailyLossUSD {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes,
			fmt.Sprintf("DAILY_LOSS_EXCEEDED:pnl=%.2f,limit=%.2f", pnl, -e.config.MaxDailyLossUSD))
	}
	if e.config.MaxDailySpendUSD > 0 {
		add, _ := entryUSD.Float64()
		if spend+add > e.config.MaxDailySpendUSD {
			d.Allowed = false
			d.ReasonCodes = append(d.ReasonCodes,
				fmt.Sprintf("DAILY_SPEND_EXCEEDED:spent=%.2f,order=%.2f,limit=%.2f", spend, add, e.config.MaxDailySpendUSD))
		}
	}

	return e.record(symbol, d)
}

func (e *Engine) record(symbol string, d Decision) Decision {
	if d.Allowed {
		e.allowed.Add(1)
		log.Debug().Str("symbol", symbol).Msg("risk: ALLOW")
		return d
	}
	e.denied.Add(1)
	log.Warn().Str("symbol", symbol).Strs("reasons", d.ReasonCodes).Msg("risk: DENY")
	e.recorder.Emit(events.TypeRiskBlocked, map[string]any{
		"symbol":  symbol,
		"reasons": d.ReasonCodes,
	})
	return d
}

// RecordEntry accounts a live entry against today's spend and volume.
func (e *Engine) RecordEntry(entryUSD decimal.Decimal) {
	e.mu.Lock()
	e.rolloverLocked(time.Now())
	e.day.SpendUSD = e.day.SpendUSD.Add(entryUSD)
	e.day.VolumeUSD = e.day.VolumeUSD.Add(entryUSD)
	e.day.Trades++
	e.mu.Unlock()
	e.persist()
}

// RecordPnL accounts realized P&L. Breaching the daily loss limit freezes
// entries until the next day or an operator resume.
func (e *Engine) RecordPnL(pnlUSD decimal.Decimal) {
	e.mu.Lock()
	e.rolloverLocked(time.Now())
	e.day.PnLUSD = e.day.PnLUSD.Add(pnlUSD)
	pnl, _ := e.day.PnLUSD.Float64()
	e.mu.Unlock()
	e.persist()

	if e.config.MaxDailyLossUSD > 0 && pnl < -e.config.MaxDailyLossUSD && !e.frozen.Load() {
		e.frozen.Store(true)
		e.freezes.Add(1)
		log.Error().Float64("pnl", pnl).Float64("limit", -e.config.MaxDailyLossUSD).
			Msg("risk: AUTO-FREEZE, daily loss limit breached")
	}
}

// rolloverLocked resets counters when the local date has advanced. A freeze
// caused by daily loss clears with the new day.
func (e *Engine) rolloverLocked(now time.Time) {
	date := localDate(now)
	if e.day.Date == date {
		return
	}
	log.Info().Str("from", e.day.Date).Str("to", date).Msg("risk: daily rollover")
	e.day = DayCounters{Date: date}
	e.frozen.Store(false)
}

// Kill activates the kill switch. Requires a restart to clear.
func (e *Engine) Kill() {
	e.killed.Store(true)
	log.Error().Msg("risk: KILL SWITCH ACTIVATED, all entries stopped")
}

// Freeze pauses entries; Resume clears it.
func (e *Engine) Freeze(reason string) {
	e.frozen.Store(true)
	e.freezes.Add(1)
	log.Warn().Str("reason", reason).Msg("risk: entries frozen")
}

// Resume unfreezes entries. A kill switch cannot be resumed.
func (e *Engine) Resume() {
	if e.killed.Load() {
		log.Warn().Msg("risk: cannot resume, kill switch is active")
		return
	}
	e.frozen.Store(false)
	log.Info().Msg("risk: entries resumed")
}

// IsActive reports whether entries are currently allowed at all.
func (e *Engine) IsActive() bool {
	return !e.killed.Load() && !e.frozen.Load()
}

// Day returns a copy of today's counters.
func (e *Engine) Day() DayCounters {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.day
}

func (e *Engine) persist() {
	e.mu.RLock()
	day := e.day
	e.mu.RUnlock()
	if err := e.store.Save(store.KeyDaily, day); err != nil {
		log.Error().Err(err).Msg("risk: persist daily counters failed")
	}
}

// Metrics returns risk counters.
func (e *Engine) Metrics() map[string]any {
	e.mu.RLock()
	day := e.day
	e.mu.RUnlock()
	return map[string]any{
		"date":          day.Date,
		"daily_pnl":     day.PnLUSD,
		"daily_spend":   day.SpendUSD,
		"daily_volume":  day.VolumeUSD,
		"daily_trades":  day.Trades,
		"killed":        e.killed.Load(),
		"frozen":        e.frozen.Load(),
		"allowed_total": e.allowed.Load(),
		"denied_total":  e.denied.Load(),
		"freezes_total": e.freezes.Load(),
	}
}
