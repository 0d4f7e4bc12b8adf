package wage

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/drift-trading/drift/internal/events"
	"github.com/drift-trading/drift/internal/store"
)

// ---------------------------------------------------------------------------
// Wage / Efficiency Tracker
// Realized P&L is attributed to wall-clock hour buckets against a fixed
// hourly target. The ledger never resets on its own; only an explicit
// operator reset clears it.
// ---------------------------------------------------------------------------

// State is the rolling performance ledger.
type State struct {
	TargetPerHourUSD decimal.Decimal `json:"target_per_hour_usd"`
	HourStart        time.Time       `json:"hour_start"`
	HourPnLUSD       decimal.Decimal `json:"hour_pnl_usd"`
	HoursActive      int64           `json:"hours_active"`
	EarnedUSD        decimal.Decimal `json:"earned_usd"`
	OwedUSD          decimal.Decimal `json:"owed_usd"`
	Streak           int64           `json:"streak"`
	BestStreak       int64           `json:"best_streak"`
	Efficiency       float64         `json:"efficiency"`
}

// Tracker owns the wage state.
type Tracker struct {
	mu       sync.Mutex
	state    State
	recorder *events.Recorder
	store    store.Store
}

// NewTracker restores wage state, or starts a fresh ledger anchored to the
// current hour.
func NewTracker(targetPerHourUSD decimal.Decimal, recorder *events.Recorder, st store.Store) *Tracker {
	t := &Tracker{recorder: recorder, store: st}

	var saved State
	found, err := st.Load(store.KeyWage, &saved)
	switch {
	case err != nil:
		var corrupt *store.CorruptError
		if errors.As(err, &corrupt) {
			log.Error().Err(err).Msg("wage: STATE CORRUPT, starting fresh ledger")
			recorder.Emit(events.TypeStateCorruption, map[string]string{
				"key":   store.KeyWage,
				"error": err.Error(),
			})
		} else {
			log.Error().Err(err).Msg("wage: load failed")
		}
	case found:
		t.state = saved
		t.state.TargetPerHourUSD = targetPerHourUSD
		log.Info().
			Int64("hours_active", saved.HoursActive).
			Str("earned", saved.EarnedUSD.StringFixed(2)).
			Msg("wage: restored")
		return t
	}

	t.state = State{
		TargetPerHourUSD: targetPerHourUSD,
		HourStart:        time.Now().Truncate(time.Hour),
	}
	return t
}

// RecordPnL adds realized P&L to the current hour bucket, finalizing any
// elapsed hours first.
func (t *Tracker) RecordPnL(pnlUSD decimal.Decimal, now time.Time) {
	t.mu.Lock()
	t.rollLocked(now)
	t.state.HourPnLUSD = t.state.HourPnLUSD.Add(pnlUSD)
	t.mu.Unlock()
	t.persist()
}

// Tick finalizes elapsed hour buckets. Call periodically; quiet hours with
// no P&L still accrue the full target as owed.
func (t *Tracker) Tick(now time.Time) {
	t.mu.Lock()
	rolled := t.rollLocked(now)
	t.mu.Unlock()
	if rolled {
		t.persist()
	}
}

// rollLocked finalizes every whole hour between HourStart and now.
func (t *Tracker) rollLocked(now time.Time) bool {
	rolled := false
	for now.Sub(t.state.HourStart) >= time.Hour {
		t.finalizeHourLocked()
		t.state.HourStart = t.state.HourStart.Add(time.Hour)
		rolled = true
	}
	return rolled
}

// finalizeHourLocked closes the current bucket against the target.
func (t *Tracker) finalizeHourLocked() {
	s := &t.state
	target := s.TargetPerHourUSD
	bucket := s.HourPnLUSD

	switch {
	case bucket.GreaterThanOrEqual(target):
		s.EarnedUSD = s.EarnedUSD.Add(target)
		s.Streak++
		if s.Streak > s.BestStreak {
			s.BestStreak = s.Streak
		}
	case bucket.IsPositive():
		s.EarnedUSD = s.EarnedUSD.Add(bucket)
		s.OwedUSD = s.OwedUSD.Add(target.Sub(bucket))
		s.Streak = 0
	default:
		s.OwedUSD = s.OwedUSD.Add(target)
		s.Streak = 0
	}

	s.HoursActive++
	s.Efficiency = efficiency(s.EarnedUSD, s.HoursActive, target)
	s.HourPnLUSD = decimal.Zero

	if t.recorder != nil {
		t.recorder.Emit(events.TypeWageHour, map[string]any{
			"hour":        s.HourStart,
			"bucket_usd":  bucket,
			"earned_usd":  s.EarnedUSD,
			"owed_usd":    s.OwedUSD,
			"streak":      s.Streak,
			"best_streak": s.BestStreak,
			"efficiency":  s.Efficiency,
		})
	}
	log.Info().
		Str("bucket", bucket.StringFixed(2)).
		Int64("streak", s.Streak).
		Float64("efficiency", s.Efficiency).
		Msg("wage: hour finalized")
}

func efficiency(earned decimal.Decimal, hours int64, target decimal.Decimal) float64 {
	if hours == 0 || !target.IsPositive() {
		return 0
	}
	denom := target.Mul(decimal.NewFromInt(hours))
	eff, _ := earned.Div(denom).Float64()
	if eff < 0 {
		return 0
	}
	return eff
}

// Reset clears the ledger. Operator action only.
func (t *Tracker) Reset(now time.Time) {
	t.mu.Lock()
	target := t.state.TargetPerHourUSD
	t.state = State{
		TargetPerHourUSD: target,
		HourStart:        now.Truncate(time.Hour),
	}
	t.mu.Unlock()
	t.persist()
	log.Warn().Msg("wage: ledger reset by operator")
}

// State returns a copy of the current ledger.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) persist() {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if err := t.store.Save(store.KeyWage, state); err != nil {
		log.Error().Err(err).Msg("wage: persist failed")
	}
}
