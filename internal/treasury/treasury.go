package treasury

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/drift-trading/drift/internal/events"
	"github.com/drift-trading/drift/internal/execution"
	"github.com/drift-trading/drift/internal/store"
)

// ---------------------------------------------------------------------------
// Treasury Sweep
// When the operating wallet rises above a ceiling, the excess over the
// floor is split cold/reinvest/operations. The reinvest share stays in
// the operating wallet. Every attempt lands in the append-only ledger.
// ---------------------------------------------------------------------------

// Config configures sweeps.
type Config struct {
	CeilingUSD      decimal.Decimal
	FloorUSD        decimal.Decimal
	MinSweepUSD     decimal.Decimal
	ColdPct         float64
	ReinvestPct     float64
	OpsPct          float64
	OperatingWallet string
	ColdWallet      string
	OpsWallet       string
}

// DefaultConfig returns the standard treasury policy.
func DefaultConfig() Config {
	return Config{
		CeilingUSD:      decimal.NewFromInt(500),
		FloorUSD:        decimal.NewFromInt(200),
		MinSweepUSD:     decimal.NewFromInt(50),
		ColdPct:         70,
		ReinvestPct:     20,
		OpsPct:          10,
		OperatingWallet: "operating",
		ColdWallet:      "cold",
		OpsWallet:       "operations",
	}
}

// Plan is the computed split for one sweep.
type Plan struct {
	ExcessUSD   decimal.Decimal `json:"excess_usd"`
	ColdUSD     decimal.Decimal `json:"cold_usd"`
	ReinvestUSD decimal.Decimal `json:"reinvest_usd"`
	OpsUSD      decimal.Decimal `json:"ops_usd"`
}

// PlanSweep computes the sweep split for a balance, or ok=false when no
// sweep is due. Pure function.
func PlanSweep(config Config, balanceUSD decimal.Decimal) (Plan, bool) {
	if balanceUSD.LessThanOrEqual(config.CeilingUSD) {
		return Plan{}, false
	}
	excess := balanceUSD.Sub(config.FloorUSD)
	if excess.LessThan(config.MinSweepUSD) {
		return Plan{}, false
	}
	return Plan{
		ExcessUSD:   excess,
		ColdUSD:     excess.Mul(decimal.NewFromFloat(config.ColdPct / 100)),
		ReinvestUSD: excess.Mul(decimal.NewFromFloat(config.ReinvestPct / 100)),
		OpsUSD:      excess.Mul(decimal.NewFromFloat(config.OpsPct / 100)),
	}, true
}

// LedgerEntry is one attempted sweep transfer, success or failure.
type LedgerEntry struct {
	Timestamp  time.Time       `json:"ts"`
	FromWallet string          `json:"from_wallet"`
	ToWallet   string          `json:"to_wallet"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	PreUSD     decimal.Decimal `json:"pre_balance_usd"`
	PostUSD    decimal.Decimal `json:"post_balance_usd"`
	Success    bool            `json:"success"`
	TxRef      string          `json:"tx_ref,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Sweeper executes sweeps and owns the ledger.
type Sweeper struct {
	config   Config
	adapter  *execution.Adapter
	recorder *events.Recorder
	store    store.Store

	mu     sync.Mutex
	ledger []LedgerEntry

	sweeps atomic.Int64
}

// NewSweeper restores the ledger from the store.
func NewSweeper(config Config, adapter *execution.Adapter, recorder *events.Recorder, st store.Store) *Sweeper {
	s := &Sweeper{
		config:   config,
		adapter:  adapter,
		recorder: recorder,
		store:    st,
	}
	s.restore()
	return s
}

func (s *Sweeper) restore() {
	var saved []LedgerEntry
	found, err := s.store.Load(store.KeyTreasuryLedger, &saved)
	if err != nil {
		var corrupt *store.CorruptError
		if errors.As(err, &corrupt) {
			log.Error().Err(err).Msg("treasury: LEDGER CORRUPT, starting empty")
			s.recorder.Emit(events.TypeStateCorruption, map[string]string{
				"key":   store.KeyTreasuryLedger,
				"error": err.Error(),
			})
			return
		}
		log.Error().Err(err).Msg("treasury: load ledger failed")
		return
	}
	if found {
		s.ledger = saved
		log.Info().Int("entries", len(saved)).Msg("treasury: ledger restored")
	}
}

// Sweep checks the operating balance and executes the split if due.
// Returns the plan and whether a sweep ran.
func (s *Sweeper) Sweep(ctx context.Context, balanceUSD decimal.Decimal) (Plan, bool, error) {
	plan, due := PlanSweep(s.config, balanceUSD)
	if !due {
		return Plan{}, false, nil
	}

	log.Info().
		Str("balance", balanceUSD.StringFixed(2)).
		Str("excess", plan.ExcessUSD.StringFixed(2)).
		Str("cold", plan.ColdUSD.StringFixed(2)).
		Str("reinvest", plan.ReinvestUSD.StringFixed(2)).
		Str("ops", plan.OpsUSD.StringFixed(2)).
		Msg("treasury: SWEEP")

	// The reinvest share stays put; only cold and ops shares move.
	running := balanceUSD
	var firstErr error
	for _, leg := range []struct {
		wallet string
		amount decimal.Decimal
	}{
		{s.config.ColdWallet, plan.ColdUSD},
		{s.config.OpsWallet, plan.OpsUSD},
	} {
		if !leg.amount.IsPositive() {
			continue
		}
		post, err := s.transfer(ctx, leg.wallet, leg.amount, running)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		running = post
	}

	// Post-sweep the operating balance never drops below the floor: the
	// floor is retained inside the excess computation itself.
	s.sweeps.Add(1)
	s.recorder.Emit(events.TypeTreasurySweep, map[string]any{
		"plan":         plan,
		"pre_balance":  balanceUSD,
		"post_balance": running,
	})
	return plan, true, firstErr
}

// transfer executes one leg and appends its ledger entry.
func (s *Sweeper) transfer(ctx context.Context, toWallet string, amount, pre decimal.Decimal) (decimal.Decimal, error) {
	res, err := s.adapter.Submit(ctx, execution.Instruction{
		Action:    execution.ActionTransfer,
		Asset:     "USD",
		AmountUSD: amount,
		WalletRef: toWallet,
		Context:   "treasury_sweep",
	})

	entry := LedgerEntry{
		Timestamp:  time.Now().UTC(),
		FromWallet: s.config.OperatingWallet,
		ToWallet:   toWallet,
		AmountUSD:  amount,
		PreUSD:     pre,
		Success:    err == nil && res.Success,
		TxRef:      res.TxRef,
	}
	post := pre
	if entry.Success {
		post = pre.Sub(amount)
	} else {
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Error = res.Err
		}
		log.Warn().Str("to", toWallet).Str("amount", amount.StringFixed(2)).
			Str("error", entry.Error).Msg("treasury: transfer failed")
	}
	entry.PostUSD = post

	s.mu.Lock()
	s.ledger = append(s.ledger, entry)
	s.mu.Unlock()
	s.persist()

	if !entry.Success {
		return post, fmt.Errorf("treasury: transfer to %s failed: %s", toWallet, entry.Error)
	}
	return post, nil
}

// Ledger returns a copy of the append-only ledger.
func (s *Sweeper) Ledger() []LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LedgerEntry, len(s.ledger))
	copy(out, s.ledger)
	return out
}

func (s *Sweeper) persist() {
	s.mu.Lock()
	ledger := make([]LedgerEntry, len(s.ledger))
	copy(ledger, s.ledger)
	s.mu.Unlock()
	if err := s.store.Save(store.KeyTreasuryLedger, ledger); err != nil {
		log.Error().Err(err).Msg("treasury: persist ledger failed")
	}
}

// Stats returns sweep counters.
func (s *Sweeper) Stats() map[string]any {
	s.mu.Lock()
	entries := len(s.ledger)
	s.mu.Unlock()
	return map[string]any{
		"sweeps":         s.sweeps.Load(),
		"ledger_entries": entries,
	}
}
