package watch

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/drift-trading/drift/internal/events"
)

// BalanceSource resolves a wallet's USD balance.
type BalanceSource interface {
	Balance(ctx context.Context, walletRef string) (decimal.Decimal, error)
}

// BalanceConfig tunes the operating-balance watcher.
type BalanceConfig struct {
	Cadence    Cadence
	WalletRef  string
	CeilingUSD decimal.Decimal // treasury sweep trigger level
}

// BalanceWatcher checks the operating wallet on a slow cadence, records
// balance changes, and raises a treasury trigger when the ceiling is
// crossed.
type BalanceWatcher struct {
	config   BalanceConfig
	source   BalanceSource
	recorder *events.Recorder
	active   func() bool

	mu   sync.Mutex
	last decimal.Decimal
	seen bool

	// OnBalanceChange receives every observed change.
	OnBalanceChange func(balanceUSD decimal.Decimal)
	// OnTreasuryTrigger fires when the balance exceeds the ceiling.
	OnTreasuryTrigger func(balanceUSD decimal.Decimal)
}

func NewBalanceWatcher(config BalanceConfig, source BalanceSource, recorder *events.Recorder, active func() bool) *BalanceWatcher {
	if config.WalletRef == "" {
		config.WalletRef = "operating"
	}
	if active == nil {
		active = func() bool { return false }
	}
	return &BalanceWatcher{
		config:   config,
		source:   source,
		recorder: recorder,
		active:   active,
	}
}

func (w *BalanceWatcher) Name() string { return "balance" }

func (w *BalanceWatcher) Run(ctx context.Context) error {
	log.Info().
		Str("wallet", w.config.WalletRef).
		Str("ceiling_usd", w.config.CeilingUSD.String()).
		Msg("watch: balance watcher started")

	for {
		w.checkOnce(ctx)
		if !sleep(ctx, w.config.Cadence.Next(w.active())) {
			return nil
		}
	}
}

func (w *BalanceWatcher) checkOnce(ctx context.Context) {
	balance, err := w.source.Balance(ctx, w.config.WalletRef)
	if err != nil {
		log.Debug().Err(err).Str("wallet", w.config.WalletRef).Msg("watch: balance fetch failed")
		return
	}

	w.mu.Lock()
	changed := !w.seen || !balance.Equal(w.last)
	prev := w.last
	w.last = balance
	w.seen = true
	w.mu.Unlock()

	if changed {
		if w.recorder != nil {
			w.recorder.Emit(events.TypeBalanceChange, map[string]any{
				"wallet":       w.config.WalletRef,
				"balance_usd":  balance.String(),
				"previous_usd": prev.String(),
			})
		}
		if w.OnBalanceChange != nil {
			w.OnBalanceChange(balance)
		}
	}

	if w.config.CeilingUSD.IsPositive() && balance.GreaterThan(w.config.CeilingUSD) {
		log.Info().
			Str("balance_usd", balance.String()).
			Str("ceiling_usd", w.config.CeilingUSD.String()).
			Msg("watch: balance above ceiling, treasury trigger")
		if w.OnTreasuryTrigger != nil {
			w.OnTreasuryTrigger(balance)
		}
	}
}

// Last returns the most recently observed balance.
func (w *BalanceWatcher) Last() (decimal.Decimal, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.seen
}
