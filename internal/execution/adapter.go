package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Execution Adapter
// Wraps the external execution service. A failed buy is never swallowed:
// it is recorded as a tagged paper trade (a shadow fill as if it had
// executed) so the strategy remains evaluable while the channel is down.
// Paper trades never count toward live P&L or daily volume.
// ---------------------------------------------------------------------------

// PaperTrade is a shadow record of an instruction that did not execute live.
type PaperTrade struct {
	ID          string      `json:"id"`
	Instruction Instruction `json:"instruction"`
	Reason      string      `json:"reason"` // the execution error, or "dry_run"
	RecordedAt  time.Time   `json:"recorded_at"`
}

// AdapterConfig configures the adapter.
type AdapterConfig struct {
	// DryRun short-circuits every submission into a synthetic success with
	// a DRYRUN- transaction reference. No live call is made.
	DryRun bool

	// ChannelLossThreshold is the number of consecutive submission failures
	// after which OnChannelLoss fires. 0 disables the check.
	ChannelLossThreshold int
}

// Adapter mediates all instruction submission.
type Adapter struct {
	config  AdapterConfig
	service Service

	mu     sync.Mutex
	papers []PaperTrade

	consecutiveFails atomic.Int64
	submitted        atomic.Int64
	succeeded        atomic.Int64
	failed           atomic.Int64

	// OnPaper is invoked for every recorded paper trade.
	OnPaper func(PaperTrade)
	// OnChannelLoss is invoked once per loss episode when consecutive
	// failures reach the threshold.
	OnChannelLoss func(consecutive int64)
}

// NewAdapter creates an execution adapter around a service.
func NewAdapter(config AdapterConfig, service Service) *Adapter {
	return &Adapter{config: config, service: service}
}

// Submit validates and submits one instruction. In dry-run mode or on
// transient buy failure the attempt is converted to a paper trade; sells and
// transfers propagate failure to the caller, which retries next tick.
func (a *Adapter) Submit(ctx context.Context, in Instruction) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{Err: err.Error()}, err
	}
	a.submitted.Add(1)

	if a.config.DryRun {
		a.recordPaper(in, "dry_run")
		return Result{Success: true, TxRef: "DRYRUN-" + uuid.NewString()[:8]}, nil
	}

	res, err := a.service.Submit(ctx, in)
	if err != nil || !res.Success {
		a.failed.Add(1)
		n := a.consecutiveFails.Add(1)
		if a.config.ChannelLossThreshold > 0 && n == int64(a.config.ChannelLossThreshold) && a.OnChannelLoss != nil {
			a.OnChannelLoss(n)
		}

		reason := res.Err
		if reason == "" && err != nil {
			reason = err.Error()
		}
		log.Warn().Err(err).
			Str("action", in.Action).
			Str("asset", in.Asset).
			Str("reason", reason).
			Msg("adapter: submission failed")

		if in.Action == ActionBuy {
			a.recordPaper(in, reason)
			return res, fmt.Errorf("execution: buy not executed, recorded as paper: %s", reason)
		}
		if err == nil {
			err = fmt.Errorf("execution: %s rejected: %s", in.Action, reason)
		}
		return res, err
	}

	a.succeeded.Add(1)
	a.consecutiveFails.Store(0)
	log.Info().
		Str("action", in.Action).
		Str("asset", in.Asset).
		Str("tx_ref", res.TxRef).
		Msg("adapter: executed")
	return res, nil
}

// Balance proxies the service's balance lookup. Dry-run mode still reads the
// live balance when a service is configured.
func (a *Adapter) Balance(ctx context.Context, walletRef string) (decimal.Decimal, error) {
	return a.service.Balance(ctx, walletRef)
}

// recordPaper appends a shadow record and notifies the callback.
func (a *Adapter) recordPaper(in Instruction, reason string) {
	pt := PaperTrade{
		ID:          uuid.NewString(),
		Instruction: in,
		Reason:      reason,
		RecordedAt:  time.Now().UTC(),
	}
	a.mu.Lock()
	a.papers = append(a.papers, pt)
	a.mu.Unlock()

	log.Info().
		Str("paper_id", pt.ID).
		Str("action", in.Action).
		Str("asset", in.Asset).
		Str("reason", reason).
		Msg("adapter: PAPER trade recorded")

	if a.OnPaper != nil {
		a.OnPaper(pt)
	}
}

// PaperTrades returns a copy of all recorded shadow trades.
func (a *Adapter) PaperTrades() []PaperTrade {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PaperTrade, len(a.papers))
	copy(out, a.papers)
	return out
}

// Stats returns adapter counters.
func (a *Adapter) Stats() map[string]any {
	a.mu.Lock()
	papers := len(a.papers)
	a.mu.Unlock()
	return map[string]any{
		"submitted":         a.submitted.Load(),
		"succeeded":         a.succeeded.Load(),
		"failed":            a.failed.Load(),
		"consecutive_fails": a.consecutiveFails.Load(),
		"paper_trades":      papers,
		"dry_run":           a.config.DryRun,
	}
}
