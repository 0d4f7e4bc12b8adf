package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Position model
// A position is mutated exclusively by the Manager during observation
// ticks; everything else reads copies.
// ---------------------------------------------------------------------------

// Status values. paper positions are shadow entries from failed or dry-run
// buys; they never count toward live exposure.
const (
	StatusOpen    = "open"
	StatusPartial = "partial"
	StatusPaper   = "paper"
	StatusClosed  = "closed"
)

// Exit reasons.
const (
	ReasonStopLoss         = "stop_loss"
	ReasonTrailingStop     = "trailing_stop"
	ReasonTrailingMoonbag  = "trailing_moonbag"
	ReasonPartialProfit    = "partial_profit"
	ReasonMomentumReversal = "momentum_reversal"
	ReasonTimeExit         = "time_exit"
	ReasonOperatorClose    = "operator_close"
)

// Position is one unit of owned risk.
type Position struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Address        string          `json:"address"`
	Strategy       string          `json:"strategy"` // qualification path that admitted it
	EntryPrice     decimal.Decimal `json:"entry_price"`
	EntryUSD       decimal.Decimal `json:"entry_usd"` // current notional, reduced by partial exits
	Quantity       decimal.Decimal `json:"quantity"`
	PeakPrice      decimal.Decimal `json:"peak_price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	Status         string          `json:"status"`
	EnteredAt      time.Time       `json:"entered_at"`
	ExitedAt       *time.Time      `json:"exited_at,omitempty"`
	RealizedUSD    decimal.Decimal `json:"realized_usd"` // accumulates across partial exits
	PartialTaken   bool            `json:"partial_taken"`
	ExitReason     string          `json:"exit_reason,omitempty"`
	LastPrice      decimal.Decimal `json:"last_price"`
	LastObservedAt time.Time       `json:"last_observed_at"`
}

// Terminal reports whether the position can still transition.
func (p *Position) Terminal() bool {
	return p.Status == StatusClosed
}

// Live reports whether the position counts toward exposure and P&L.
func (p *Position) Live() bool {
	return p.Status == StatusOpen || p.Status == StatusPartial
}

// UnrealizedPct returns unrealized P&L percent at the given price.
func (p *Position) UnrealizedPct(price decimal.Decimal) float64 {
	if !p.EntryPrice.IsPositive() {
		return 0
	}
	pct, _ := price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// DropFromPeakPct returns the retracement from peak in percent.
func (p *Position) DropFromPeakPct(price decimal.Decimal) float64 {
	if !p.PeakPrice.IsPositive() {
		return 0
	}
	pct, _ := p.PeakPrice.Sub(price).Div(p.PeakPrice).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// HoldDuration returns elapsed time since entry.
func (p *Position) HoldDuration(now time.Time) time.Duration {
	return now.Sub(p.EnteredAt)
}
