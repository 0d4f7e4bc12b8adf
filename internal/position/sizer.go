package position

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Position sizing
// entry = clamp(capital * EntryPct, min, max), then capped at half the
// available capital. A failed sizing is a normal no-trade outcome.
// ---------------------------------------------------------------------------

// SizerConfig configures entry sizing.
type SizerConfig struct {
	EntryPct    float64 // fraction of capital per entry
	MinEntryUSD decimal.Decimal
	MaxEntryUSD decimal.Decimal
}

// DefaultSizerConfig returns standard sizing.
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		EntryPct:    0.20,
		MinEntryUSD: decimal.NewFromInt(10),
		MaxEntryUSD: decimal.NewFromInt(500),
	}
}

// Sizer computes entry notionals from available capital.
type Sizer struct {
	config SizerConfig
}

// NewSizer creates a sizer.
func NewSizer(config SizerConfig) *Sizer {
	def := DefaultSizerConfig()
	if config.EntryPct <= 0 {
		config.EntryPct = def.EntryPct
	}
	if config.MinEntryUSD.LessThanOrEqual(decimal.Zero) {
		config.MinEntryUSD = def.MinEntryUSD
	}
	if config.MaxEntryUSD.LessThanOrEqual(decimal.Zero) {
		config.MaxEntryUSD = def.MaxEntryUSD
	}
	return &Sizer{config: config}
}

// Size returns the entry notional for the given available capital, or an
// error describing why no trade should be attempted.
func (s *Sizer) Size(capitalUSD decimal.Decimal) (decimal.Decimal, error) {
	if capitalUSD.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("sizer: no capital available")
	}

	entry := capitalUSD.Mul(decimal.NewFromFloat(s.config.EntryPct))
	if entry.LessThan(s.config.MinEntryUSD) {
		entry = s.config.MinEntryUSD
	}
	if entry.GreaterThan(s.config.MaxEntryUSD) {
		entry = s.config.MaxEntryUSD
	}

	// Never risk more than half the capital in one entry, even when the
	// minimum clamp pushed above it.
	half := capitalUSD.Div(decimal.NewFromInt(2))
	if entry.GreaterThan(half) {
		entry = half
	}

	if entry.LessThan(s.config.MinEntryUSD) {
		return decimal.Zero, fmt.Errorf("sizer: entry %s below minimum %s", entry.StringFixed(2), s.config.MinEntryUSD.StringFixed(2))
	}
	return entry, nil
}
