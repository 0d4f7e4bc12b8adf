package scoring

import (
	"fmt"
	"time"

	"github.com/drift-trading/drift/internal/market"
)

// ---------------------------------------------------------------------------
// Qualification evaluator
// Multi-path OR gate: two safety floors first, then six acceptance paths
// checked in order. The first path that matches supplies the audit reason.
// ---------------------------------------------------------------------------

// Verdict is the outcome of a qualification check.
type Verdict struct {
	Pass   bool   `json:"pass"`
	Path   string `json:"path,omitempty"`
	Reason string `json:"reason"`
}

// Acceptance path names, retained on every verdict for the audit trail.
const (
	PathEcosystemPlay      = "ecosystem_play"
	PathEcosystemMomentum  = "ecosystem_momentum"
	PathMomentumPlay       = "momentum_play"
	PathVolumeSpike        = "volume_spike"
	PathEstablishedUptrend = "established_uptrend"
	PathFreshLaunch        = "fresh_launch"
)

// QualifyConfig configures the qualification gates.
type QualifyConfig struct {
	MinLiquidityUSD float64       // safety floor
	MaxDumpPct      float64       // 24h change floor, negative
	HighScore       float64       // ecosystem-play threshold
	FreshWindow     time.Duration // fresh-launch listing-age window
}

// DefaultQualifyConfig returns the standard gate thresholds.
func DefaultQualifyConfig() QualifyConfig {
	return QualifyConfig{
		MinLiquidityUSD: 5_000,
		MaxDumpPct:      -20,
		HighScore:       45,
		FreshWindow:     time.Hour,
	}
}

// Qualifier decides whether a scored candidate is tradable.
type Qualifier struct {
	config QualifyConfig
}

// NewQualifier creates a qualifier.
func NewQualifier(config QualifyConfig) *Qualifier {
	def := DefaultQualifyConfig()
	if config.MinLiquidityUSD == 0 {
		config.MinLiquidityUSD = def.MinLiquidityUSD
	}
	if config.MaxDumpPct == 0 {
		config.MaxDumpPct = def.MaxDumpPct
	}
	if config.HighScore == 0 {
		config.HighScore = def.HighScore
	}
	if config.FreshWindow == 0 {
		config.FreshWindow = def.FreshWindow
	}
	return &Qualifier{config: config}
}

// Evaluate runs the gates in order and returns the first verdict reached.
func (q *Qualifier) Evaluate(c market.Candidate, score Score) Verdict {
	// Safety floors come before any acceptance path.
	if c.LiquidityUSD < q.config.MinLiquidityUSD {
		return Verdict{Reason: fmt.Sprintf("liquidity $%.0f below $%.0f floor", c.LiquidityUSD, q.config.MinLiquidityUSD)}
	}
	if c.Change24h < q.config.MaxDumpPct {
		return Verdict{Reason: fmt.Sprintf("24h change %.1f%% below %.0f%% floor", c.Change24h, q.config.MaxDumpPct)}
	}

	// Ecosystem play: high composite score.
	if score.Total >= q.config.HighScore {
		return Verdict{Pass: true, Path: PathEcosystemPlay,
			Reason: fmt.Sprintf("score %.0f >= %.0f", score.Total, q.config.HighScore)}
	}

	// Ecosystem momentum: trusted tier with any positive momentum.
	if c.Tier <= 2 && c.Change24h > 0 {
		return Verdict{Pass: true, Path: PathEcosystemMomentum,
			Reason: fmt.Sprintf("tier %d with +%.1f%% 24h", c.Tier, c.Change24h)}
	}

	// Momentum play: strong momentum with a decent score and real liquidity.
	if c.Change24h >= 25 && score.Total >= 30 && c.LiquidityUSD >= 20_000 {
		return Verdict{Pass: true, Path: PathMomentumPlay,
			Reason: fmt.Sprintf("+%.1f%% 24h, score %.0f, $%.0f liquidity", c.Change24h, score.Total, c.LiquidityUSD)}
	}

	// Volume spike with positive movement.
	if c.Volume24hUSD >= 50_000 && c.Change24h > 10 && score.Total >= 25 {
		return Verdict{Pass: true, Path: PathVolumeSpike,
			Reason: fmt.Sprintf("$%.0f 24h volume with +%.1f%%", c.Volume24hUSD, c.Change24h)}
	}

	// Established-index token in a clear uptrend.
	if c.Provenance == market.ProvenanceIndex && c.Change24h >= 15 && c.LiquidityUSD >= 50_000 {
		return Verdict{Pass: true, Path: PathEstablishedUptrend,
			Reason: fmt.Sprintf("established index +%.1f%% with $%.0f liquidity", c.Change24h, c.LiquidityUSD)}
	}

	// Freshly listed with traction.
	if c.Fresh(q.config.FreshWindow) && c.Volume24hUSD >= 10_000 && c.Change24h > 0 && c.LiquidityUSD >= 10_000 {
		return Verdict{Pass: true, Path: PathFreshLaunch,
			Reason: fmt.Sprintf("listed %s ago with $%.0f volume", time.Since(c.ListedAt).Round(time.Minute), c.Volume24hUSD)}
	}

	return Verdict{Reason: fmt.Sprintf("score %.0f, %.1f%% 24h: no path matched", score.Total, c.Change24h)}
}
