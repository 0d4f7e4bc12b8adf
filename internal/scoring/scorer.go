package scoring

import (
	"fmt"
	"strings"

	"github.com/drift-trading/drift/internal/market"
)

// ---------------------------------------------------------------------------
// Candidate scoring
// Additive bonus model: tier + ecosystem affinity + momentum + volume +
// liquidity + boost. Pure function of the candidate snapshot.
// ---------------------------------------------------------------------------

// Score is the scored view of a candidate, with per-dimension breakdown.
type Score struct {
	Total     float64  `json:"total"`
	Tier      float64  `json:"tier"`
	Ecosystem float64  `json:"ecosystem"`
	Momentum  float64  `json:"momentum"`
	Volume    float64  `json:"volume"`
	Liquidity float64  `json:"liquidity"`
	Boost     float64  `json:"boost"`
	Reasons   []string `json:"reasons"`
}

// Config configures the scorer.
type Config struct {
	// TierBonuses is indexed by tier-1; tiers past the end use the last entry.
	TierBonuses    []float64
	Ecosystems     []string
	EcosystemBonus float64
	BoostBonus     float64
}

// DefaultConfig returns the standard scoring constants.
func DefaultConfig() Config {
	return Config{
		TierBonuses:    []float64{50, 40, 30, 25},
		Ecosystems:     []string{"SOL", "BONK", "WIF", "JUP", "PYTH", "JTO"},
		EcosystemBonus: 10,
		BoostBonus:     15,
	}
}

// Scorer computes candidate scores.
type Scorer struct {
	config Config

	// lowered ecosystem symbols, precomputed once
	ecosystems []string
}

// NewScorer creates a scorer.
func NewScorer(config Config) *Scorer {
	if len(config.TierBonuses) == 0 {
		config.TierBonuses = DefaultConfig().TierBonuses
	}
	if len(config.Ecosystems) == 0 {
		config.Ecosystems = DefaultConfig().Ecosystems
	}
	if config.EcosystemBonus == 0 {
		config.EcosystemBonus = DefaultConfig().EcosystemBonus
	}
	if config.BoostBonus == 0 {
		config.BoostBonus = DefaultConfig().BoostBonus
	}
	lowered := make([]string, len(config.Ecosystems))
	for i, e := range config.Ecosystems {
		lowered[i] = strings.ToLower(e)
	}
	return &Scorer{config: config, ecosystems: lowered}
}

// Score computes the additive score for one candidate.
func (s *Scorer) Score(c market.Candidate) Score {
	sc := Score{}

	sc.Tier = s.tierBonus(c.Tier)
	sc.Reasons = append(sc.Reasons, fmt.Sprintf("tier_%d:+%.0f", c.Tier, sc.Tier))

	sc.Ecosystem = s.ecosystemBonus(c)
	if sc.Ecosystem > 0 {
		sc.Reasons = append(sc.Reasons, fmt.Sprintf("ecosystem:+%.0f", sc.Ecosystem))
	}

	sc.Momentum = momentumBonus(c.Change24h)
	if sc.Momentum != 0 {
		sc.Reasons = append(sc.Reasons, fmt.Sprintf("momentum_%.0f%%:%+.0f", c.Change24h, sc.Momentum))
	}

	sc.Volume = volumeBonus(c.Volume24hUSD)
	if sc.Volume > 0 {
		sc.Reasons = append(sc.Reasons, fmt.Sprintf("volume:+%.0f", sc.Volume))
	}

	sc.Liquidity = liquidityBonus(c.LiquidityUSD)
	if sc.Liquidity != 0 {
		sc.Reasons = append(sc.Reasons, fmt.Sprintf("liquidity:%+.0f", sc.Liquidity))
	}

	if c.Boosted {
		sc.Boost = s.config.BoostBonus
		sc.Reasons = append(sc.Reasons, fmt.Sprintf("boosted:+%.0f", sc.Boost))
	}

	sc.Total = sc.Tier + sc.Ecosystem + sc.Momentum + sc.Volume + sc.Liquidity + sc.Boost
	return sc
}

// tierBonus maps a discovery tier to its bonus. Tiers past the table use the
// last (lowest) entry; tier 0 or negative is treated as the worst tier.
func (s *Scorer) tierBonus(tier int) float64 {
	bonuses := s.config.TierBonuses
	if tier < 1 {
		return bonuses[len(bonuses)-1]
	}
	if tier > len(bonuses) {
		return bonuses[len(bonuses)-1]
	}
	return bonuses[tier-1]
}

// ecosystemBonus stacks a fixed bonus per known-ecosystem token whose name
// appears in the candidate's symbol or name.
func (s *Scorer) ecosystemBonus(c market.Candidate) float64 {
	symbol := strings.ToLower(c.Symbol)
	name := strings.ToLower(c.Name)
	var bonus float64
	for _, eco := range s.ecosystems {
		if strings.Contains(symbol, eco) || strings.Contains(name, eco) {
			bonus += s.config.EcosystemBonus
		}
	}
	return bonus
}

// momentumBonus is piecewise on 24h price change.
func momentumBonus(change24h float64) float64 {
	switch {
	case change24h > 100:
		return 20
	case change24h > 50:
		return 15
	case change24h > 20:
		return 10
	case change24h < -30:
		return -20
	default:
		return 0
	}
}

// volumeBonus is piecewise on 24h volume.
func volumeBonus(volumeUSD float64) float64 {
	switch {
	case volumeUSD > 1_000_000:
		return 15
	case volumeUSD > 250_000:
		return 10
	case volumeUSD > 50_000:
		return 5
	default:
		return 0
	}
}

// liquidityBonus rewards deep pools and penalizes thin ones.
func liquidityBonus(liquidityUSD float64) float64 {
	switch {
	case liquidityUSD > 100_000:
		return 10
	case liquidityUSD < 10_000:
		return -10
	default:
		return 0
	}
}
