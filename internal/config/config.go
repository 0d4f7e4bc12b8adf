package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the drift engine.
type Config struct {
	General   GeneralConfig   `yaml:"general"`
	Market    MarketConfig    `yaml:"market"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Qualify   QualifyConfig   `yaml:"qualify"`
	Trading   TradingConfig   `yaml:"trading"`
	Moonbag   MoonbagConfig   `yaml:"moonbag"`
	Treasury  TreasuryConfig  `yaml:"treasury"`
	Wage      WageConfig      `yaml:"wage"`
	Risk      RiskConfig      `yaml:"risk"`
	Watch     WatchConfig     `yaml:"watch"`
	Execution ExecutionConfig `yaml:"execution"`
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	DryRun      bool   `yaml:"dry_run"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
	HTTPPort    int    `yaml:"http_port"`  // health/stats/control endpoint
}

// FeedConfig describes one candidate discovery feed.
type FeedConfig struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	Tier       int    `yaml:"tier"`       // 1 = highest-priority ecosystem
	Provenance string `yaml:"provenance"` // trending|boosted|established_index
	Boosted    bool   `yaml:"boosted"`    // paid-promotion feed
}

type MarketConfig struct {
	Feeds            []FeedConfig `yaml:"feeds"`
	PriceURL         string       `yaml:"price_url"`
	WSURL            string       `yaml:"ws_url"` // optional price stream
	AltMarketURL     string       `yaml:"alt_market_url"`
	RequestTimeoutMs int          `yaml:"request_timeout_ms"`
	Ecosystems       []string     `yaml:"ecosystems"` // affinity symbols/name fragments
}

// ScoringConfig overrides policy constants of the scoring engine.
// Zero values fall back to scoring.DefaultConfig.
type ScoringConfig struct {
	TierBonuses    []float64 `yaml:"tier_bonuses"` // index 0 = tier 1
	EcosystemBonus float64   `yaml:"ecosystem_bonus"`
	BoostBonus     float64   `yaml:"boost_bonus"`
}

type QualifyConfig struct {
	MinLiquidityUSD  float64 `yaml:"min_liquidity_usd"` // safety floor
	MaxDumpPct       float64 `yaml:"max_dump_pct"`      // 24h change floor (negative)
	HighScore        float64 `yaml:"high_score"`        // ecosystem-play threshold
	FreshnessMinutes int     `yaml:"freshness_minutes"` // fresh-launch window
}

// TrailBand is one row of the trailing-stop width table: positions with
// profit >= MinProfitPct use WidthPct as the retracement trigger.
type TrailBand struct {
	MinProfitPct float64 `yaml:"min_profit_pct"`
	WidthPct     float64 `yaml:"width_pct"`
}

type TradingConfig struct {
	EntryPct            float64     `yaml:"entry_pct"` // fraction of capital per entry
	MinEntryUSD         float64     `yaml:"min_entry_usd"`
	MaxEntryUSD         float64     `yaml:"max_entry_usd"`
	MaxOpenPositions    int         `yaml:"max_open_positions"`
	VirtualCapitalUSD   float64     `yaml:"virtual_capital_usd"` // dry-run starting balance
	StopLossPct         float64     `yaml:"stop_loss_pct"`       // hard stop, 25 = -25%
	TrailMinProfitPct   float64     `yaml:"trail_min_profit_pct"`
	TrailWidths         []TrailBand `yaml:"trail_widths"`
	PartialTriggerPct   float64     `yaml:"partial_trigger_pct"`
	PartialSellPct      float64     `yaml:"partial_sell_pct"`
	MoonbagRetainPct    float64     `yaml:"moonbag_retain_pct"`
	MoonbagMinProfitPct float64     `yaml:"moonbag_min_profit_pct"`
	ReversalProfitPct   float64     `yaml:"reversal_profit_pct"`
	ReversalShortPct    float64     `yaml:"reversal_short_pct"`  // 5m momentum floor (negative)
	ReversalMediumPct   float64     `yaml:"reversal_medium_pct"` // 1h momentum floor (negative)
	MaxHoldHours        int         `yaml:"max_hold_hours"`
	StaleBandPct        float64     `yaml:"stale_band_pct"` // |pnl| below this = stale
}

type MoonbagConfig struct {
	ReEntryMultiple float64 `yaml:"re_entry_multiple"` // trigger = entry * multiple
	AutoReEnter     bool    `yaml:"auto_re_enter"`
}

type TreasuryConfig struct {
	CeilingUSD      float64 `yaml:"ceiling_usd"`
	FloorUSD        float64 `yaml:"floor_usd"`
	MinSweepUSD     float64 `yaml:"min_sweep_usd"`
	ColdPct         float64 `yaml:"cold_pct"`
	ReinvestPct     float64 `yaml:"reinvest_pct"`
	OpsPct          float64 `yaml:"ops_pct"`
	OperatingWallet string  `yaml:"operating_wallet"`
	ColdWallet      string  `yaml:"cold_wallet"`
	OpsWallet       string  `yaml:"ops_wallet"`
}

type WageConfig struct {
	HourlyTargetUSD float64 `yaml:"hourly_target_usd"`
}

type RiskConfig struct {
	MaxDailyLossUSD  float64 `yaml:"max_daily_loss_usd"`
	MaxDailySpendUSD float64 `yaml:"max_daily_spend_usd"`
}

// CadenceConfig bounds one watcher's polling interval: tight when positions
// are open, loose when idle.
type CadenceConfig struct {
	TightSeconds int `yaml:"tight_s"`
	LooseSeconds int `yaml:"loose_s"`
}

type WatchConfig struct {
	Listing        CadenceConfig `yaml:"listing"`
	Price          CadenceConfig `yaml:"price"`
	Balance        CadenceConfig `yaml:"balance"`
	Edge           CadenceConfig `yaml:"edge"`
	MaterialityPct float64       `yaml:"materiality_pct"` // min move to emit priceMove
	MinEdge        float64       `yaml:"min_edge"`        // alt-market estimated-vs-market gap
	MinEdgeVolume  float64       `yaml:"min_edge_volume_usd"`
}

type ExecutionConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
}

type EventsConfig struct {
	FilePath   string `yaml:"file_path"` // empty = log sink only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	BufferSize int    `yaml:"buffer_size"` // in-memory ring for /events
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "drift-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.General.HTTPPort == 0 {
		cfg.General.HTTPPort = 8099
	}
	if cfg.Market.RequestTimeoutMs == 0 {
		cfg.Market.RequestTimeoutMs = 8000
	}
	if len(cfg.Market.Ecosystems) == 0 {
		cfg.Market.Ecosystems = []string{"SOL", "BONK", "WIF", "JUP"}
	}
	if cfg.Qualify.MinLiquidityUSD == 0 {
		cfg.Qualify.MinLiquidityUSD = 5_000
	}
	if cfg.Qualify.MaxDumpPct == 0 {
		cfg.Qualify.MaxDumpPct = -20
	}
	if cfg.Qualify.HighScore == 0 {
		cfg.Qualify.HighScore = 45
	}
	if cfg.Qualify.FreshnessMinutes == 0 {
		cfg.Qualify.FreshnessMinutes = 60
	}
	if cfg.Trading.EntryPct == 0 {
		cfg.Trading.EntryPct = 0.20
	}
	if cfg.Trading.MinEntryUSD == 0 {
		cfg.Trading.MinEntryUSD = 10
	}
	if cfg.Trading.MaxEntryUSD == 0 {
		cfg.Trading.MaxEntryUSD = 500
	}
	if cfg.Trading.MaxOpenPositions == 0 {
		cfg.Trading.MaxOpenPositions = 5
	}
	if cfg.Trading.VirtualCapitalUSD == 0 {
		cfg.Trading.VirtualCapitalUSD = 1_000
	}
	if cfg.Trading.StopLossPct == 0 {
		cfg.Trading.StopLossPct = 25
	}
	if cfg.Trading.TrailMinProfitPct == 0 {
		cfg.Trading.TrailMinProfitPct = 10
	}
	if len(cfg.Trading.TrailWidths) == 0 {
		cfg.Trading.TrailWidths = []TrailBand{
			{MinProfitPct: 0, WidthPct: 15},
			{MinProfitPct: 20, WidthPct: 12},
			{MinProfitPct: 50, WidthPct: 10},
			{MinProfitPct: 100, WidthPct: 8},
		}
	}
	if cfg.Trading.PartialTriggerPct == 0 {
		cfg.Trading.PartialTriggerPct = 50
	}
	if cfg.Trading.PartialSellPct == 0 {
		cfg.Trading.PartialSellPct = 30
	}
	if cfg.Trading.MoonbagRetainPct == 0 {
		cfg.Trading.MoonbagRetainPct = 10
	}
	if cfg.Trading.MoonbagMinProfitPct == 0 {
		cfg.Trading.MoonbagMinProfitPct = 100
	}
	if cfg.Trading.ReversalProfitPct == 0 {
		cfg.Trading.ReversalProfitPct = 5
	}
	if cfg.Trading.ReversalShortPct == 0 {
		cfg.Trading.ReversalShortPct = -10
	}
	if cfg.Trading.ReversalMediumPct == 0 {
		cfg.Trading.ReversalMediumPct = -5
	}
	if cfg.Trading.MaxHoldHours == 0 {
		cfg.Trading.MaxHoldHours = 48
	}
	if cfg.Trading.StaleBandPct == 0 {
		cfg.Trading.StaleBandPct = 5
	}
	if cfg.Moonbag.ReEntryMultiple == 0 {
		cfg.Moonbag.ReEntryMultiple = 5
	}
	if cfg.Treasury.CeilingUSD == 0 {
		cfg.Treasury.CeilingUSD = 500
	}
	if cfg.Treasury.FloorUSD == 0 {
		cfg.Treasury.FloorUSD = 200
	}
	if cfg.Treasury.MinSweepUSD == 0 {
		cfg.Treasury.MinSweepUSD = 50
	}
	if cfg.Treasury.ColdPct == 0 && cfg.Treasury.ReinvestPct == 0 && cfg.Treasury.OpsPct == 0 {
		cfg.Treasury.ColdPct = 70
		cfg.Treasury.ReinvestPct = 20
		cfg.Treasury.OpsPct = 10
	}
	if cfg.Treasury.OperatingWallet == "" {
		cfg.Treasury.OperatingWallet = "operating"
	}
	if cfg.Treasury.ColdWallet == "" {
		cfg.Treasury.ColdWallet = "cold"
	}
	if cfg.Treasury.OpsWallet == "" {
		cfg.Treasury.OpsWallet = "operations"
	}
	if cfg.Wage.HourlyTargetUSD == 0 {
		cfg.Wage.HourlyTargetUSD = 5
	}
	if cfg.Risk.MaxDailyLossUSD == 0 {
		cfg.Risk.MaxDailyLossUSD = 200
	}
	if cfg.Risk.MaxDailySpendUSD == 0 {
		cfg.Risk.MaxDailySpendUSD = 1_000
	}
	if cfg.Watch.Listing.TightSeconds == 0 {
		cfg.Watch.Listing.TightSeconds = 30
	}
	if cfg.Watch.Listing.LooseSeconds == 0 {
		cfg.Watch.Listing.LooseSeconds = 120
	}
	if cfg.Watch.Price.TightSeconds == 0 {
		cfg.Watch.Price.TightSeconds = 10
	}
	if cfg.Watch.Price.LooseSeconds == 0 {
		cfg.Watch.Price.LooseSeconds = 60
	}
	if cfg.Watch.Balance.TightSeconds == 0 {
		cfg.Watch.Balance.TightSeconds = 120
	}
	if cfg.Watch.Balance.LooseSeconds == 0 {
		cfg.Watch.Balance.LooseSeconds = 600
	}
	if cfg.Watch.Edge.TightSeconds == 0 {
		cfg.Watch.Edge.TightSeconds = 60
	}
	if cfg.Watch.Edge.LooseSeconds == 0 {
		cfg.Watch.Edge.LooseSeconds = 300
	}
	if cfg.Watch.MaterialityPct == 0 {
		cfg.Watch.MaterialityPct = 5
	}
	if cfg.Watch.MinEdge == 0 {
		cfg.Watch.MinEdge = 0.05
	}
	if cfg.Watch.MinEdgeVolume == 0 {
		cfg.Watch.MinEdgeVolume = 25_000
	}
	if cfg.Execution.TimeoutMs == 0 {
		cfg.Execution.TimeoutMs = 10_000
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "data"
	}
	if cfg.Events.MaxSizeMB == 0 {
		cfg.Events.MaxSizeMB = 50
	}
	if cfg.Events.MaxBackups == 0 {
		cfg.Events.MaxBackups = 3
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 2_000
	}
}

// Validate checks configuration invariants that would make the engine unsafe.
func (c *Config) Validate() error {
	if c.Trading.EntryPct <= 0 || c.Trading.EntryPct > 0.5 {
		return fmt.Errorf("trading.entry_pct must be in (0, 0.5], got %v", c.Trading.EntryPct)
	}
	if c.Trading.MinEntryUSD > c.Trading.MaxEntryUSD {
		return fmt.Errorf("trading.min_entry_usd %v exceeds max_entry_usd %v",
			c.Trading.MinEntryUSD, c.Trading.MaxEntryUSD)
	}
	if c.Trading.StopLossPct <= 0 {
		return fmt.Errorf("trading.stop_loss_pct must be positive")
	}
	if c.Trading.MoonbagRetainPct < 0 || c.Trading.MoonbagRetainPct >= 100 {
		return fmt.Errorf("trading.moonbag_retain_pct must be in [0, 100)")
	}
	total := c.Treasury.ColdPct + c.Treasury.ReinvestPct + c.Treasury.OpsPct
	if total < 99.9 || total > 100.1 {
		return fmt.Errorf("treasury split must sum to 100, got %v", total)
	}
	if c.Treasury.FloorUSD > c.Treasury.CeilingUSD {
		return fmt.Errorf("treasury.floor_usd %v exceeds ceiling_usd %v",
			c.Treasury.FloorUSD, c.Treasury.CeilingUSD)
	}
	if c.Wage.HourlyTargetUSD <= 0 {
		return fmt.Errorf("wage.hourly_target_usd must be positive")
	}
	prev := -1.0
	first := true
	for _, band := range c.Trading.TrailWidths {
		if !first && band.MinProfitPct <= prev {
			return fmt.Errorf("trading.trail_widths must be sorted by min_profit_pct")
		}
		if band.WidthPct <= 0 {
			return fmt.Errorf("trading.trail_widths width_pct must be positive")
		}
		prev = band.MinProfitPct
		first = false
	}
	return nil
}
