package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	yaml := `
general:
  instance_id: "test-node"
  environment: "development"
  dry_run: true
  log_level: "debug"

market:
  price_url: "https://api.example.com/latest/dex/pairs"
  feeds:
    - name: trending
      url: "https://api.example.com/trending"
      tier: 1
      provenance: trending
    - name: boosted
      url: "https://api.example.com/boosts"
      tier: 3
      provenance: boosted
      boosted: true

trading:
  entry_pct: 0.15
  max_entry_usd: 250
  max_open_positions: 3

treasury:
  ceiling_usd: 800
  floor_usd: 300

wage:
  hourly_target_usd: 7.5
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, "test-node", cfg.General.InstanceID)
	assert.True(t, cfg.General.DryRun)
	require.Len(t, cfg.Market.Feeds, 2)
	assert.Equal(t, "boosted", cfg.Market.Feeds[1].Provenance)
	assert.True(t, cfg.Market.Feeds[1].Boosted)
	assert.Equal(t, 0.15, cfg.Trading.EntryPct)
	assert.Equal(t, 250.0, cfg.Trading.MaxEntryUSD)
	assert.Equal(t, 3, cfg.Trading.MaxOpenPositions)
	assert.Equal(t, 800.0, cfg.Treasury.CeilingUSD)
	assert.Equal(t, 7.5, cfg.Wage.HourlyTargetUSD)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "general:\n  instance_id: bare\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, "json", cfg.General.LogFormat)
	assert.Equal(t, 8099, cfg.General.HTTPPort)
	assert.Equal(t, 0.20, cfg.Trading.EntryPct)
	assert.Equal(t, 10.0, cfg.Trading.MinEntryUSD)
	assert.Equal(t, 500.0, cfg.Trading.MaxEntryUSD)
	assert.Equal(t, 25.0, cfg.Trading.StopLossPct)
	require.Len(t, cfg.Trading.TrailWidths, 4)
	assert.Equal(t, 8.0, cfg.Trading.TrailWidths[3].WidthPct)
	assert.Equal(t, 5.0, cfg.Moonbag.ReEntryMultiple)
	assert.Equal(t, 70.0, cfg.Treasury.ColdPct)
	assert.Equal(t, 500.0, cfg.Treasury.CeilingUSD)
	assert.Equal(t, 5.0, cfg.Wage.HourlyTargetUSD)
	assert.Equal(t, 30, cfg.Watch.Listing.TightSeconds)
	assert.Equal(t, 600, cfg.Watch.Balance.LooseSeconds)
	assert.Equal(t, 5.0, cfg.Watch.MaterialityPct)
	assert.Equal(t, 0.05, cfg.Watch.MinEdge)
	assert.Equal(t, "data", cfg.Store.DataDir)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("DRIFT_TEST_API_KEY", "sekrit-key")

	yaml := `
execution:
  base_url: "https://exec.example.com"
  api_key: "${DRIFT_TEST_API_KEY}"
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "sekrit-key", cfg.Execution.APIKey)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsUnsafeValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, "general: {}\n"))
		require.NoError(t, err)
		return cfg
	}

	t.Run("entry pct above half", func(t *testing.T) {
		cfg := base()
		cfg.Trading.EntryPct = 0.8
		assert.Error(t, cfg.Validate())
	})

	t.Run("min entry above max", func(t *testing.T) {
		cfg := base()
		cfg.Trading.MinEntryUSD = 900
		assert.Error(t, cfg.Validate())
	})

	t.Run("treasury split not 100", func(t *testing.T) {
		cfg := base()
		cfg.Treasury.ColdPct = 50
		assert.Error(t, cfg.Validate())
	})

	t.Run("floor above ceiling", func(t *testing.T) {
		cfg := base()
		cfg.Treasury.FloorUSD = 900
		assert.Error(t, cfg.Validate())
	})

	t.Run("unsorted trail bands", func(t *testing.T) {
		cfg := base()
		cfg.Trading.TrailWidths = []TrailBand{
			{MinProfitPct: 50, WidthPct: 10},
			{MinProfitPct: 20, WidthPct: 12},
		}
		assert.Error(t, cfg.Validate())
	})

	t.Run("moonbag retain out of range", func(t *testing.T) {
		cfg := base()
		cfg.Trading.MoonbagRetainPct = 100
		assert.Error(t, cfg.Validate())
	})
}
