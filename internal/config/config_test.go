package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidar/internal/fixed"
)

const sampleYAML = `
symbols:
  - base: BTC
    quote: USD
    tick_size: "0.01"
    lot_size: "0.00000001"
    min_notional: "1.00"
    max_order_qty: "1000"
    protection_band_bps: 500

engine:
  per_symbol_queue_depth: 1024
  event_ring_depth: 2048

risk:
  tiers:
    - name: default
      max_position: "100"
      max_daily_loss: "5000"
      max_order_size: "10"
      max_leverage: 1

session:
  start: "09:30"
  end: "16:00"
  timezone: America/New_York

self_trade_policy: cancel_maker
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAndValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1024, cfg.Engine.PerSymbolQueueDepth)
	assert.Equal(t, 2048, cfg.Engine.EventRingDepth)
	assert.Equal(t, "cancel_maker", cfg.SelfTradePolicy)
	// Defaults fill unset values.
	assert.Equal(t, float64(1000), cfg.Engine.RateLimitBurst)
}

func TestSymbolTable(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	table, err := cfg.SymbolTable()
	require.NoError(t, err)
	sym, err := table.Lookup("BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("0.01"), sym.TickSize)
	assert.Equal(t, int64(500), sym.ProtectionBandBps)
}

func TestTiers(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	tiers, err := cfg.Tiers()
	require.NoError(t, err)
	require.Len(t, tiers, 1)
	assert.Equal(t, "default", tiers[0].Name)
	assert.Equal(t, fixed.MustParse("10"), tiers[0].MaxOrderSize)
}

func TestValidateRejectsMissingSymbols(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
risk:
  tiers:
    - name: default
      max_position: "1"
      max_order_size: "1"
`))
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadTick(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
symbols:
  - base: BTC
    quote: USD
    tick_size: "bogus"
    lot_size: "0.01"
risk:
  tiers:
    - name: default
      max_position: "1"
      max_order_size: "1"
`))
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownSelfTradePolicy(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	cfg.SelfTradePolicy = "cancel_taker"
	assert.Error(t, cfg.Validate())
}

func TestNextSessionEnd(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Before the close: today's close.
	morning := time.Date(2024, 3, 1, 10, 0, 0, 0, loc)
	endNS, err := cfg.NextSessionEnd(morning)
	require.NoError(t, err)
	end := time.Unix(0, endNS).In(loc)
	assert.Equal(t, 16, end.Hour())
	assert.Equal(t, 1, end.Day())

	// After the close: tomorrow's.
	evening := time.Date(2024, 3, 1, 20, 0, 0, 0, loc)
	endNS, err = cfg.NextSessionEnd(evening)
	require.NoError(t, err)
	assert.Equal(t, 2, time.Unix(0, endNS).In(loc).Day())
}

func TestNoSessionDisablesExpiry(t *testing.T) {
	cfg := &Config{}
	endNS, err := cfg.NextSessionEnd(time.Now())
	require.NoError(t, err)
	assert.Zero(t, endNS)
}
