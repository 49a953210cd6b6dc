// Package config defines all configuration for the exchange daemon.
// Config is loaded from a YAML file with overrides via VIDAR_*
// environment variables. Configuration problems abort startup; nothing
// here is consulted on the matching path.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"vidar/internal/asset"
	"vidar/internal/fixed"
	"vidar/internal/risk"
)

// Config is the top-level configuration, mapping directly to the YAML
// file structure.
type Config struct {
	Symbols         []SymbolConfig `mapstructure:"symbols"`
	Engine          EngineConfig   `mapstructure:"engine"`
	Risk            RiskConfig     `mapstructure:"risk"`
	Session         SessionConfig  `mapstructure:"session"`
	SelfTradePolicy string         `mapstructure:"self_trade_policy"`
	Logging         LoggingConfig  `mapstructure:"logging"`
}

// SymbolConfig declares one tradeable pair. Prices and quantities are
// decimal strings with up to 8 fractional digits.
type SymbolConfig struct {
	Base              string `mapstructure:"base"`
	Quote             string `mapstructure:"quote"`
	TickSize          string `mapstructure:"tick_size"`
	LotSize           string `mapstructure:"lot_size"`
	MinNotional       string `mapstructure:"min_notional"`
	MaxOrderQty       string `mapstructure:"max_order_qty"`
	ProtectionBandBps int64  `mapstructure:"protection_band_bps"`
}

// EngineConfig sizes the per-symbol queues.
type EngineConfig struct {
	PerSymbolQueueDepth int     `mapstructure:"per_symbol_queue_depth"`
	EventRingDepth      int     `mapstructure:"event_ring_depth"`
	RateLimitBurst      float64 `mapstructure:"rate_limit_burst"`
	RateLimitPerSec     float64 `mapstructure:"rate_limit_per_sec"`
}

// RiskConfig declares the risk tiers. The first tier is the default.
type RiskConfig struct {
	Tiers []TierConfig `mapstructure:"tiers"`
}

// TierConfig bounds one class of users.
type TierConfig struct {
	Name         string `mapstructure:"name"`
	MaxPosition  string `mapstructure:"max_position"`
	MaxDailyLoss string `mapstructure:"max_daily_loss"`
	MaxOrderSize string `mapstructure:"max_order_size"`
	MaxLeverage  int64  `mapstructure:"max_leverage"`
}

// SessionConfig controls DAY-order expiry.
type SessionConfig struct {
	Start    string `mapstructure:"start"`    // "09:30"
	End      string `mapstructure:"end"`      // "16:00"
	Timezone string `mapstructure:"timezone"` // IANA name
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("VIDAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("engine.per_symbol_queue_depth", 1<<16)
	v.SetDefault("engine.event_ring_depth", 1<<16)
	v.SetDefault("engine.rate_limit_burst", 1000)
	v.SetDefault("engine.rate_limit_per_sec", 200)
	v.SetDefault("self_trade_policy", "cancel_maker")
	v.SetDefault("session.timezone", "UTC")
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols: at least one symbol is required")
	}
	for i, s := range c.Symbols {
		if s.Base == "" || s.Quote == "" {
			return fmt.Errorf("symbols[%d]: base and quote are required", i)
		}
		for field, val := range map[string]string{"tick_size": s.TickSize, "lot_size": s.LotSize} {
			if val == "" {
				return fmt.Errorf("symbols[%d].%s is required", i, field)
			}
			if _, err := fixed.Parse(val); err != nil {
				return fmt.Errorf("symbols[%d].%s: %w", i, field, err)
			}
		}
		if s.ProtectionBandBps < 0 {
			return fmt.Errorf("symbols[%d].protection_band_bps must be >= 0", i)
		}
	}
	if len(c.Risk.Tiers) == 0 {
		return fmt.Errorf("risk.tiers: at least one tier is required")
	}
	for i, t := range c.Risk.Tiers {
		if t.Name == "" {
			return fmt.Errorf("risk.tiers[%d].name is required", i)
		}
		if t.MaxOrderSize == "" || t.MaxPosition == "" {
			return fmt.Errorf("risk.tiers[%d]: max_order_size and max_position are required", i)
		}
	}
	if c.SelfTradePolicy != "cancel_maker" {
		return fmt.Errorf("self_trade_policy: only cancel_maker is supported")
	}
	if c.Session.Timezone != "" {
		if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
			return fmt.Errorf("session.timezone: %w", err)
		}
	}
	return nil
}

// SymbolTable materializes the configured symbols.
func (c *Config) SymbolTable() (*asset.Table, error) {
	symbols := make([]asset.Symbol, 0, len(c.Symbols))
	for i, s := range c.Symbols {
		sym := asset.Symbol{
			Base:              asset.ID(s.Base),
			Quote:             asset.ID(s.Quote),
			ProtectionBandBps: s.ProtectionBandBps,
		}
		var err error
		if sym.TickSize, err = fixed.Parse(s.TickSize); err != nil {
			return nil, fmt.Errorf("symbols[%d].tick_size: %w", i, err)
		}
		if sym.LotSize, err = fixed.Parse(s.LotSize); err != nil {
			return nil, fmt.Errorf("symbols[%d].lot_size: %w", i, err)
		}
		if s.MinNotional != "" {
			if sym.MinNotional, err = fixed.Parse(s.MinNotional); err != nil {
				return nil, fmt.Errorf("symbols[%d].min_notional: %w", i, err)
			}
		}
		if s.MaxOrderQty != "" {
			if sym.MaxOrderQty, err = fixed.Parse(s.MaxOrderQty); err != nil {
				return nil, fmt.Errorf("symbols[%d].max_order_qty: %w", i, err)
			}
		}
		symbols = append(symbols, sym)
	}
	return asset.NewTable(symbols)
}

// Tiers materializes the configured risk tiers.
func (c *Config) Tiers() ([]risk.Tier, error) {
	tiers := make([]risk.Tier, 0, len(c.Risk.Tiers))
	for i, t := range c.Risk.Tiers {
		tier := risk.Tier{Name: t.Name, MaxLeverage: t.MaxLeverage}
		var err error
		if tier.MaxPosition, err = fixed.Parse(t.MaxPosition); err != nil {
			return nil, fmt.Errorf("risk.tiers[%d].max_position: %w", i, err)
		}
		if tier.MaxOrderSize, err = fixed.Parse(t.MaxOrderSize); err != nil {
			return nil, fmt.Errorf("risk.tiers[%d].max_order_size: %w", i, err)
		}
		if t.MaxDailyLoss != "" {
			if tier.MaxDailyLoss, err = fixed.Parse(t.MaxDailyLoss); err != nil {
				return nil, fmt.Errorf("risk.tiers[%d].max_daily_loss: %w", i, err)
			}
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

// NextSessionEnd computes the next session close after now, in the
// configured timezone. Returns zero when no session is configured, which
// disables DAY expiry.
func (c *Config) NextSessionEnd(now time.Time) (int64, error) {
	if c.Session.End == "" {
		return 0, nil
	}
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		return 0, err
	}
	var hh, mm int
	if _, err := fmt.Sscanf(c.Session.End, "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("session.end: %w", err)
	}
	local := now.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end.UnixNano(), nil
}
