// Package config loads the YAML configuration and applies code defaults.
// Credentials never live in the file; they are resolved from the
// environment (optionally seeded from a .env file) at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type Primary struct {
	BaseURL         string `yaml:"base_url"`
	APIKeyEnv       string `yaml:"api_key_env"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	RatePerMinute   int    `yaml:"rate_per_minute"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	MaxRetries      int    `yaml:"max_retries"`
	BackoffBaseMs   int    `yaml:"backoff_base_ms"`
}

type SecondaryLimit struct {
	PerMinute  int `yaml:"per_minute"`
	PerDay     int `yaml:"per_day"`
	MinDelayMs int `yaml:"min_delay_ms"`
}

type Secondary struct {
	BaseURL        string         `yaml:"base_url"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	Limit          SecondaryLimit `yaml:"rate_limit"`
}

type Oracle struct {
	BaseURL        string  `yaml:"base_url"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	Model          string  `yaml:"model"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	DailyBudget    int     `yaml:"daily_budget"`
	CacheDelta     float64 `yaml:"cache_delta"`
}

type SectorGroup struct {
	Name    string   `yaml:"name"`
	Tickers []string `yaml:"tickers"`
}

type Filters struct {
	MinPrice     float64 `yaml:"min_price"`
	MinAvgVolume int64   `yaml:"min_avg_volume"`
	MinMarketCap float64 `yaml:"min_market_cap"`
}

type Universe struct {
	Sectors       []SectorGroup `yaml:"sectors"`
	Filters       Filters       `yaml:"filters"`
	Workers       int           `yaml:"workers"`
	WatchingDays  int           `yaml:"watching_stale_days"`
	ActiveDays    int           `yaml:"active_stale_days"`
	HistoryDays   int           `yaml:"history_days"`
}

type Session struct {
	Open     string `yaml:"open"`     // HH:MM, exchange local time
	Close    string `yaml:"close"`    // HH:MM
	Timezone string `yaml:"timezone"` // IANA name
}

type Trading struct {
	StartCash           float64 `yaml:"start_cash"`
	ConfidenceThreshold int     `yaml:"confidence_threshold"`
	MaxHotPerCycle      int     `yaml:"max_hot_per_cycle"`
	MaxHeatPct          float64 `yaml:"max_heat_pct"`
	MaxLossPerTradePct  float64 `yaml:"max_loss_per_trade_pct"`
	MaxPositionPct      float64 `yaml:"max_position_pct"`
	DailyLossLimitPct   float64 `yaml:"daily_loss_limit_pct"`
	StopPct             float64 `yaml:"stop_pct"`
	TargetPct           float64 `yaml:"target_pct"`
	IntervalSeconds     int     `yaml:"interval_seconds"`
	Session             Session `yaml:"session"`
}

type Root struct {
	DataDir   string    `yaml:"data_dir"`
	Log       Log       `yaml:"log"`
	Primary   Primary   `yaml:"primary"`
	Secondary Secondary `yaml:"secondary"`
	Oracle    Oracle    `yaml:"oracle"`
	Universe  Universe  `yaml:"universe"`
	Trading   Trading   `yaml:"trading"`
}

// Paths groups the persisted-state file locations under DataDir.
type Paths struct {
	Tiers     string
	Progress  string
	Portfolio string
	Trades    string
	Orders    string
}

func (c Root) Paths() Paths {
	return Paths{
		Tiers:     filepath.Join(c.DataDir, "tiers.json"),
		Progress:  filepath.Join(c.DataDir, "scan_progress.json"),
		Portfolio: filepath.Join(c.DataDir, "portfolio.json"),
		Trades:    filepath.Join(c.DataDir, "trades.jsonl"),
		Orders:    filepath.Join(c.DataDir, "orders.jsonl"),
	}
}

// Load reads the YAML file, seeds the environment from .env when present,
// and applies defaults for zero values.
func Load(path string) (Root, error) {
	var c Root

	// Missing .env is fine; a malformed one is not.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return c, fmt.Errorf("load .env: %w", err)
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Primary.BaseURL == "" {
		c.Primary.BaseURL = "https://api.polygon.io"
	}
	if c.Primary.APIKeyEnv == "" {
		c.Primary.APIKeyEnv = "POLYGON_API_KEY"
	}
	if c.Primary.TimeoutSeconds == 0 {
		c.Primary.TimeoutSeconds = 10
	}
	if c.Primary.RatePerMinute == 0 {
		c.Primary.RatePerMinute = 100
	}
	if c.Primary.CacheTTLSeconds == 0 {
		c.Primary.CacheTTLSeconds = 30
	}
	if c.Primary.MaxRetries == 0 {
		c.Primary.MaxRetries = 3
	}
	if c.Primary.BackoffBaseMs == 0 {
		c.Primary.BackoffBaseMs = 500
	}

	if c.Secondary.BaseURL == "" {
		c.Secondary.BaseURL = "https://query1.finance.yahoo.com"
	}
	if c.Secondary.TimeoutSeconds == 0 {
		c.Secondary.TimeoutSeconds = 10
	}
	if c.Secondary.Limit.PerMinute == 0 {
		c.Secondary.Limit.PerMinute = 48
	}
	if c.Secondary.Limit.PerDay == 0 {
		c.Secondary.Limit.PerDay = 900
	}
	if c.Secondary.Limit.MinDelayMs == 0 {
		c.Secondary.Limit.MinDelayMs = 1000
	}

	if c.Oracle.BaseURL == "" {
		c.Oracle.BaseURL = "https://api.openai.com/v1"
	}
	if c.Oracle.APIKeyEnv == "" {
		c.Oracle.APIKeyEnv = "ORACLE_API_KEY"
	}
	if c.Oracle.Model == "" {
		c.Oracle.Model = "gpt-4o-mini"
	}
	if c.Oracle.TimeoutSeconds == 0 {
		c.Oracle.TimeoutSeconds = 30
	}
	if c.Oracle.DailyBudget == 0 {
		c.Oracle.DailyBudget = 100
	}
	if c.Oracle.CacheDelta == 0 {
		c.Oracle.CacheDelta = 5.0
	}

	if c.Universe.Workers == 0 {
		c.Universe.Workers = 8
	}
	if c.Universe.WatchingDays == 0 {
		c.Universe.WatchingDays = 7
	}
	if c.Universe.ActiveDays == 0 {
		c.Universe.ActiveDays = 1
	}
	if c.Universe.HistoryDays == 0 {
		c.Universe.HistoryDays = 250
	}
	if c.Universe.Filters.MinPrice == 0 {
		c.Universe.Filters.MinPrice = 5
	}
	if c.Universe.Filters.MinAvgVolume == 0 {
		c.Universe.Filters.MinAvgVolume = 500_000
	}
	if c.Universe.Filters.MinMarketCap == 0 {
		c.Universe.Filters.MinMarketCap = 2e9
	}

	if c.Trading.StartCash == 0 {
		c.Trading.StartCash = 100_000
	}
	if c.Trading.ConfidenceThreshold == 0 {
		c.Trading.ConfidenceThreshold = 7
	}
	if c.Trading.MaxHotPerCycle == 0 {
		c.Trading.MaxHotPerCycle = 50
	}
	if c.Trading.MaxHeatPct == 0 {
		c.Trading.MaxHeatPct = 0.06
	}
	if c.Trading.MaxLossPerTradePct == 0 {
		c.Trading.MaxLossPerTradePct = 0.02
	}
	if c.Trading.MaxPositionPct == 0 {
		c.Trading.MaxPositionPct = 0.10
	}
	if c.Trading.DailyLossLimitPct == 0 {
		c.Trading.DailyLossLimitPct = 0.02
	}
	if c.Trading.StopPct == 0 {
		c.Trading.StopPct = 0.10
	}
	if c.Trading.TargetPct == 0 {
		c.Trading.TargetPct = 0.15
	}
	if c.Trading.IntervalSeconds == 0 {
		c.Trading.IntervalSeconds = 300
	}
	if c.Trading.Session.Open == "" {
		c.Trading.Session.Open = "09:30"
	}
	if c.Trading.Session.Close == "" {
		c.Trading.Session.Close = "16:00"
	}
	if c.Trading.Session.Timezone == "" {
		c.Trading.Session.Timezone = "America/New_York"
	}

	return c, nil
}

// Validate rejects configurations the process must not start with.
func (c Root) Validate() error {
	if len(c.Universe.Sectors) == 0 {
		return fmt.Errorf("universe.sectors is empty")
	}
	seen := map[string]bool{}
	for _, g := range c.Universe.Sectors {
		if g.Name == "" {
			return fmt.Errorf("universe sector group without a name")
		}
		for _, t := range g.Tickers {
			if seen[t] {
				return fmt.Errorf("ticker %s appears in more than one sector group", t)
			}
			seen[t] = true
		}
	}
	if c.Trading.MaxHeatPct <= 0 || c.Trading.MaxHeatPct >= 1 {
		return fmt.Errorf("trading.max_heat_pct %v out of (0,1)", c.Trading.MaxHeatPct)
	}
	if c.Trading.MaxLossPerTradePct <= 0 || c.Trading.MaxLossPerTradePct >= 1 {
		return fmt.Errorf("trading.max_loss_per_trade_pct %v out of (0,1)", c.Trading.MaxLossPerTradePct)
	}
	if c.Trading.MaxPositionPct <= 0 || c.Trading.MaxPositionPct >= 1 {
		return fmt.Errorf("trading.max_position_pct %v out of (0,1)", c.Trading.MaxPositionPct)
	}
	if c.Trading.StopPct <= 0 || c.Trading.StopPct >= 1 {
		return fmt.Errorf("trading.stop_pct %v out of (0,1)", c.Trading.StopPct)
	}
	if c.Trading.ConfidenceThreshold < 1 || c.Trading.ConfidenceThreshold > 10 {
		return fmt.Errorf("trading.confidence_threshold %d out of 1..10", c.Trading.ConfidenceThreshold)
	}
	if _, err := time.LoadLocation(c.Trading.Session.Timezone); err != nil {
		return fmt.Errorf("trading.session.timezone: %w", err)
	}
	return nil
}

// RequireKey resolves a credential env var or fails with a startup error.
func RequireKey(envName string) (string, error) {
	v := os.Getenv(envName)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is not set", envName)
	}
	return v, nil
}
