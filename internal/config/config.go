package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/fnorun/internal/ratelimit"
)

// BrokerConfig holds provider credentials and endpoint settings.
type BrokerConfig struct {
	BaseURL          string `yaml:"base_url"`
	ClientID         string `yaml:"client_id"`
	AccessToken      string `yaml:"access_token"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

// ScanConfig configures the one-shot entry scan.
type ScanConfig struct {
	TriggerTime     string `yaml:"trigger_time"`
	Resolution      string `yaml:"resolution"`
	PrefetchWorkers int    `yaml:"prefetch_workers"`
	CandleWorkers   int    `yaml:"candle_workers"`
	StrikeStep      int    `yaml:"strike_step"`
}

// MonitorConfig configures the background refresh loops, in seconds.
type MonitorConfig struct {
	PnLIntervalSec       int `yaml:"pnl_interval_sec"`
	RefreshIntervalSec   int `yaml:"refresh_interval_sec"`
	OrderbookIntervalSec int `yaml:"orderbook_interval_sec"`
	FundsIntervalSec     int `yaml:"funds_interval_sec"`
}

// LotsConfig configures the lot-size master file.
type LotsConfig struct {
	Path      string `yaml:"path"`
	URL       string `yaml:"url"`
	MaxAgeHrs int    `yaml:"max_age_hours"`
}

// Config is the full session configuration.
type Config struct {
	Broker    BrokerConfig     `yaml:"broker"`
	Universe  []string         `yaml:"universe"`
	Limits    ratelimit.Limits `yaml:"limits"`
	Scan      ScanConfig       `yaml:"scan"`
	Monitor   MonitorConfig    `yaml:"monitor"`
	Lots      LotsConfig       `yaml:"lots"`
	Simulated bool             `yaml:"simulated"`
}

// Default returns the configuration used when a field is left unset.
func Default() Config {
	return Config{
		Limits: ratelimit.DefaultLimits(),
		Scan: ScanConfig{
			TriggerTime:     "09:18:10",
			Resolution:      "3",
			PrefetchWorkers: 10,
			CandleWorkers:   15,
			StrikeStep:      50,
		},
		Monitor: MonitorConfig{
			PnLIntervalSec:       2,
			RefreshIntervalSec:   1,
			OrderbookIntervalSec: 10,
			FundsIntervalSec:     15,
		},
		Lots: LotsConfig{
			Path:      "NSE_FO.csv",
			URL:       "https://public.fyers.in/sym_details/NSE_FO.csv",
			MaxAgeHrs: 24,
		},
		Simulated: true,
	}
}

// Load reads and validates a yaml config file, filling unset fields from
// Default.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c := Default()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the session cannot start with.
func (c *Config) Validate() error {
	if c.Broker.ClientID == "" || c.Broker.AccessToken == "" {
		return fmt.Errorf("broker credentials missing: client_id and access_token are required")
	}
	if len(c.Universe) == 0 {
		return fmt.Errorf("universe is empty: at least one underlying is required")
	}
	if c.Limits.PerSecond <= 0 || c.Limits.PerMinute <= 0 || c.Limits.PerDay <= 0 {
		return fmt.Errorf("rate limits must be positive: got %d/s %d/min %d/day",
			c.Limits.PerSecond, c.Limits.PerMinute, c.Limits.PerDay)
	}
	if _, err := c.TriggerClock(); err != nil {
		return err
	}
	if c.Scan.StrikeStep <= 0 {
		return fmt.Errorf("strike step must be positive, got %d", c.Scan.StrikeStep)
	}
	if c.Scan.PrefetchWorkers <= 0 || c.Scan.CandleWorkers <= 0 {
		return fmt.Errorf("scan worker pools must be positive")
	}
	if c.Monitor.PnLIntervalSec <= 0 || c.Monitor.RefreshIntervalSec <= 0 ||
		c.Monitor.OrderbookIntervalSec <= 0 || c.Monitor.FundsIntervalSec <= 0 {
		return fmt.Errorf("monitor intervals must be positive: got pnl=%ds refresh=%ds orderbook=%ds funds=%ds",
			c.Monitor.PnLIntervalSec, c.Monitor.RefreshIntervalSec,
			c.Monitor.OrderbookIntervalSec, c.Monitor.FundsIntervalSec)
	}
	return nil
}

// TriggerClock parses the scan trigger as a wall-clock time of day.
func (c *Config) TriggerClock() (time.Time, error) {
	t, err := time.Parse("15:04:05", c.Scan.TriggerTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid scan trigger time %q: %w", c.Scan.TriggerTime, err)
	}
	return t, nil
}

// RequestTimeout converts the broker timeout to a duration.
func (c *Config) RequestTimeout() time.Duration {
	if c.Broker.RequestTimeoutMS <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Broker.RequestTimeoutMS) * time.Millisecond
}
