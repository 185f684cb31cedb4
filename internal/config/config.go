// Package config loads and saves the cityminer TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk configuration at Path().
type Config struct {
	Account AccountConfig `toml:"account"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Engine  EngineConfig  `toml:"engine"`
	Store   StoreConfig   `toml:"store"`
	Events  EventsConfig  `toml:"events"`
	Web     WebConfig     `toml:"web"`
	Logging LoggingConfig `toml:"logging"`
}

// AccountConfig identifies the signed-in user. The snapshot key is derived from UserID.
type AccountConfig struct {
	UserID string `toml:"user_id" validate:"required,max=128"`
}

// LedgerConfig points at the remote ledger service.
type LedgerConfig struct {
	BaseURL   string   `toml:"base_url" validate:"required,url"`
	Token     string   `toml:"token" validate:"required"`
	Timeout   Duration `toml:"timeout"`
	RateLimit float64  `toml:"rate_limit" validate:"gte=0"` // requests per second, 0 = unlimited
}

// EngineConfig tunes the accrual engine.
type EngineConfig struct {
	AutoInterval      Duration `toml:"auto_interval"`
	ClaimTimeout      Duration `toml:"claim_timeout"`
	RefreshInterval   Duration `toml:"refresh_interval"`
	BoostDuration     Duration `toml:"boost_duration"`
	BoostCost         float64  `toml:"boost_cost" validate:"gte=0"`
	CatchUpPolicy     string   `toml:"catch_up_policy" validate:"oneof=capped none"`
	MaxCatchUpPeriods int      `toml:"max_catch_up_periods" validate:"gte=1,lte=1000"`
	HistorySize       int      `toml:"history_size" validate:"gte=1,lte=10000"`
}

// StoreConfig selects the snapshot backend.
type StoreConfig struct {
	Backend string `toml:"backend" validate:"oneof=memory file badger leveldb postgres"`
	Path    string `toml:"path,omitempty"`
	DSN     string `toml:"dsn,omitempty"`
}

// EventsConfig selects where reward events are published besides the console.
type EventsConfig struct {
	Backend string `toml:"backend" validate:"oneof=none memory rabbitmq"`
	URL     string `toml:"url,omitempty"`
	Queue   string `toml:"queue,omitempty"`
}

// WebConfig controls the local console.
type WebConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port" validate:"gte=0,lte=65535"`
}

// LoggingConfig sets the slog level.
type LoggingConfig struct {
	Level string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Duration is a time.Duration that reads and writes TOML strings like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Dir returns the config directory. CITYMINER_HOME overrides ~/.cityminer.
func Dir() string {
	if d := os.Getenv("CITYMINER_HOME"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cityminer"
	}
	return filepath.Join(home, ".cityminer")
}

// Path returns the config file path.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// DefaultConfig returns a config with every optional field filled in.
func DefaultConfig() *Config {
	return &Config{
		Ledger: LedgerConfig{
			BaseURL:   "https://api.cityverse.sodmax.app",
			Timeout:   Duration{15 * time.Second},
			RateLimit: 5,
		},
		Engine: EngineConfig{
			AutoInterval:      Duration{5 * time.Second},
			ClaimTimeout:      Duration{10 * time.Second},
			RefreshInterval:   Duration{time.Minute},
			BoostDuration:     Duration{30 * time.Minute},
			BoostCost:         500,
			CatchUpPolicy:     "capped",
			MaxCatchUpPeriods: 12,
			HistorySize:       50,
		},
		Store: StoreConfig{
			Backend: "badger",
		},
		Events: EventsConfig{
			Backend: "none",
			Queue:   "cityminer_rewards",
		},
		Web: WebConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file over the defaults and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := LoadFile()
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile reads the config file over the defaults without environment
// overrides. Use it when the result is written back with Save.
func LoadFile() (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(Path(), cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config not found at %s, run 'cityminer init'", Path())
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CITYMINER_LEDGER_URL"); v != "" {
		c.Ledger.BaseURL = v
	}
	if v := os.Getenv("CITYMINER_TOKEN"); v != "" {
		c.Ledger.Token = v
	}
	if v := os.Getenv("CITYMINER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// StorePath returns the store directory or file, defaulting under Dir().
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(Dir(), "data", c.Store.Backend)
}

// Save writes the config to Path() with owner-only permissions.
func (c *Config) Save() error {
	if err := os.MkdirAll(Dir(), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(Path(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
