package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "50ms" or "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

const (
	// IsolationStatement selects a fresh snapshot per statement (read committed).
	IsolationStatement = "statement"
	// IsolationTransaction selects one snapshot per transaction (repeatable read).
	IsolationTransaction = "transaction"
)

type Config struct {
	LogLevel string `toml:"log-level"`

	// DefaultIsolation is the snapshot policy used when a transaction does not pick
	// one explicitly: "statement" or "transaction".
	DefaultIsolation string `toml:"default-isolation"`

	// LockWaitTimeout bounds how long a single lock acquisition may wait before it
	// fails with a timeout. The transaction itself survives a timeout.
	LockWaitTimeout Duration `toml:"lock-wait-timeout"`

	// GCInterval is how often unreachable row versions are collected. Zero disables
	// the background collector; garbage can still be collected manually.
	GCInterval Duration `toml:"gc-interval"`
}

func (c *Config) Validate() error {
	if c.LockWaitTimeout.Duration <= 0 {
		return fmt.Errorf("lock wait timeout must be greater than 0")
	}
	if c.GCInterval.Duration < 0 {
		return fmt.Errorf("gc interval must not be negative")
	}
	switch c.DefaultIsolation {
	case IsolationStatement, IsolationTransaction:
	default:
		return fmt.Errorf("unknown isolation policy %q", c.DefaultIsolation)
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:         getLogLevel(),
		DefaultIsolation: IsolationTransaction,
		LockWaitTimeout:  Duration{50 * time.Second},
		GCInterval:       Duration{10 * time.Second},
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:         getLogLevel(),
		DefaultIsolation: IsolationTransaction,
		LockWaitTimeout:  Duration{200 * time.Millisecond},
		GCInterval:       Duration{0},
	}
}

// Load reads a TOML file over the defaults. Unset fields keep their default values.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
