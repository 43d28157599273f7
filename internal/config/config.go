package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that round-trips through TOML as a string
// like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the global ~/.syncd/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	UserID         string `toml:"user_id"`

	Outbox     Outbox     `toml:"outbox"`
	Reconciler Reconciler `toml:"reconciler"`
	Daemon     Daemon     `toml:"daemon"`
}

// Outbox tunes the retry manager.
type Outbox struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	PollInterval   Duration `toml:"poll_interval"`
}

// Reconciler tunes the merge machinery.
type Reconciler struct {
	IDMapTTL           Duration `toml:"idmap_ttl"`
	SnapshotQueueDepth int      `toml:"snapshot_queue_depth"`
}

// Daemon tunes the process surface.
type Daemon struct {
	MetricsAddr string `toml:"metrics_addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Outbox: Outbox{
			MaxAttempts:    5,
			InitialBackoff: Duration(2 * time.Second),
			MaxBackoff:     Duration(5 * time.Minute),
			PollInterval:   Duration(5 * time.Second),
		},
		Reconciler: Reconciler{
			IDMapTTL:           Duration(10 * time.Minute),
			SnapshotQueueDepth: 2,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.DefaultProfile == "" {
		c.DefaultProfile = def.DefaultProfile
	}
	if c.Outbox.MaxAttempts <= 0 {
		c.Outbox.MaxAttempts = def.Outbox.MaxAttempts
	}
	if c.Outbox.InitialBackoff <= 0 {
		c.Outbox.InitialBackoff = def.Outbox.InitialBackoff
	}
	if c.Outbox.MaxBackoff <= 0 {
		c.Outbox.MaxBackoff = def.Outbox.MaxBackoff
	}
	if c.Outbox.PollInterval <= 0 {
		c.Outbox.PollInterval = def.Outbox.PollInterval
	}
	if c.Reconciler.IDMapTTL <= 0 {
		c.Reconciler.IDMapTTL = def.Reconciler.IDMapTTL
	}
	if c.Reconciler.SnapshotQueueDepth < 2 {
		c.Reconciler.SnapshotQueueDepth = def.Reconciler.SnapshotQueueDepth
	}
}

// Load reads config from the given path. Unset values fall back to defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault reads config from path, returning defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
