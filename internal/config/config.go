// Package config loads node configuration from YAML and BIZSYNC_ environment
// variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/txn"
)

// Config is the node configuration.
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Clock       ClockConfig       `mapstructure:"clock"`
	Transaction TransactionConfig `mapstructure:"transaction"`
	Conflict    ConflictConfig    `mapstructure:"conflict"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// NodeConfig identifies this replica. An empty ID is filled by EnsureNodeID.
type NodeConfig struct {
	ID string `mapstructure:"id"`
}

// StorageConfig selects the SQLite database.
type StorageConfig struct {
	Path        string        `mapstructure:"path"`
	Driver      string        `mapstructure:"driver"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// ClockConfig bounds accepted remote clock drift.
type ClockConfig struct {
	MaxSkew time.Duration `mapstructure:"max_skew"`
}

// TransactionConfig sets the isolation used when callers don't pick one.
type TransactionConfig struct {
	DefaultIsolation string `mapstructure:"default_isolation"`
}

// ConflictConfig points at a CUE rule directory. Empty means built-in rules.
type ConflictConfig struct {
	PolicyDir string `mapstructure:"policy_dir"`
}

// CacheConfig sizes the replica entity read cache.
type CacheConfig struct {
	Entities int `mapstructure:"entities"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// MetricsConfig is the listen address for `serve`.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:        "bizsync.db",
			Driver:      "sqlite3",
			BusyTimeout: 5 * time.Second,
		},
		Clock: ClockConfig{
			MaxSkew: hlc.DefaultMaxSkew,
		},
		Transaction: TransactionConfig{
			DefaultIsolation: string(txn.Serializable),
		},
		Cache: CacheConfig{
			Entities: 1024,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
		},
	}
}

// EnsureNodeID assigns a fresh time-ordered id when none is configured and
// reports whether it did.
func (c *Config) EnsureNodeID() (bool, error) {
	if c.Node.ID != "" {
		return false, nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return false, fmt.Errorf("generate node id: %w", err)
	}
	c.Node.ID = id.String()
	return true, nil
}

// Isolation returns the parsed default isolation level.
func (c *Config) Isolation() txn.Isolation {
	iso, err := txn.ParseIsolation(c.Transaction.DefaultIsolation)
	if err != nil {
		return txn.Serializable
	}
	return iso
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	switch c.Storage.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be one of: sqlite3, sqlite (got %q)", c.Storage.Driver))
	}
	if c.Storage.BusyTimeout < 0 {
		errs = append(errs, errors.New("storage.busy_timeout must not be negative"))
	}
	if c.Clock.MaxSkew <= 0 {
		errs = append(errs, errors.New("clock.max_skew must be positive"))
	}
	if _, err := txn.ParseIsolation(c.Transaction.DefaultIsolation); err != nil {
		errs = append(errs, fmt.Errorf("transaction.default_isolation: %w", err))
	}
	if c.Cache.Entities < 0 {
		errs = append(errs, errors.New("cache.entities must not be negative"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of: debug, info, warn, error (got %q)", c.Logging.Level))
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.encoding must be one of: json, console (got %q)", c.Logging.Encoding))
	}
	return errors.Join(errs...)
}
