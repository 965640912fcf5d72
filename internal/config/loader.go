package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override: BIZSYNC_NODE_ID,
// BIZSYNC_STORAGE_PATH and so on.
const EnvPrefix = "BIZSYNC"

// Load reads configuration from path (optional, YAML) and the environment.
// Environment values take precedence over the file. An empty path reads
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows.
	d := Default()
	v.SetDefault("node.id", d.Node.ID)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.busy_timeout", d.Storage.BusyTimeout)
	v.SetDefault("clock.max_skew", d.Clock.MaxSkew)
	v.SetDefault("transaction.default_isolation", d.Transaction.DefaultIsolation)
	v.SetDefault("conflict.policy_dir", d.Conflict.PolicyDir)
	v.SetDefault("cache.entities", d.Cache.Entities)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	return v
}

// Save writes cfg as YAML. Durations are written in Go duration syntax so
// Load reads them back.
func Save(path string, cfg *Config) error {
	doc := map[string]any{
		"node": map[string]any{"id": cfg.Node.ID},
		"storage": map[string]any{
			"path":         cfg.Storage.Path,
			"driver":       cfg.Storage.Driver,
			"busy_timeout": cfg.Storage.BusyTimeout.String(),
		},
		"clock":       map[string]any{"max_skew": cfg.Clock.MaxSkew.String()},
		"transaction": map[string]any{"default_isolation": cfg.Transaction.DefaultIsolation},
		"conflict":    map[string]any{"policy_dir": cfg.Conflict.PolicyDir},
		"cache":       map[string]any{"entities": cfg.Cache.Entities},
		"logging": map[string]any{
			"level":    cfg.Logging.Level,
			"encoding": cfg.Logging.Encoding,
		},
		"metrics": map[string]any{"listen": cfg.Metrics.Listen},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
