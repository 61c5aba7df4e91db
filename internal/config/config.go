// Package config loads the runtime configuration for the route/cache
// engine: storage layout, cache defaults, and meta-store/share/session
// TTL defaults. It deliberately does not cover route metadata, HTTP
// server settings, or host config — those belong to the (out of scope)
// HTTP layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/routegrid/engine/internal/common/logger"
	"github.com/routegrid/engine/internal/common/yamlutil"
)

// StorageConfig describes the on-disk layout rooted at Root, matching
// spec.md §6.1.
type StorageConfig struct {
	Root string `yaml:"root"`
}

func (s StorageConfig) CacheDir() string {
	return filepath.Join(s.Root, "cache")
}

func (s StorageConfig) MetaDBPath() string {
	return filepath.Join(s.Root, "runtime", "meta.sqlite3")
}

func (s StorageConfig) AppendsDir() string {
	return filepath.Join(s.Root, "runtime", "appends")
}

// CacheConfig carries defaults for route cache blocks that don't
// override them explicitly.
type CacheConfig struct {
	RowsPerPage int `yaml:"rows_per_page"`
}

// ShareConfig carries defaults for share token issuance.
type ShareConfig struct {
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	DefaultMaxUses int           `yaml:"default_max_uses"`
}

// SessionConfig carries defaults for session issuance.
type SessionConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RuntimeConfig is the top-level engine configuration.
type RuntimeConfig struct {
	Storage StorageConfig     `yaml:"storage"`
	Cache   CacheConfig       `yaml:"cache"`
	Share   ShareConfig       `yaml:"share"`
	Session SessionConfig     `yaml:"session"`
	Log     logger.LogConfig  `yaml:"log"`
}

const defaultRowsPerPage = 5000

// applyDefaults fills in zero-valued fields with engine defaults. It is
// the only place RuntimeConfig fields are defaulted; the cache store
// separately falls back to 5000 rows per page when a route's
// RowsPerPage is zero or negative.
func (c *RuntimeConfig) applyDefaults() {
	if c.Cache.RowsPerPage <= 0 {
		c.Cache.RowsPerPage = defaultRowsPerPage
	}
	if c.Share.DefaultTTL <= 0 {
		c.Share.DefaultTTL = 24 * time.Hour
	}
	if c.Share.DefaultMaxUses <= 0 {
		c.Share.DefaultMaxUses = 1
	}
	if c.Session.DefaultTTL <= 0 {
		c.Session.DefaultTTL = 30 * 24 * time.Hour
	}
	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}
	if c.Log.Console.Format == "" {
		c.Log.Console.Format = logger.FormatConsole
	}
	if c.Log.File.Format == "" {
		c.Log.File.Format = logger.FormatText
	}
}

func (c *RuntimeConfig) validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	return nil
}

// Load reads and validates a RuntimeConfig from a YAML file at path.
func Load(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg RuntimeConfig
	if err := yamlutil.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Default returns a RuntimeConfig rooted at root with all other fields
// defaulted, useful for tests and embedding.
func Default(root string) *RuntimeConfig {
	cfg := &RuntimeConfig{Storage: StorageConfig{Root: root}}
	cfg.applyDefaults()
	return cfg
}
