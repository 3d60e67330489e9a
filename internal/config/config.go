package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for configuration when --config is unset.
const DefaultPath = "reteul.yaml"

// Config holds all reteul configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Fact store and import queue backend
	Store StoreConfig `yaml:"store"`

	// Match-act cycle limits
	Cycle CycleConfig `yaml:"cycle"`

	// Test and compute expression compilation
	Expr ExprConfig `yaml:"expr"`

	// Rule file loading and hot reload
	Rules RulesConfig `yaml:"rules"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig selects the fact store backend.
type StoreConfig struct {
	Backend  string `yaml:"backend"`   // memory, sqlite, badger
	Driver   string `yaml:"driver"`    // sqlite3 (cgo) or sqlite (pure Go)
	Path     string `yaml:"path"`      // database file or badger directory
	InMemory bool   `yaml:"in_memory"` // badger only
}

// CycleConfig bounds the match-act loop.
type CycleConfig struct {
	MaxRounds int    `yaml:"max_rounds"` // 0 = unbounded
	Timeout   string `yaml:"timeout"`
}

// ExprConfig configures the expression compiler.
type ExprConfig struct {
	CacheSize int `yaml:"cache_size"` // compiled programs kept per network
}

// RulesConfig configures rule file discovery.
type RulesConfig struct {
	Dir      string `yaml:"dir"`
	Debounce string `yaml:"debounce"`
}

// ValidBackends lists all supported store backends.
var ValidBackends = []string{"memory", "sqlite", "badger"}

// ValidDrivers lists the database/sql drivers usable by the sqlite backend.
var ValidDrivers = []string{"sqlite3", "sqlite"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "reteul",
		Version: "0.3.0",

		Store: StoreConfig{
			Backend: "memory",
			Driver:  "sqlite3",
			Path:    "data/facts.db",
		},

		Cycle: CycleConfig{
			MaxRounds: 1000,
			Timeout:   "5m",
		},

		Expr: ExprConfig{
			CacheSize: 256,
		},

		Rules: RulesConfig{
			Dir:      "rules",
			Debounce: "250ms",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if backend := os.Getenv("RETEUL_STORE"); backend != "" {
		c.Store.Backend = backend
	}
	if path := os.Getenv("RETEUL_DB"); path != "" {
		c.Store.Path = path
	}
	if driver := os.Getenv("RETEUL_SQL_DRIVER"); driver != "" {
		c.Store.Driver = driver
	}
	if level := os.Getenv("RETEUL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
		if level == "debug" {
			c.Logging.DebugMode = true
		}
	}
	if rounds := os.Getenv("RETEUL_MAX_ROUNDS"); rounds != "" {
		if n, err := strconv.Atoi(rounds); err == nil {
			c.Cycle.MaxRounds = n
		}
	}
}

// GetCycleTimeout returns the whole-run timeout as a duration.
func (c *Config) GetCycleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Cycle.Timeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetRulesDebounce returns the hot reload debounce interval.
func (c *Config) GetRulesDebounce() time.Duration {
	d, err := time.ParseDuration(c.Rules.Debounce)
	if err != nil || d <= 0 {
		return 250 * time.Millisecond
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidBackends, c.Store.Backend) {
		return fmt.Errorf("invalid store backend: %s (valid: %v)", c.Store.Backend, ValidBackends)
	}
	if c.Store.Backend == "sqlite" && !contains(ValidDrivers, c.Store.Driver) {
		return fmt.Errorf("invalid sql driver: %s (valid: %v)", c.Store.Driver, ValidDrivers)
	}
	if c.Store.Backend != "memory" && c.Store.Path == "" && !c.Store.InMemory {
		return fmt.Errorf("store backend %s requires a path", c.Store.Backend)
	}
	if c.Cycle.MaxRounds < 0 {
		return fmt.Errorf("cycle.max_rounds must be >= 0, got %d", c.Cycle.MaxRounds)
	}
	if c.Expr.CacheSize <= 0 {
		return fmt.Errorf("expr.cache_size must be > 0, got %d", c.Expr.CacheSize)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
