// Package config loads esprit configuration from YAML files.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/esprit-cli/esprit/internal/benchmark"
)

// DiscoveryConfig controls the discovery engine.
type DiscoveryConfig struct {
	Enabled                   bool `yaml:"enabled"`
	MaxHypothesesPerIteration int  `yaml:"max_hypotheses_per_iteration"`
	MaxConcurrentExperiments  int  `yaml:"max_concurrent_experiments"`
	// StaleExperimentMinutes is how long a running experiment may go
	// without a result before it is reclaimed. Zero disables reclaim.
	StaleExperimentMinutes int `yaml:"stale_experiment_minutes"`
	EventLogCapacity       int `yaml:"event_log_capacity"`
}

// ScopeConfig controls the tool-layer scope guard.
type ScopeConfig struct {
	Mode         string   `yaml:"mode"` // "warn" or "block"
	AllowedHosts []string `yaml:"allowed_hosts"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
}

// Config is the root configuration document.
type Config struct {
	Discovery DiscoveryConfig      `yaml:"discovery"`
	Scope     ScopeConfig          `yaml:"scope"`
	Benchmark benchmark.Thresholds `yaml:"benchmark"`
	Logging   LoggingConfig        `yaml:"logging"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			Enabled:                   true,
			MaxHypothesesPerIteration: 5,
			MaxConcurrentExperiments:  3,
			StaleExperimentMinutes:    30,
			EventLogCapacity:          1000,
		},
		Scope: ScopeConfig{
			Mode: "warn",
		},
		Benchmark: benchmark.DefaultThresholds(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file, layering it over the defaults. A missing
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration values.
func (c *Config) Validate() error {
	if c.Discovery.MaxHypothesesPerIteration < 0 {
		return fmt.Errorf("max_hypotheses_per_iteration must be >= 0, got %d",
			c.Discovery.MaxHypothesesPerIteration)
	}
	if c.Discovery.MaxConcurrentExperiments < 0 {
		return fmt.Errorf("max_concurrent_experiments must be >= 0, got %d",
			c.Discovery.MaxConcurrentExperiments)
	}
	if c.Scope.Mode != "" && c.Scope.Mode != "warn" && c.Scope.Mode != "block" {
		return fmt.Errorf("scope mode must be \"warn\" or \"block\", got %q", c.Scope.Mode)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}
