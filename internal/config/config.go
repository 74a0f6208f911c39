// Package config loads and validates the TOML run configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"requery/internal/assemble"
	"requery/internal/fetch"
	"requery/internal/orchestrator"
	"requery/internal/query"
	"requery/internal/sampler"
	"requery/internal/store"
)

// Config represents the application configuration.
type Config struct {
	API          fetch.APIConfig     `toml:"api"`
	Database     fetch.DirectConfig  `toml:"database"`
	Store        store.Config        `toml:"store"`
	Sampler      sampler.Config      `toml:"sampler"`
	Orchestrator orchestrator.Config `toml:"orchestrator"`
	Run          RunConfig           `toml:"run"`
	Logging      LoggingConfig       `toml:"logging"`
	Specs        []SpecConfig        `toml:"spec"`
}

// RunConfig holds engine knobs that belong to no single component.
type RunConfig struct {
	// CandidateSource picks which source the sampler repeats against:
	// "api" (the default) or "database" for an oracle-only flakiness
	// probe.
	CandidateSource string `toml:"candidate_source"`

	// PageCap bounds pages consumed per fetch run.
	PageCap int `toml:"page_cap"`

	// OrderThreshold is the minimum stability score a claimed order
	// must reach, in [0,1].
	OrderThreshold float64 `toml:"order_threshold"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// SpecConfig is one [[spec]] block: a logical query to audit.
type SpecConfig struct {
	Predicate  string   `toml:"predicate"`
	Collection string   `toml:"collection"`
	OrderBy    []string `toml:"order_by"`
	PageSize   int      `toml:"page_size"`
	Strategy   string   `toml:"strategy"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		API:          fetch.DefaultAPIConfig(),
		Database:     fetch.DefaultDirectConfig(),
		Store:        store.DefaultConfig(),
		Sampler:      sampler.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Run: RunConfig{
			CandidateSource: fetch.SourceAPI,
			PageCap:         assemble.DefaultPageCap,
			OrderThreshold:  1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile loads configuration from a TOML file.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// OracleEnabled reports whether a backing-store oracle is configured.
// An empty DSN means API-only auditing.
func (c *Config) OracleEnabled() bool {
	return c.Database.DSN != ""
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	// A database-only audit never builds the API fetcher.
	if c.Run.CandidateSource != fetch.SourceDirect && c.API.BaseURL == "" {
		return fmt.Errorf("api base_url must be specified")
	}

	if c.OracleEnabled() {
		if err := c.Database.Validate(); err != nil {
			return err
		}
	}

	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Sampler.Validate(); err != nil {
		return err
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}

	switch c.Run.CandidateSource {
	case fetch.SourceAPI, fetch.SourceDirect:
	default:
		return fmt.Errorf("run candidate_source must be %q or %q, got %q",
			fetch.SourceAPI, fetch.SourceDirect, c.Run.CandidateSource)
	}
	if c.Run.CandidateSource == fetch.SourceDirect && !c.OracleEnabled() {
		return fmt.Errorf("run candidate_source %q requires a database DSN", fetch.SourceDirect)
	}
	if len(c.Sampler.InitialOffsets) > 0 && c.Run.CandidateSource != fetch.SourceDirect {
		return fmt.Errorf("initial_offsets only apply when candidate_source is %q; the api endpoint pages by index", fetch.SourceDirect)
	}

	if c.Run.PageCap <= 0 {
		return fmt.Errorf("run page_cap must be positive")
	}
	if c.Run.OrderThreshold < 0 || c.Run.OrderThreshold > 1 {
		return fmt.Errorf("run order_threshold must be in [0,1], got %v", c.Run.OrderThreshold)
	}

	if len(c.Specs) == 0 {
		return fmt.Errorf("at least one [[spec]] block must be configured")
	}
	if _, err := c.BuildSpecs(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// BuildSpecs converts the [[spec]] blocks into validated query specs.
func (c *Config) BuildSpecs() ([]*query.QuerySpec, error) {
	specs := make([]*query.QuerySpec, 0, len(c.Specs))
	for i, sc := range c.Specs {
		strategy, err := query.ParseStrategy(sc.Strategy)
		if err != nil {
			return nil, fmt.Errorf("spec %d: %w", i, err)
		}
		spec, err := query.New(sc.Predicate, sc.Collection, sc.OrderBy, sc.PageSize, strategy)
		if err != nil {
			return nil, fmt.Errorf("spec %d: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
