// Package scoring holds the declarative scoring model and the single
// implementation of the scoring formula. Both the batch rescorer and any
// read-side per-source breakdown go through this package, so the two can
// never disagree.
package scoring

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the declarative scoring model loaded from scoring_config.yaml.
type Config struct {
	// SignalWeights maps signal types to base weights. Weights may be
	// negative; unknown signal types default to 1.
	SignalWeights map[string]float64 `yaml:"signal_weights"`

	Recency struct {
		MaxAgeDays int     `yaml:"max_age_days"`
		DecayBoost float64 `yaml:"decay_boost"`
	} `yaml:"recency"`

	// StatusMultipliers maps source -> status string -> multiplier,
	// matched case-insensitively against detail.status.
	StatusMultipliers map[string]map[string]float64 `yaml:"status_multipliers"`

	Bonuses struct {
		MultiSourceThreshold int     `yaml:"multi_source_threshold"`
		MultiSourcePoints    float64 `yaml:"multi_source_points"`
	} `yaml:"bonuses"`

	Tiers struct {
		A float64 `yaml:"a"`
		B float64 `yaml:"b"`
	} `yaml:"tiers"`
}

// DefaultConfig returns the built-in defaults used for any key the config
// file does not set.
func DefaultConfig() *Config {
	cfg := &Config{
		SignalWeights:     map[string]float64{},
		StatusMultipliers: map[string]map[string]float64{},
	}
	cfg.Recency.MaxAgeDays = 1825
	cfg.Recency.DecayBoost = 0.5
	cfg.Bonuses.MultiSourceThreshold = 2
	cfg.Bonuses.MultiSourcePoints = 5
	cfg.Tiers.A = 15
	cfg.Tiers.B = 8
	return cfg
}

// LoadConfig reads the YAML scoring model from path, layered over defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scoring config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse scoring config: %w", err)
	}
	return cfg, nil
}

// weight returns the base weight for a signal type, defaulting to 1.
func (c *Config) weight(signalType string) float64 {
	if w, ok := c.SignalWeights[signalType]; ok {
		return w
	}
	return 1
}
