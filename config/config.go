// Package config loads grader settings from a covgrade.yaml file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/perfgo/covgrade/score"
)

// FileName is the name of the grader file looked up in the module root.
const FileName = "covgrade.yaml"

// Scorer kinds.
const (
	ScorerLinear    = "linear"
	ScorerLine      = "line"
	ScorerThreshold = "threshold"
)

// Config holds the settings of one coverage grader.
type Config struct {
	// Name is reported in the result
	Name string `yaml:"name"`
	// Target is the class under test, relative to the module root
	Target string `yaml:"target"`
	// Tests is the test artifact, relative to the module root
	Tests string `yaml:"tests"`
	// Serialize waits for a busy recorder instead of failing
	Serialize bool `yaml:"serialize"`

	Scorer ScorerConfig `yaml:"scorer"`
}

// ScorerConfig selects and parameterizes the scorer.
type ScorerConfig struct {
	Kind         string  `yaml:"kind"`          // linear, line or threshold
	MaxPoints    float64 `yaml:"max_points"`    // points for full coverage
	BranchWeight float64 `yaml:"branch_weight"` // linear only, in [0,1]
	MinBranch    float64 `yaml:"min_branch"`    // threshold only
	MinLine      float64 `yaml:"min_line"`      // threshold only
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		Name:      score.DefaultName,
		Serialize: true,
		Scorer: ScorerConfig{
			Kind:         ScorerLinear,
			MaxPoints:    10,
			BranchWeight: 0.5,
			MinBranch:    0.8,
			MinLine:      0.8,
		},
	}
}

// Load reads path on top of the defaults. A missing file named by Find is
// not an error; pass "" to get the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is given by the user
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Find returns the grader file in dir, or "" if there is none.
func Find(dir string) string {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// Validate checks the scorer settings.
func (c *Config) Validate() error {
	s := c.Scorer
	switch s.Kind {
	case ScorerLinear, ScorerLine, ScorerThreshold:
	default:
		return fmt.Errorf("unknown scorer %q", s.Kind)
	}
	if s.MaxPoints < 0 {
		return fmt.Errorf("max_points must not be negative, got %g", s.MaxPoints)
	}
	if s.BranchWeight < 0 || s.BranchWeight > 1 {
		return fmt.Errorf("branch_weight must be in [0,1], got %g", s.BranchWeight)
	}
	if s.MinBranch < 0 || s.MinBranch > 1 || s.MinLine < 0 || s.MinLine > 1 {
		return fmt.Errorf("min_branch and min_line must be in [0,1]")
	}
	return nil
}

// NewScorer builds the configured scorer.
func (c *Config) NewScorer() (score.Scorer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	s := c.Scorer
	switch s.Kind {
	case ScorerLine:
		sc := score.NewLinearLineScorer(s.MaxPoints)
		sc.Name = c.Name
		return sc, nil
	case ScorerThreshold:
		return score.ThresholdScorer{Name: c.Name, MinBranch: s.MinBranch, MinLine: s.MinLine, MaxPoints: s.MaxPoints}, nil
	}
	return score.NewLinearScorer(c.Name, s.BranchWeight, s.MaxPoints), nil
}
