package mesh

import (
	"fmt"
	"os"

	"github.com/kwv/kabschmesh/kabsch"
	"gopkg.in/yaml.v3"
)

// DefaultRigID names the built-in demo rig
const DefaultRigID = "kabsch-cube"

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the rig definitions and global settings
func (c *Config) Validate() error {
	if len(c.Rigs) == 0 {
		return fmt.Errorf("at least one rig must be defined")
	}
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative")
	}
	if _, err := kabsch.ParseMethod(c.Method); err != nil {
		return err
	}
	switch c.Projection {
	case "", ProjectionXZ, ProjectionXY, ProjectionZY:
	default:
		return fmt.Errorf("unknown projection %q", c.Projection)
	}

	seen := make(map[string]bool, len(c.Rigs))
	for i, rc := range c.Rigs {
		if rc.ID == "" {
			return fmt.Errorf("rig[%d].id is required", i)
		}
		if seen[rc.ID] {
			return fmt.Errorf("rig[%d].id %q is duplicated", i, rc.ID)
		}
		seen[rc.ID] = true

		if len(rc.Reference) == 0 {
			return fmt.Errorf("rig[%d].reference is required for %s", i, rc.ID)
		}
		if len(rc.Targets) > 0 && len(rc.Targets) != len(rc.Reference) {
			return fmt.Errorf("rig[%d].targets has %d points, reference has %d", i, len(rc.Targets), len(rc.Reference))
		}
		if rc.Iterations != nil && *rc.Iterations < 0 {
			return fmt.Errorf("rig[%d].iterations must not be negative", i)
		}
		if rc.Method != nil {
			if _, err := kabsch.ParseMethod(*rc.Method); err != nil {
				return fmt.Errorf("rig[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// DefaultConfig returns a single demo rig: a unit square in the XZ plane
// whose initial targets are the same square scaled by two.
func DefaultConfig() *Config {
	square := PointList{
		{X: -1, Y: 0, Z: -1},
		{X: -1, Y: 0, Z: 1},
		{X: 1, Y: 0, Z: 1},
		{X: 1, Y: 0, Z: -1},
	}
	targets := make(PointList, len(square))
	for i, p := range square {
		targets[i] = p.Scale(2)
	}
	return &Config{
		Iterations: kabsch.DefaultIterations,
		Projection: ProjectionXZ,
		Rigs: []RigConfig{{
			ID:        DefaultRigID,
			Color:     "#4169E1",
			Reference: square,
			Targets:   targets,
		}},
	}
}

// LoadConfigOrDefault loads path, or returns DefaultConfig when path is
// empty or missing.
func LoadConfigOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}
