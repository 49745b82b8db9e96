package mesh

import (
	"fmt"
	"time"

	"github.com/kwv/kabschmesh/kabsch"
	"gopkg.in/yaml.v3"
)

// PointList is an ordered point set. In YAML and JSON each point may be
// written as an [x, y, z] triple or as an {x, y, z} object.
type PointList []kabsch.Point

// UnmarshalYAML accepts both triple and object point forms
func (pl *PointList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: points must be a sequence", value.Line)
	}
	out := make(PointList, 0, len(value.Content))
	for i, item := range value.Content {
		var p kabsch.Point
		switch item.Kind {
		case yaml.SequenceNode:
			var xyz []float64
			if err := item.Decode(&xyz); err != nil {
				return fmt.Errorf("point %d: %w", i, err)
			}
			if len(xyz) != 3 {
				return fmt.Errorf("point %d: want 3 coordinates, got %d", i, len(xyz))
			}
			p = kabsch.Point{X: xyz[0], Y: xyz[1], Z: xyz[2]}
		case yaml.MappingNode:
			for k := 0; k+1 < len(item.Content); k += 2 {
				switch key := item.Content[k].Value; key {
				case "x", "y", "z":
				default:
					return fmt.Errorf("point %d (line %d): unknown field %q", i, item.Content[k].Line, key)
				}
			}
			var obj pointObject
			if err := item.Decode(&obj); err != nil {
				return fmt.Errorf("point %d: %w", i, err)
			}
			var err error
			if p, err = obj.point(); err != nil {
				return fmt.Errorf("point %d (line %d): %w", i, item.Line, err)
			}
		default:
			return fmt.Errorf("point %d (line %d): want [x, y, z] or {x, y, z}", i, item.Line)
		}
		if !p.IsFinite() {
			return fmt.Errorf("point %d (line %d): coordinates must be finite", i, item.Line)
		}
		out = append(out, p)
	}
	*pl = out
	return nil
}

// MarshalYAML writes points as compact triples
func (pl PointList) MarshalYAML() (interface{}, error) {
	out := make([][3]float64, len(pl))
	for i, p := range pl {
		out[i] = [3]float64{p.X, p.Y, p.Z}
	}
	return out, nil
}

// UnmarshalJSON accepts every form DecodePoints does except compression
func (pl *PointList) UnmarshalJSON(data []byte) error {
	points, err := parsePointsJSON(data)
	if err != nil {
		return err
	}
	*pl = points
	return nil
}

// Points returns the list as a plain slice
func (pl PointList) Points() []kabsch.Point {
	return kabsch.ClonePoints(pl)
}

// RigConfig defines one alignment problem from the config file
type RigConfig struct {
	ID         string    `yaml:"id" json:"id"`
	Topic      string    `yaml:"topic,omitempty" json:"topic,omitempty"` // MQTT topic carrying target point sets
	Color      string    `yaml:"color,omitempty" json:"color,omitempty"`
	Reference  PointList `yaml:"reference" json:"reference"`
	Targets    PointList `yaml:"targets,omitempty" json:"targets,omitempty"` // initial targets, solved at startup
	Iterations *int      `yaml:"iterations,omitempty" json:"iterations,omitempty"`
	Method     *string   `yaml:"method,omitempty" json:"method,omitempty"`
	ApiURL     *string   `yaml:"apiUrl,omitempty" json:"apiUrl,omitempty"` // optional HTTP source polled for targets
}

// Config represents the full configuration file
type Config struct {
	MQTT             MQTTConfig  `yaml:"mqtt" json:"mqtt"`
	Iterations       int         `yaml:"iterations,omitempty" json:"iterations,omitempty"`
	Method           string      `yaml:"method,omitempty" json:"method,omitempty"`
	Projection       string      `yaml:"projection,omitempty" json:"projection,omitempty"`             // xz (default), xy or zy
	GridSpacing      float64     `yaml:"gridSpacing,omitempty" json:"gridSpacing,omitempty"`           // world units between grid lines (default 0.5)
	VectorResolution float64     `yaml:"vectorResolution,omitempty" json:"vectorResolution,omitempty"` // PNG DPI (default 150)
	PollInterval     string      `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"`         // Go duration, default 30s
	Rigs             []RigConfig `yaml:"rigs" json:"rigs"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// DefaultPollInterval is used when pollInterval is unset
const DefaultPollInterval = 30 * time.Second

// GetRig returns the rig config for the given ID
func (c *Config) GetRig(id string) *RigConfig {
	for i := range c.Rigs {
		if c.Rigs[i].ID == id {
			return &c.Rigs[i]
		}
	}
	return nil
}

// RigIDs returns the configured rig IDs in file order
func (c *Config) RigIDs() []string {
	ids := make([]string, len(c.Rigs))
	for i, r := range c.Rigs {
		ids[i] = r.ID
	}
	return ids
}

// GetPollInterval parses pollInterval, falling back to DefaultPollInterval
func (c *Config) GetPollInterval() time.Duration {
	if c.PollInterval == "" {
		return DefaultPollInterval
	}
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return DefaultPollInterval
	}
	return d
}

// EffectiveIterations returns the rig override or the global setting
func (rc *RigConfig) EffectiveIterations(global int) int {
	if rc.Iterations != nil && *rc.Iterations > 0 {
		return *rc.Iterations
	}
	if global > 0 {
		return global
	}
	return kabsch.DefaultIterations
}

// EffectiveMethod returns the rig override or the global setting
func (rc *RigConfig) EffectiveMethod(global string) kabsch.Method {
	name := global
	if rc.Method != nil && *rc.Method != "" {
		name = *rc.Method
	}
	m, err := kabsch.ParseMethod(name)
	if err != nil {
		return kabsch.MethodTorque
	}
	return m
}

// HasAPI reports whether the rig polls a remote target source
func (rc *RigConfig) HasAPI() bool {
	return rc.ApiURL != nil && *rc.ApiURL != ""
}
