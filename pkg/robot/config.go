package robot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gwillem/lerobot-hal/internal/logging"
	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/safety"
)

const DefaultConfigFile = "lerobot.yaml"

// Defaults.
const (
	DefaultHz      = 20
	DefaultWorkers = 8
	DefaultListen  = "127.0.0.1:8088"
)

// Config is the application configuration.
type Config struct {
	Hz           int                     `yaml:"hz" json:"hz"`
	Robot        DeviceConfig            `yaml:"robot" json:"robot"`
	Teleop       DeviceConfig            `yaml:"teleop,omitempty" json:"teleop,omitempty"`
	Cameras      map[string]DeviceConfig `yaml:"cameras,omitempty" json:"cameras,omitempty"`
	Safety       safety.Config           `yaml:"safety" json:"safety"`
	Invert       []string                `yaml:"invert,omitempty" json:"invert,omitempty"`
	StrictParams bool                    `yaml:"strict_params" json:"strict_params"`
	Workers      int                     `yaml:"workers" json:"workers"`
	Listen       string                  `yaml:"listen" json:"listen"`
	Logging      logging.Config          `yaml:"logging" json:"logging"`
}

// DeviceConfig selects an adapter type and its connect parameters.
type DeviceConfig struct {
	Type   string        `yaml:"type" json:"type"`
	Params device.Params `yaml:"params,omitempty" json:"params,omitempty"`
}

// IsSet reports whether a type was configured.
func (d DeviceConfig) IsSet() bool { return d.Type != "" }

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Hz:      DefaultHz,
		Safety:  safety.DefaultConfig(),
		Workers: DefaultWorkers,
		Listen:  DefaultListen,
		Logging: logging.DefaultConfig(),
	}
}

// LoadConfig loads the default config file.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads a YAML config file, or JSON when path ends in ".json".
// Missing keys keep their defaults.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if isJSON(path) {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Hz <= 0 || c.Hz > 1000:
		return fmt.Errorf("hz %d out of range 1..1000", c.Hz)
	case c.Workers <= 0:
		return fmt.Errorf("workers must be positive")
	case c.Safety.MaxVelocity < 0 || c.Safety.Deadzone < 0 || c.Safety.TimeoutMs < 0:
		return fmt.Errorf("safety parameters must not be negative")
	}
	for ch, r := range c.Safety.Limits {
		if r.Min > r.Max {
			return fmt.Errorf("safety limit %s: min %v exceeds max %v", ch, r.Min, r.Max)
		}
	}
	return nil
}

// Save writes the default config file.
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo writes the configuration to path, as JSON when path ends in ".json".
func (c *Config) SaveTo(path string) error {
	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ConfigExists reports whether the default config file exists.
func ConfigExists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
