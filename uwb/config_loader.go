package uwb

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads and validates the configuration from a YAML file.
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

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks required fields and reports the first concrete problem.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if len(c.Antennas) == 0 {
		return fmt.Errorf("at least one antenna must be defined")
	}
	seen := make(map[string]bool, len(c.Antennas))
	for i, a := range c.Antennas {
		if a.ID == "" {
			return fmt.Errorf("antennas[%d].id is required", i)
		}
		if a.Topic == "" {
			return fmt.Errorf("antennas[%d].topic is required for %s", i, a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("antennas[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
	}
	if c.FloorMap.ID == "" {
		return fmt.Errorf("floorMap.id is required")
	}
	if c.FloorMap.WidthMeters <= 0 || c.FloorMap.DepthMeters <= 0 {
		return fmt.Errorf("floorMap dimensions must be positive, got %gx%g",
			c.FloorMap.WidthMeters, c.FloorMap.DepthMeters)
	}
	return nil
}
