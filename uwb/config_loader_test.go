package uwb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "test"},
		FloorMap: FloorMapConfig{
			ID: "floor-1", WidthMeters: 20, DepthMeters: 15,
		},
		Antennas: []AntennaConfig{
			{ID: "antenna1", Topic: "uwb/antenna1/ranging"},
			{ID: "antenna2", Topic: "uwb/antenna2/ranging"},
		},
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SaveConfig(path, validConfig()); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if config.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("Broker = %q", config.MQTT.Broker)
	}
	if len(config.Antennas) != 2 || config.Antennas[1].ID != "antenna2" {
		t.Errorf("Antennas = %+v", config.Antennas)
	}
	if config.FloorMap.WidthMeters != 20 {
		t.Errorf("WidthMeters = %g, want 20", config.FloorMap.WidthMeters)
	}
}

func TestLoadConfigYAMLSyntax(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
mqtt:
  broker: tcp://broker.example:1883
floorMap:
  id: lab
  widthMeters: 12.5
  depthMeters: 8
antennas:
  - id: a1
    topic: uwb/a1
processor:
  firstTrim: 3
  endTrim: 3
  movingAverageWindow: 4
  filterNlos: true
autoCal:
  minObservationsPerTag: 10
  collectionSeconds: 5
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if config.Processor.MovingAverageWindow != 4 {
		t.Errorf("Processor.MovingAverageWindow = %d, want 4", config.Processor.MovingAverageWindow)
	}
	if config.AutoCal.MinObservationsPerTag != 10 {
		t.Errorf("AutoCal.MinObservationsPerTag = %d, want 10", config.AutoCal.MinObservationsPerTag)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("LoadConfig() error = %v, want not-found message", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing broker", func(c *Config) { c.MQTT.Broker = "" }, "mqtt.broker"},
		{"no antennas", func(c *Config) { c.Antennas = nil }, "at least one antenna"},
		{"empty antenna id", func(c *Config) { c.Antennas[0].ID = "" }, "antennas[0].id"},
		{"empty topic", func(c *Config) { c.Antennas[1].Topic = "" }, "antennas[1].topic"},
		{"duplicate antenna id", func(c *Config) { c.Antennas[1].ID = c.Antennas[0].ID }, "duplicated"},
		{"missing floor map id", func(c *Config) { c.FloorMap.ID = "" }, "floorMap.id"},
		{"non-positive dimensions", func(c *Config) { c.FloorMap.DepthMeters = 0 }, "dimensions must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigAccessors(t *testing.T) {
	config := validConfig()

	if got := config.GetAntennaByID("antenna2"); got == nil || got.Topic != "uwb/antenna2/ranging" {
		t.Errorf("GetAntennaByID(antenna2) = %+v", got)
	}
	if got := config.GetAntennaByID("nope"); got != nil {
		t.Errorf("GetAntennaByID(nope) = %+v, want nil", got)
	}

	ids := config.AntennaIDs()
	if len(ids) != 2 || ids[0] != "antenna1" || ids[1] != "antenna2" {
		t.Errorf("AntennaIDs() = %v", ids)
	}
}
