package robot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gwillem/lerobot-hal/pkg/device"
)

const sampleYAML = `
hz: 30
robot:
  type: so101_follower
  params:
    port: /dev/ttyACM1
    calibration_file: follower.json
teleop:
  type: so101_leader
  params:
    port: /dev/ttyACM0
cameras:
  wrist:
    type: mjpeg
    params:
      url: http://10.0.0.5:8080/stream
safety:
  max_velocity: 2
  limits:
    gripper: {min: 0, max: 60}
invert: [shoulder_pan.pos]
`

func TestLoadConfigFrom_YAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lerobot.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom() error = %v", err)
	}
	if cfg.Hz != 30 {
		t.Errorf("Hz = %d, want 30", cfg.Hz)
	}
	if cfg.Safety.MaxVelocity != 2 {
		t.Errorf("MaxVelocity = %v, want 2", cfg.Safety.MaxVelocity)
	}
	if cfg.Safety.Deadzone != 0.001 || cfg.Safety.TimeoutMs != 500 {
		t.Errorf("safety defaults lost: %+v", cfg.Safety)
	}
	if cfg.Workers != DefaultWorkers || cfg.Listen != DefaultListen {
		t.Errorf("defaults lost: workers=%d listen=%q", cfg.Workers, cfg.Listen)
	}
	if got := cfg.Safety.Limits["gripper"]; got != (device.Range{Min: 0, Max: 60}) {
		t.Errorf("gripper limit = %+v", got)
	}
	if cfg.Robot.Params.String("port", "") != "/dev/ttyACM1" {
		t.Errorf("robot params = %v", cfg.Robot.Params)
	}
	if cfg.Cameras["wrist"].Type != "mjpeg" {
		t.Errorf("cameras = %+v", cfg.Cameras)
	}
	if diff := cmp.Diff([]string{"shoulder_pan.pos"}, cfg.Invert); diff != "" {
		t.Errorf("invert mismatch:\n%s", diff)
	}
}

func TestConfig_SaveLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lerobot.json")
	cfg := DefaultConfig()
	cfg.Robot = DeviceConfig{Type: "sim_follower", Params: device.Params{"max_step": 5.0}}

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}
	got, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom() error = %v", err)
	}
	if got.Robot.Type != "sim_follower" || got.Robot.Params["max_step"] != 5.0 {
		t.Errorf("robot = %+v", got.Robot)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero hz", func(c *Config) { c.Hz = 0 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"negative deadzone", func(c *Config) { c.Safety.Deadzone = -1 }},
		{"inverted limit", func(c *Config) {
			c.Safety.Limits = map[string]device.Range{"j": {Min: 1, Max: 0}}
		}},
	}
	for _, tt := range tests {
		c := DefaultConfig()
		tt.mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", tt.name)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}
