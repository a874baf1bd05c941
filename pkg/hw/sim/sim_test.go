package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/gwillem/lerobot-hal/pkg/device"
)

func TestArm_SendActionClampsAndSteps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Joints = []string{"j"}
	cfg.MaxStep = 10
	a := New(*cfg)
	ctx := context.Background()

	if _, err := a.SendAction(ctx, map[string]float64{"j.pos": 1}); !errors.Is(err, device.ErrNotConnected) {
		t.Errorf("SendAction before Connect error = %v, want ErrNotConnected", err)
	}
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	applied, err := a.SendAction(ctx, map[string]float64{"j.pos": 500, "unknown": 1})
	if err != nil {
		t.Fatalf("SendAction() error = %v", err)
	}
	if applied["j.pos"] != 100 {
		t.Errorf("applied j.pos = %f, want 100 (hardware clamp)", applied["j.pos"])
	}
	if _, ok := applied["unknown"]; ok {
		t.Error("unknown channel should not be applied")
	}

	obs, _ := a.Observation(ctx)
	if obs["j.pos"] != 10 {
		t.Errorf("position after one step = %f, want 10", obs["j.pos"])
	}
}

func TestArm_FailConnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailConnect = true
	if err := New(*cfg).Connect(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Connect() error = %v, want ErrUnreachable", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"no joints", func(c *Config) { c.Joints = nil }, true},
		{"inverted range", func(c *Config) { c.Range = device.Range{Min: 1, Max: -1} }, true},
		{"negative step", func(c *Config) { c.MaxStep = -1 }, true},
	}
	for _, tt := range tests {
		c := DefaultConfig()
		tt.mutate(c)
		if err := c.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}
