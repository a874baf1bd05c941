// Package sim provides a simulated follower arm. It tracks commanded targets
// with a bounded step per action and is used for demos and tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/hw"
)

// FamilyName is the catalog name of the simulated follower.
const FamilyName = "sim_follower"

// Config configures a simulated arm.
type Config struct {
	Joints      []string     `yaml:"joints"`
	Range       device.Range `yaml:"range"`
	MaxStep     float64      `yaml:"max_step"`
	Calibrated  bool         `yaml:"calibrated"`
	FailConnect bool         `yaml:"fail_connect"`
}

// DefaultConfig returns a six-joint arm normalized to [-100, 100].
func DefaultConfig() *Config {
	return &Config{
		Joints:     []string{"shoulder_pan", "shoulder_lift", "elbow_flex", "wrist_flex", "wrist_roll", "gripper"},
		Range:      device.Range{Min: -100, Max: 100},
		Calibrated: true,
	}
}

// Validate implements hw.Validator.
func (c *Config) Validate() error {
	if len(c.Joints) == 0 {
		return errors.New("joints must not be empty")
	}
	if c.Range.Min > c.Range.Max {
		return fmt.Errorf("range min %v exceeds max %v", c.Range.Min, c.Range.Max)
	}
	if c.MaxStep < 0 {
		return fmt.Errorf("max_step must not be negative")
	}
	return nil
}

// ErrUnreachable is returned by Connect when FailConnect is set.
var ErrUnreachable = errors.New("simulated device unreachable")

// Arm is a simulated arm.
type Arm struct {
	cfg Config

	mu        sync.Mutex
	connected bool
	pos       map[string]float64
}

// New returns an unconnected simulated arm.
func New(cfg Config) *Arm {
	return &Arm{cfg: cfg}
}

func init() {
	hw.Families.Register(hw.Family{
		Name:      FamilyName,
		NewConfig: func() any { return DefaultConfig() },
		Open: func(cfg any) (hw.Driver, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, fmt.Errorf("sim: unexpected config %T", cfg)
			}
			return New(*c), nil
		},
	})
}

func (a *Arm) Connect(ctx context.Context) error {
	if a.cfg.FailConnect {
		return ErrUnreachable
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pos = make(map[string]float64, len(a.cfg.Joints))
	for _, j := range a.cfg.Joints {
		a.pos[channel(j)] = a.cfg.Range.Clamp(0)
	}
	a.connected = true
	return nil
}

func (a *Arm) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

func (a *Arm) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Arm) IsCalibrated() bool { return a.cfg.Calibrated }

func (a *Arm) Observation(ctx context.Context) (map[string]float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, device.ErrNotConnected
	}
	out := make(map[string]float64, len(a.pos))
	for k, v := range a.pos {
		out[k] = v
	}
	return out, nil
}

// SendAction clamps each target to the hardware range and moves the joint
// toward it by at most MaxStep. It returns the clamped targets.
func (a *Arm) SendAction(ctx context.Context, action map[string]float64) (map[string]float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, device.ErrNotConnected
	}
	applied := make(map[string]float64, len(action))
	for k, target := range action {
		cur, ok := a.pos[k]
		if !ok {
			continue
		}
		target = a.cfg.Range.Clamp(target)
		applied[k] = target
		if a.cfg.MaxStep > 0 && math.Abs(target-cur) > a.cfg.MaxStep {
			target = cur + math.Copysign(a.cfg.MaxStep, target-cur)
		}
		a.pos[k] = target
	}
	return applied, nil
}

func (a *Arm) ActionFeatures() []string { return a.channels() }

func (a *Arm) ObservationFeatures() []string { return a.channels() }

func (a *Arm) channels() []string {
	out := make([]string, len(a.cfg.Joints))
	for i, j := range a.cfg.Joints {
		out[i] = channel(j)
	}
	return out
}

func channel(joint string) string { return joint + ".pos" }
