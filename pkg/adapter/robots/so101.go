package robots

import (
	"context"

	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/hw"
	"github.com/gwillem/lerobot-hal/pkg/robot"
)

// SO101 is the specialized SO-101 follower adapter. It keeps the servo bus
// handle so that an emergency stop is a single torque-disable sync write.
type SO101 struct {
	*core
	opts options
}

var (
	_ device.Robot         = (*SO101)(nil)
	_ device.LimitProvider = (*SO101)(nil)
)

func NewSO101(opts ...Option) *SO101 {
	s := &SO101{opts: newOptions(opts)}
	s.core = newCore(robot.FollowerFamily, s.resolve)
	s.fastStop = func(ctx context.Context, drv hw.Driver) error {
		return drv.(*robot.ArmDriver).EmergencyStop(ctx)
	}
	s.diag = func(drv hw.Driver, d device.Diagnostics) {
		arm := drv.(*robot.ArmDriver)
		cfg := arm.Config()
		d["port"] = cfg.Port
		d["torque_enabled"] = arm.TorqueEnabled()
		if cfg.ID != "" {
			d["id"] = cfg.ID
		}
	}
	return s
}

func (s *SO101) resolve(ctx context.Context, params device.Params) (string, hw.Driver, error) {
	params.Pop(RobotTypeParam)
	f, ok := s.opts.catalog.Lookup(robot.FollowerFamily)
	if !ok {
		return "", nil, device.ConfigError(robot.FollowerFamily, "family not registered")
	}
	cfg, err := buildConfig(s.log, f, params, s.opts.strict)
	if err != nil {
		return "", nil, err
	}
	ac := *cfg.(*robot.ArmConfig)
	// Load the calibration up front so a bad file is a configuration error
	// rather than a connection error.
	cal, err := ac.ResolveCalibration()
	if err != nil {
		return "", nil, device.ConfigError(robot.FollowerFamily, "%v", err)
	}
	if ac.IsCalibrated() {
		ac.Calibration = cal
	}
	drv := robot.NewFollower(ac, "").WithDialer(s.opts.dial)
	return robot.FollowerFamily, drv, nil
}

// JointLimits returns the normalized range of every motor.
func (s *SO101) JointLimits() map[string]device.Range {
	out := make(map[string]device.Range, 6)
	for _, ch := range robot.Channels("") {
		out[ch] = robot.NormRange
	}
	return out
}
