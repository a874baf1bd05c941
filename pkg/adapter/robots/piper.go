package robots

import (
	"context"
	"strings"

	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/hw"
	"github.com/gwillem/lerobot-hal/pkg/hw/piper"
)

// Piper is the specialized AgileX Piper adapter. Its emergency stop writes
// the disable-all frame directly on the CAN bus, and its diagnostics carry
// per-motor driver status.
type Piper struct {
	*core
	opts options
}

var (
	_ device.Robot         = (*Piper)(nil)
	_ device.LimitProvider = (*Piper)(nil)
)

func NewPiper(opts ...Option) *Piper {
	p := &Piper{opts: newOptions(opts)}
	p.core = newCore(piper.FamilyName, p.resolve)
	p.fastStop = func(ctx context.Context, drv hw.Driver) error {
		return drv.(*piper.Arm).EmergencyStop(ctx)
	}
	p.diag = piperDiagnostics
	return p
}

func (p *Piper) resolve(ctx context.Context, params device.Params) (string, hw.Driver, error) {
	params.Pop(RobotTypeParam)
	f, ok := p.opts.catalog.Lookup(piper.FamilyName)
	if !ok {
		return "", nil, device.ConfigError(piper.FamilyName, "family not registered")
	}
	cfg, err := buildConfig(p.log, f, params, p.opts.strict)
	if err != nil {
		return "", nil, err
	}
	arm := piper.New(*cfg.(*piper.Config), piper.RoleFollower, piper.WithOpener(p.opts.can))
	return piper.FamilyName, arm, nil
}

func (p *Piper) JointLimits() map[string]device.Range {
	return piper.JointLimits()
}

func piperDiagnostics(drv hw.Driver, d device.Diagnostics) {
	arm := drv.(*piper.Arm)
	d["driver_enabled"] = arm.DriverEnabled()
	if !arm.LastUpdate().IsZero() {
		d["last_feedback"] = arm.LastUpdate()
	}
	if faults := arm.Faults(); len(faults) > 0 {
		d[device.DiagFault] = strings.Join(faults, "; ")
	}
}
