// Package adapter wires the built-in adapters into a registry.
package adapter

import (
	"github.com/gwillem/lerobot-hal/pkg/adapter/cameras"
	"github.com/gwillem/lerobot-hal/pkg/adapter/robots"
	"github.com/gwillem/lerobot-hal/pkg/adapter/teleops"
	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/hw"
	"github.com/gwillem/lerobot-hal/pkg/hw/piper"
	"github.com/gwillem/lerobot-hal/pkg/registry"
	"github.com/gwillem/lerobot-hal/pkg/robot"

	// Families that only the generic adapter drives.
	_ "github.com/gwillem/lerobot-hal/pkg/hw/gripper"
	_ "github.com/gwillem/lerobot-hal/pkg/hw/sim"
)

// Options tune the registered adapters.
type Options struct {
	StrictParams bool
	Catalog      *hw.Catalog
	Dialer       robot.Dialer
	CANOpener    piper.Opener
}

func (o Options) robotOpts() []robots.Option {
	opts := []robots.Option{robots.WithStrictParams(o.StrictParams)}
	if o.Catalog != nil {
		opts = append(opts, robots.WithCatalog(o.Catalog))
	}
	if o.Dialer != nil {
		opts = append(opts, robots.WithDialer(o.Dialer))
	}
	if o.CANOpener != nil {
		opts = append(opts, robots.WithCANOpener(o.CANOpener))
	}
	return opts
}

// RegisterDefaults registers every built-in adapter in reg. Specialized
// robot adapters take their family names first; every other catalog family
// is served by the generic adapter.
func RegisterDefaults(reg *registry.Registry, o Options) {
	ropts := o.robotOpts()
	reg.RegisterRobot(robot.FollowerFamily, func() device.Robot { return robots.NewSO101(ropts...) })
	reg.RegisterRobot(piper.FamilyName, func() device.Robot { return robots.NewPiper(ropts...) })

	catalog := o.Catalog
	if catalog == nil {
		catalog = hw.Families
	}
	for _, name := range catalog.Names() {
		if _, ok := reg.Robot(name); ok {
			continue
		}
		reg.RegisterRobot(name, func() device.Robot { return robots.NewGeneric(name, ropts...) })
	}

	reg.RegisterCamera(cameras.MJPEGType, func() device.Camera { return cameras.NewMJPEG() })
	reg.RegisterCamera(cameras.SyntheticType, func() device.Camera { return cameras.NewSynthetic() })

	reg.RegisterTeleop(teleops.SO101LeaderType, func() device.Teleoperator {
		return teleops.NewSO101Leader(o.Dialer, o.StrictParams)
	})
	reg.RegisterTeleop(teleops.PiperLeaderType, func() device.Teleoperator {
		return teleops.NewPiperLeader(o.CANOpener, o.StrictParams)
	})
	reg.RegisterTeleop(teleops.SineType, func() device.Teleoperator { return teleops.NewSine(nil) })
}
