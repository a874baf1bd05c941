package robots

import (
	"context"

	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/hw"
)

// Generic drives any family in the hardware catalog. Connect parameters are
// matched against the family's configuration fields; the emergency stop is
// a disconnect.
type Generic struct {
	*core
	opts options
}

var _ device.Robot = (*Generic)(nil)

// NewGeneric returns a generic adapter for the family called typeID. The
// family is only resolved on Connect, so any identifier is accepted here.
func NewGeneric(typeID string, opts ...Option) *Generic {
	g := &Generic{opts: newOptions(opts)}
	g.core = newCore(typeID, g.resolve)
	return g
}

func (g *Generic) resolve(ctx context.Context, params device.Params) (string, hw.Driver, error) {
	family := params.Pop(RobotTypeParam)
	if family == "" {
		family = g.name
	}
	f, ok := g.opts.catalog.Lookup(family)
	if !ok {
		return "", nil, device.ConfigError(family, "unknown hardware family %q", family)
	}
	cfg, err := buildConfig(g.log, f, params, g.opts.strict)
	if err != nil {
		return "", nil, err
	}
	drv, err := f.Open(cfg)
	if err != nil {
		return "", nil, device.ConfigError(family, "%v", err)
	}
	return family, drv, nil
}

// JointLimits returns the driver's static limits when it has any.
func (g *Generic) JointLimits() map[string]device.Range {
	if lp, ok := g.driver().(interface {
		JointLimits() map[string]device.Range
	}); ok {
		return lp.JointLimits()
	}
	return nil
}
