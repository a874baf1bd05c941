// Package robots implements device.Robot for every supported robot: a
// generic adapter over the hardware catalog, and specialized adapters for
// arms whose emergency stop must be a direct bus write.
package robots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gwillem/lerobot-hal/internal/logging"
	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/hw"
	"github.com/gwillem/lerobot-hal/pkg/hw/piper"
	"github.com/gwillem/lerobot-hal/pkg/robot"
)

// RobotTypeParam overrides the hardware family selected by the adapter type.
const RobotTypeParam = "_robot_type"

// Option configures a robot adapter.
type Option func(*options)

type options struct {
	strict  bool
	catalog *hw.Catalog
	dial    robot.Dialer
	can     piper.Opener
}

// WithStrictParams turns unknown connect parameters into a configuration
// error instead of a warning.
func WithStrictParams(strict bool) Option { return func(o *options) { o.strict = strict } }

// WithCatalog sets the hardware catalog. Defaults to hw.Families.
func WithCatalog(c *hw.Catalog) Option { return func(o *options) { o.catalog = c } }

// WithDialer sets the SO-101 servo dialer.
func WithDialer(d robot.Dialer) Option { return func(o *options) { o.dial = d } }

// WithCANOpener sets the Piper CAN opener.
func WithCANOpener(op piper.Opener) Option { return func(o *options) { o.can = op } }

func newOptions(opts []Option) options {
	o := options{catalog: hw.Families, dial: robot.DialArm, can: piper.OpenSocketCAN}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// openFunc resolves params to a family name and an unconnected driver.
type openFunc func(ctx context.Context, params device.Params) (family string, drv hw.Driver, err error)

// core implements device.Robot over an hw.Driver. The mutex guards the
// driver reference only; drivers synchronize their own I/O.
type core struct {
	name string
	log  *slog.Logger
	open openFunc

	// fastStop, when set, is the bus-level emergency stop.
	fastStop func(ctx context.Context, drv hw.Driver) error
	// diag adds adapter-specific diagnostics for a connected driver.
	diag func(drv hw.Driver, d device.Diagnostics)

	// connMu serializes Connect; mu only guards the published driver.
	connMu sync.Mutex

	mu     sync.Mutex
	family string
	drv    hw.Driver
}

func newCore(name string, open openFunc) *core {
	return &core{name: name, log: logging.For("robot").With("type", name), open: open}
}

func (c *core) driver() hw.Driver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drv
}

func (c *core) Connect(ctx context.Context, params device.Params) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.IsConnected() {
		return nil
	}
	family, drv, err := c.open(ctx, params.Clone())
	if err != nil {
		return err
	}
	if err := drv.Connect(ctx); err != nil {
		if errors.Is(err, device.ErrConfiguration) {
			return err
		}
		return device.ConnectionError(family, err)
	}
	c.mu.Lock()
	c.family, c.drv = family, drv
	c.mu.Unlock()
	c.log.Info("connected", "family", family)
	return nil
}

func (c *core) Disconnect(ctx context.Context) {
	c.mu.Lock()
	drv := c.drv
	c.drv = nil
	c.mu.Unlock()
	if drv == nil {
		return
	}
	if err := drv.Disconnect(ctx); err != nil {
		c.log.Warn("disconnect", "err", err)
	}
	c.log.Info("disconnected")
}

func (c *core) IsConnected() bool {
	drv := c.driver()
	return drv != nil && drv.IsConnected()
}

func (c *core) GetState(ctx context.Context) (device.State, error) {
	drv := c.driver()
	if drv == nil {
		return device.State{}, nil
	}
	obs, err := drv.Observation(ctx)
	if err != nil {
		return nil, err
	}
	return device.State(obs), nil
}

func (c *core) SendAction(ctx context.Context, action device.Action) (device.Action, error) {
	drv := c.driver()
	if drv == nil {
		return action, nil
	}
	applied, err := drv.SendAction(ctx, action)
	if err != nil {
		return nil, err
	}
	return device.Action(applied), nil
}

// Stop re-sends the measured position of every action channel.
func (c *core) Stop(ctx context.Context) error {
	drv := c.driver()
	if drv == nil {
		return nil
	}
	obs, err := drv.Observation(ctx)
	if err != nil {
		return fmt.Errorf("read state for stop: %w", err)
	}
	hold := make(map[string]float64)
	for _, ch := range drv.ActionFeatures() {
		if v, ok := obs[ch]; ok {
			hold[ch] = v
		}
	}
	if len(hold) == 0 {
		return nil
	}
	_, err = drv.SendAction(ctx, hold)
	return err
}

// EmergencyStop uses the bus-level stop when the adapter has one, otherwise
// a disconnect. The driver is discarded either way.
func (c *core) EmergencyStop(ctx context.Context) error {
	c.mu.Lock()
	drv := c.drv
	c.drv = nil
	c.mu.Unlock()
	if drv == nil {
		return nil
	}
	var err error
	if c.fastStop != nil {
		err = c.fastStop(ctx, drv)
	} else {
		err = drv.Disconnect(ctx)
	}
	if err != nil {
		c.log.Error("emergency stop", "err", err)
		return err
	}
	c.log.Warn("emergency stop executed")
	return nil
}

func (c *core) Diagnostics() (d device.Diagnostics) {
	defer func() {
		if r := recover(); r != nil {
			d = device.Failed(fmt.Errorf("diagnostics: %v", r))
		}
	}()
	c.mu.Lock()
	drv, family := c.drv, c.family
	c.mu.Unlock()

	if drv == nil || !drv.IsConnected() {
		d = device.Disconnected()
		d[device.DiagRobotType] = c.name
		return d
	}
	d = device.Diagnostics{
		device.DiagStatus:    device.StatusConnected,
		device.DiagRobotType: family,
	}
	if cal, ok := drv.(hw.Calibrated); ok {
		d["is_calibrated"] = cal.IsCalibrated()
	}
	if c.diag != nil {
		c.diag(drv, d)
	}
	return d
}

func (c *core) ActionNames() []string {
	drv := c.driver()
	if drv == nil {
		return nil
	}
	return drv.ActionFeatures()
}

func (c *core) StateNames() []string {
	drv := c.driver()
	if drv == nil {
		return nil
	}
	return drv.ObservationFeatures()
}

// buildConfig decodes params for family, logging dropped keys.
func buildConfig(log *slog.Logger, f hw.Family, params device.Params, strict bool) (any, error) {
	cfg, dropped, err := hw.BuildConfig(f, params, strict)
	if len(dropped) > 0 && err == nil {
		log.Warn("ignoring unknown parameters", "family", f.Name, "params", strings.Join(dropped, ","))
	}
	return cfg, err
}
