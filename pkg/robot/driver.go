package robot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/hw"
)

// Family names.
const (
	FollowerFamily   = "so101_follower"
	BimanualFamily   = "bi_so101_follower"
	bimanualLeftPfx  = "left_"
	bimanualRightPfx = "right_"
)

// ArmConfig configures one SO-101 arm. Calibration may be given inline or as
// a path to a JSON file; without either the full raw range is used.
type ArmConfig struct {
	Port            string      `json:"port" yaml:"port"`
	ID              string      `json:"id,omitempty" yaml:"id"`
	CalibrationFile string      `json:"calibration_file,omitempty" yaml:"calibration_file"`
	Calibration     Calibration `json:"calibration,omitempty" yaml:"calibration"`
}

// IsCalibrated reports whether calibration data was supplied.
func (a *ArmConfig) IsCalibrated() bool {
	return len(a.Calibration) > 0 || a.CalibrationFile != ""
}

func (a *ArmConfig) Validate() error {
	if a.Port == "" {
		return errors.New("port is required")
	}
	if len(a.Calibration) > 0 {
		return a.Calibration.Validate()
	}
	return nil
}

// ResolveCalibration returns the inline calibration, the one loaded from
// CalibrationFile, or DefaultCalibration.
func (a *ArmConfig) ResolveCalibration() (Calibration, error) {
	switch {
	case len(a.Calibration) > 0:
		return a.Calibration, nil
	case a.CalibrationFile != "":
		return LoadCalibration(a.CalibrationFile)
	}
	return DefaultCalibration(), nil
}

// BimanualConfig configures two arms driven as one robot.
type BimanualConfig struct {
	ID       string    `yaml:"id"`
	LeftArm  ArmConfig `yaml:"left_arm"`
	RightArm ArmConfig `yaml:"right_arm"`
}

func (c *BimanualConfig) Validate() error {
	if err := c.LeftArm.Validate(); err != nil {
		return fmt.Errorf("left_arm: %w", err)
	}
	if err := c.RightArm.Validate(); err != nil {
		return fmt.Errorf("right_arm: %w", err)
	}
	if c.LeftArm.Port == c.RightArm.Port {
		return errors.New("left_arm and right_arm share a port")
	}
	return nil
}

func init() {
	hw.Families.Register(hw.Family{
		Name:      FollowerFamily,
		NewConfig: func() any { return &ArmConfig{} },
		Open: func(cfg any) (hw.Driver, error) {
			c, ok := cfg.(*ArmConfig)
			if !ok {
				return nil, fmt.Errorf("%s: unexpected config %T", FollowerFamily, cfg)
			}
			return NewFollower(*c, ""), nil
		},
	})
	hw.Families.Register(hw.Family{
		Name:      BimanualFamily,
		NewConfig: func() any { return &BimanualConfig{} },
		Open: func(cfg any) (hw.Driver, error) {
			c, ok := cfg.(*BimanualConfig)
			if !ok {
				return nil, fmt.Errorf("%s: unexpected config %T", BimanualFamily, cfg)
			}
			return NewBimanual(*c), nil
		},
	})
}

// ArmDriver exposes one arm as named position channels.
type ArmDriver struct {
	cfg    ArmConfig
	prefix string
	torque bool
	dial   Dialer

	mu       sync.Mutex
	servos   Servos
	torqueOn bool
}

// NewFollower returns a driver that enables torque on connect and accepts
// actions. Channel names carry prefix.
func NewFollower(cfg ArmConfig, prefix string) *ArmDriver {
	return &ArmDriver{cfg: cfg, prefix: prefix, torque: true, dial: DialArm}
}

// NewLeader returns a driver for a hand-moved arm: torque stays off.
func NewLeader(cfg ArmConfig) *ArmDriver {
	return &ArmDriver{cfg: cfg, dial: DialArm}
}

// WithDialer replaces the servo dialer and returns d.
func (d *ArmDriver) WithDialer(dial Dialer) *ArmDriver {
	d.dial = dial
	return d
}

func (d *ArmDriver) Config() ArmConfig { return d.cfg }

func (d *ArmDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.servos != nil {
		return nil
	}
	cal, err := d.cfg.ResolveCalibration()
	if err != nil {
		return err
	}
	s, err := d.dial(d.cfg.Port, cal)
	if err != nil {
		return err
	}
	if d.torque {
		err = s.Enable(ctx)
	} else {
		err = s.Disable(ctx)
	}
	if err != nil {
		s.Close()
		return fmt.Errorf("set torque on %s: %w", d.cfg.Port, err)
	}
	d.servos, d.torqueOn = s, d.torque
	return nil
}

// Disconnect releases torque and closes the bus.
func (d *ArmDriver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.servos == nil {
		return nil
	}
	var errs []error
	if d.torque {
		errs = append(errs, d.servos.Disable(ctx))
	}
	errs = append(errs, d.servos.Close())
	d.servos, d.torqueOn = nil, false
	return errors.Join(errs...)
}

// EmergencyStop writes torque-disable directly to the bus, then closes it.
func (d *ArmDriver) EmergencyStop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.servos == nil {
		return nil
	}
	err := errors.Join(d.servos.Disable(ctx), d.servos.Close())
	d.servos, d.torqueOn = nil, false
	return err
}

// TorqueEnabled reports whether the last torque write on the connected bus
// turned torque on.
func (d *ArmDriver) TorqueEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.torqueOn
}

func (d *ArmDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.servos != nil
}

func (d *ArmDriver) IsCalibrated() bool { return d.cfg.IsCalibrated() }

func (d *ArmDriver) Observation(ctx context.Context) (map[string]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.servos == nil {
		return nil, device.ErrNotConnected
	}
	pos, err := d.servos.ReadPositions(ctx)
	if err != nil {
		return nil, device.TransientError(d.cfg.Port, err)
	}
	out := make(map[string]float64, len(pos))
	for m, v := range pos {
		out[Channel(d.prefix, m)] = v
	}
	return out, nil
}

// SendAction writes the position channels it recognizes and returns them,
// clamped to the normalized range.
func (d *ArmDriver) SendAction(ctx context.Context, action map[string]float64) (map[string]float64, error) {
	if !d.torque {
		return nil, errors.New("leader arm cannot be commanded")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.servos == nil {
		return nil, device.ErrNotConnected
	}
	targets := make(map[MotorName]float64, len(action))
	applied := make(map[string]float64, len(action))
	for ch, v := range action {
		m, ok := MotorFromChannel(d.prefix, ch)
		if !ok {
			continue
		}
		v = NormRange.Clamp(v)
		targets[m] = v
		applied[ch] = v
	}
	if len(targets) == 0 {
		return applied, nil
	}
	if err := d.servos.WritePositions(ctx, targets); err != nil {
		return nil, device.TransientError(d.cfg.Port, err)
	}
	return applied, nil
}

func (d *ArmDriver) ActionFeatures() []string {
	if !d.torque {
		return nil
	}
	return Channels(d.prefix)
}

func (d *ArmDriver) ObservationFeatures() []string { return Channels(d.prefix) }

// JointLimits returns the normalized range of every channel.
func (d *ArmDriver) JointLimits() map[string]device.Range {
	out := make(map[string]device.Range, 6)
	for _, ch := range Channels(d.prefix) {
		out[ch] = NormRange
	}
	return out
}

// Bimanual drives a left and a right arm. Channels are prefixed "left_" and
// "right_".
type Bimanual struct {
	Left, Right *ArmDriver
}

func NewBimanual(cfg BimanualConfig) *Bimanual {
	return &Bimanual{
		Left:  NewFollower(cfg.LeftArm, bimanualLeftPfx),
		Right: NewFollower(cfg.RightArm, bimanualRightPfx),
	}
}

// Connect connects both arms. When the right arm fails the left one is
// disconnected again.
func (b *Bimanual) Connect(ctx context.Context) error {
	if err := b.Left.Connect(ctx); err != nil {
		return fmt.Errorf("left arm: %w", err)
	}
	if err := b.Right.Connect(ctx); err != nil {
		b.Left.Disconnect(ctx)
		return fmt.Errorf("right arm: %w", err)
	}
	return nil
}

func (b *Bimanual) Disconnect(ctx context.Context) error {
	return errors.Join(b.Left.Disconnect(ctx), b.Right.Disconnect(ctx))
}

func (b *Bimanual) EmergencyStop(ctx context.Context) error {
	return errors.Join(b.Left.EmergencyStop(ctx), b.Right.EmergencyStop(ctx))
}

func (b *Bimanual) IsConnected() bool {
	return b.Left.IsConnected() && b.Right.IsConnected()
}

func (b *Bimanual) IsCalibrated() bool {
	return b.Left.IsCalibrated() && b.Right.IsCalibrated()
}

func (b *Bimanual) Observation(ctx context.Context) (map[string]float64, error) {
	left, err := b.Left.Observation(ctx)
	if err != nil {
		return nil, err
	}
	right, err := b.Right.Observation(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range right {
		left[k] = v
	}
	return left, nil
}

func (b *Bimanual) SendAction(ctx context.Context, action map[string]float64) (map[string]float64, error) {
	left, err := b.Left.SendAction(ctx, action)
	if err != nil {
		return nil, err
	}
	right, err := b.Right.SendAction(ctx, action)
	if err != nil {
		return nil, err
	}
	for k, v := range right {
		left[k] = v
	}
	return left, nil
}

func (b *Bimanual) ActionFeatures() []string {
	return append(b.Left.ActionFeatures(), b.Right.ActionFeatures()...)
}

func (b *Bimanual) ObservationFeatures() []string {
	return append(b.Left.ObservationFeatures(), b.Right.ObservationFeatures()...)
}

func (b *Bimanual) JointLimits() map[string]device.Range {
	out := b.Left.JointLimits()
	for k, v := range b.Right.JointLimits() {
		out[k] = v
	}
	return out
}
