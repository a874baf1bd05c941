// Package piper drives AgileX Piper arms over SocketCAN.
//
// A follower arm is commanded with joint control frames and reports joint
// feedback; a leader (teaching) arm is read passively from the control frames
// it emits.
package piper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/angelodlfrtr/go-can"
	"github.com/angelodlfrtr/go-can/transports"

	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/hw"
)

const FamilyName = "piper_follower"

// Joint names in bus order. The gripper is last.
var JointNames = []string{"joint_1", "joint_2", "joint_3", "joint_4", "joint_5", "joint_6", "gripper"}

var jointRanges = [7]device.Range{
	{Min: -1.605, Max: 1.605},
	{Min: -0.042, Max: 2.093},
	{Min: -1.919, Max: 0.052},
	{Min: -1.570, Max: 1.570},
	{Min: -1.396, Max: 1.396},
	{Min: -1.570, Max: 1.570},
	{Min: 0, Max: 0.08},
}

// JointLimits returns the mechanical range of every channel, in radians for
// joints and metres for the gripper.
func JointLimits() map[string]device.Range {
	out := make(map[string]device.Range, len(JointNames))
	for i, n := range JointNames {
		out[Channel(n)] = jointRanges[i]
	}
	return out
}

// Channel returns the position channel of a joint.
func Channel(joint string) string { return joint + ".pos" }

// Config configures one arm.
type Config struct {
	CANName             string `yaml:"can_name"`
	SpeedRate           int    `yaml:"speed_rate"`
	FeedbackTimeoutMs   int    `yaml:"feedback_timeout_ms"`
	DisableOnDisconnect bool   `yaml:"disable_torque_on_disconnect"`
	ID                  string `yaml:"id"`
}

func DefaultConfig() *Config {
	return &Config{
		CANName:             "can0",
		SpeedRate:           50,
		FeedbackTimeoutMs:   1000,
		DisableOnDisconnect: true,
	}
}

func (c *Config) Validate() error {
	if c.CANName == "" {
		return errors.New("can_name is required")
	}
	if c.SpeedRate < 0 || c.SpeedRate > 100 {
		return fmt.Errorf("speed_rate %d out of range 0..100", c.SpeedRate)
	}
	return nil
}

// Bus is the subset of a go-can bus the arm needs.
type Bus interface {
	Write(frm *can.Frame) error
	ReadChan() chan *can.Frame
	Close() error
}

// Opener opens the CAN interface called name.
type Opener func(name string) (Bus, error)

// OpenSocketCAN opens a Linux SocketCAN interface.
func OpenSocketCAN(name string) (Bus, error) {
	bus := can.NewBus(&transports.SocketCan{Interface: name})
	if err := bus.Open(); err != nil {
		return nil, err
	}
	return bus, nil
}

// Role selects which frames an arm listens to.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

type Option func(*Arm)

func WithOpener(o Opener) Option { return func(a *Arm) { a.open = o } }

func WithClock(now func() time.Time) Option { return func(a *Arm) { a.now = now } }

// Arm is a connection to one Piper arm.
type Arm struct {
	cfg  Config
	role Role
	open Opener
	now  func() time.Time

	wmu  sync.Mutex // serializes frame writes
	mu   sync.RWMutex
	bus  Bus
	done chan struct{}
	wg   sync.WaitGroup

	pos        [7]float64
	seen       [7]bool
	updated    time.Time
	foc        [6]byte
	focSeen    [6]bool
	wantEnable bool
}

func New(cfg Config, role Role, opts ...Option) *Arm {
	a := &Arm{cfg: cfg, role: role, open: OpenSocketCAN, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

func init() {
	hw.Families.Register(hw.Family{
		Name:      FamilyName,
		NewConfig: func() any { return DefaultConfig() },
		Open: func(cfg any) (hw.Driver, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, fmt.Errorf("piper: unexpected config %T", cfg)
			}
			return New(*c, RoleFollower), nil
		},
	})
}

// Connect opens the bus and starts the frame reader. A follower is switched
// to CAN joint control, enabled, and must report a full set of joint
// feedback within the feedback timeout.
func (a *Arm) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.bus != nil {
		a.mu.Unlock()
		return nil
	}
	bus, err := a.open(a.cfg.CANName)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("open %s: %w", a.cfg.CANName, err)
	}
	a.bus = bus
	a.done = make(chan struct{})
	a.seen = [7]bool{}
	a.focSeen = [6]bool{}
	a.wg.Add(1)
	go a.read(bus.ReadChan(), a.done)
	a.mu.Unlock()

	if a.role == RoleLeader {
		return nil
	}
	if err := a.write(motionModeFrame(a.cfg.SpeedRate), motorEnableFrame(true)); err != nil {
		a.close()
		return fmt.Errorf("enable motors: %w", err)
	}
	a.mu.Lock()
	a.wantEnable = true
	a.mu.Unlock()

	if err := a.awaitFeedback(ctx); err != nil {
		a.close()
		return err
	}
	return nil
}

func (a *Arm) awaitFeedback(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.FeedbackTimeoutMs)*time.Millisecond)
	defer cancel()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if a.complete() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no joint feedback on %s: %w", a.cfg.CANName, ctx.Err())
		case <-tick.C:
		}
	}
}

// Disconnect stops the reader and closes the bus. Motors are disabled first
// when configured to.
func (a *Arm) Disconnect(ctx context.Context) error {
	var errs []error
	if a.role == RoleFollower && a.cfg.DisableOnDisconnect && a.IsConnected() {
		errs = append(errs, a.write(motorEnableFrame(false)))
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

// EmergencyStop disables every motor and the gripper, then closes the bus.
// The bus is closed even when the disable frames fail.
func (a *Arm) EmergencyStop(ctx context.Context) error {
	if !a.IsConnected() {
		return nil
	}
	err := a.write(motorEnableFrame(false), gripperFrame(0, gripperDisableClear))
	return errors.Join(err, a.close())
}

func (a *Arm) close() error {
	a.mu.Lock()
	bus, done := a.bus, a.done
	a.bus, a.done = nil, nil
	a.wantEnable = false
	a.mu.Unlock()
	if bus == nil {
		return nil
	}
	close(done)
	err := bus.Close()
	a.wg.Wait()
	return err
}

func (a *Arm) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bus != nil
}

func (a *Arm) complete() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, s := range a.seen {
		if !s {
			return false
		}
	}
	return true
}

// Observation returns the latest joint positions.
func (a *Arm) Observation(ctx context.Context) (map[string]float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.bus == nil {
		return nil, device.ErrNotConnected
	}
	out := make(map[string]float64, len(JointNames))
	for i, n := range JointNames {
		if !a.seen[i] {
			return nil, device.TransientError(FamilyName, fmt.Errorf("no feedback for %s", n))
		}
		out[Channel(n)] = a.pos[i]
	}
	return out, nil
}

// LastUpdate returns the time of the most recent position frame.
func (a *Arm) LastUpdate() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.updated
}

// SendAction commands joint targets. Channels absent from action hold their
// last reported position. Targets are clamped to the mechanical range and
// the clamped values are returned.
func (a *Arm) SendAction(ctx context.Context, action map[string]float64) (map[string]float64, error) {
	if a.role != RoleFollower {
		return nil, errors.New("leader arm cannot be commanded")
	}
	a.mu.RLock()
	if a.bus == nil {
		a.mu.RUnlock()
		return nil, device.ErrNotConnected
	}
	target := a.pos
	a.mu.RUnlock()

	applied := make(map[string]float64, len(action))
	for i, n := range JointNames {
		if v, ok := action[Channel(n)]; ok {
			target[i] = jointRanges[i].Clamp(v)
			applied[Channel(n)] = target[i]
		}
	}
	err := a.write(
		motionModeFrame(a.cfg.SpeedRate),
		jointFrame(idJointCtrl12, target[0], target[1]),
		jointFrame(idJointCtrl34, target[2], target[3]),
		jointFrame(idJointCtrl56, target[4], target[5]),
		gripperFrame(target[6], gripperEnable),
	)
	if err != nil {
		return nil, device.TransientError(FamilyName, err)
	}
	return applied, nil
}

func (a *Arm) ActionFeatures() []string {
	if a.role != RoleFollower {
		return nil
	}
	return a.ObservationFeatures()
}

func (a *Arm) ObservationFeatures() []string {
	out := make([]string, len(JointNames))
	for i, n := range JointNames {
		out[i] = Channel(n)
	}
	return out
}

// DriverEnabled reports the driver enable bit of every motor that has sent
// driver info.
func (a *Arm) DriverEnabled() map[string]bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]bool, 6)
	for i, s := range a.foc {
		if a.focSeen[i] {
			out[JointNames[i]] = s&focDriverOn != 0
		}
	}
	return out
}

var focFaults = []struct {
	bit  byte
	desc string
}{
	{1 << 1, "motor overheating"},
	{1 << 2, "driver overcurrent"},
	{1 << 3, "driver overheating"},
	{1 << 5, "driver error"},
	{1 << 7, "stall"},
}

// Faults describes fatal driver conditions from the low-speed driver info
// frames. A motor that reports its driver disabled after being enabled is a
// fault too.
func (a *Arm) Faults() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for i, s := range a.foc {
		if !a.focSeen[i] {
			continue
		}
		for _, f := range focFaults {
			if s&f.bit != 0 {
				out = append(out, fmt.Sprintf("%s: %s", JointNames[i], f.desc))
			}
		}
		if a.wantEnable && s&focDriverOn == 0 {
			out = append(out, fmt.Sprintf("%s: driver disabled", JointNames[i]))
		}
	}
	return out
}

func (a *Arm) write(frames ...*can.Frame) error {
	a.mu.RLock()
	bus := a.bus
	a.mu.RUnlock()
	if bus == nil {
		return device.ErrNotConnected
	}
	a.wmu.Lock()
	defer a.wmu.Unlock()
	for _, f := range frames {
		if err := bus.Write(f); err != nil {
			return fmt.Errorf("write 0x%03X: %w", f.ArbitrationID, err)
		}
	}
	return nil
}

func (a *Arm) read(rx <-chan *can.Frame, done <-chan struct{}) {
	defer a.wg.Done()
	for {
		select {
		case <-done:
			return
		case f, ok := <-rx:
			if !ok {
				return
			}
			a.handle(f)
		}
	}
}

func (a *Arm) handle(f *can.Frame) {
	pair := func(i int) {
		x, y := decodePair(f.Data)
		a.pos[i], a.pos[i+1] = x, y
		a.seen[i], a.seen[i+1] = true, true
		a.updated = a.now()
	}
	gripper := func() {
		a.pos[6] = decodeGripper(f.Data)
		a.seen[6] = true
		a.updated = a.now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.role == RoleLeader {
		switch f.ArbitrationID {
		case idJointCtrl12:
			pair(0)
		case idJointCtrl34:
			pair(2)
		case idJointCtrl56:
			pair(4)
		case idGripperCtrl:
			gripper()
		}
		return
	}
	switch id := f.ArbitrationID; {
	case id == idJointFb12:
		pair(0)
	case id == idJointFb34:
		pair(2)
	case id == idJointFb56:
		pair(4)
	case id == idGripperFb:
		gripper()
	case id >= idDriverInfo1 && id < idDriverInfo1+6:
		m := id - idDriverInfo1
		a.foc[m] = f.Data[5]
		a.focSeen[m] = true
	}
}
