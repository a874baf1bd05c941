// Package teleop runs control sessions: a connected robot adapter polled at
// a fixed rate, optionally driven by a command source through the safety
// filter, under the global emergency stop.
package teleop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gwillem/lerobot-hal/internal/logging"
	"github.com/gwillem/lerobot-hal/pkg/adapter/robots"
	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/registry"
	"github.com/gwillem/lerobot-hal/pkg/robot"
	"github.com/gwillem/lerobot-hal/pkg/safety"
	"github.com/gwillem/lerobot-hal/pkg/task"
)

// Phase is the controller's lifecycle state.
type Phase int

const (
	Idle Phase = iota
	Connecting
	Connected
	Running
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

var (
	ErrEStopEngaged = errors.New("emergency stop engaged")
	ErrNotConnected = errors.New("no robot connected")
	ErrBusy         = errors.New("controller busy")
)

const (
	connectTimeout = 10 * time.Second
	stopTimeout    = time.Second
)

// Snapshot is the externally visible controller state.
type Snapshot struct {
	Phase      Phase
	RobotType  string
	TeleopType string
	SessionID  string
	EStop      bool
	State      device.State
	Action     device.Action
	// Error is the last connect failure; it persists until the next
	// connect attempt.
	Error string
	// Warning is the last per-tick failure; it clears on a good tick.
	Warning   string
	Timestamp time.Time
}

// Config holds the controller parameters.
type Config struct {
	Hz     int
	Safety safety.Config
	// Invert lists channels negated before filtering.
	Invert []string
	// RobotOptions are passed to the generic adapter used for types with
	// no registered constructor.
	RobotOptions []robots.Option
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the time source for the controller and its filter.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns one robot adapter, at most one command source and one
// safety filter.
type Controller struct {
	reg    *registry.Registry
	exec   *task.Executor
	sig    *safety.Signal
	filter *safety.Filter
	hz     int
	invert map[string]bool
	ropts  []robots.Option
	now    func() time.Time
	slog   *slog.Logger

	unsubscribe []func()

	mu    sync.Mutex
	phase Phase
	// gen identifies the current connect attempt. Disconnect and E-STOP
	// advance it so a pending connect cannot install its adapter.
	gen        uint64
	robot      device.Robot
	robotType  string
	teleop     device.Teleoperator
	teleopType string
	session    *session
	lastErr    string
	warning    string
	lastState  device.State
	lastAction device.Action

	camMu   sync.Mutex
	cameras map[string]*camera

	stateCh chan Snapshot
	logCh   chan string
}

// NewController returns an idle controller. The filter is subscribed to sig
// before the controller, so it is tripped by the time the adapter is
// stopped.
func NewController(reg *registry.Registry, exec *task.Executor, sig *safety.Signal, cfg Config, opts ...Option) *Controller {
	if cfg.Hz <= 0 {
		cfg.Hz = robot.DefaultHz
	}
	c := &Controller{
		reg:     reg,
		exec:    exec,
		sig:     sig,
		hz:      cfg.Hz,
		invert:  make(map[string]bool, len(cfg.Invert)),
		ropts:   cfg.RobotOptions,
		now:     time.Now,
		slog:    logging.For("control"),
		cameras: make(map[string]*camera),
		stateCh: make(chan Snapshot, 1),
		logCh:   make(chan string, 10),
	}
	for _, o := range opts {
		o(c)
	}
	for _, ch := range cfg.Invert {
		c.invert[ch] = true
	}
	c.filter = safety.NewFilter(cfg.Safety, safety.WithClock(c.now))
	c.unsubscribe = append(c.unsubscribe, c.filter.Attach(sig), sig.Subscribe(c.onSignal))
	return c
}

// Close ends any session, closes every camera and disconnects every device.
func (c *Controller) Close() {
	for _, u := range c.unsubscribe {
		u()
	}
	c.endSession(false)
	c.closeCameras()
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	c.mu.Lock()
	r, tp := c.robot, c.teleop
	c.robot, c.teleop, c.phase = nil, nil, Idle
	c.gen++
	c.mu.Unlock()
	if r != nil {
		r.Disconnect(ctx)
	}
	if tp != nil {
		tp.Disconnect(ctx)
	}
}

// States returns a channel that receives state updates.
func (c *Controller) States() <-chan Snapshot {
	return c.stateCh
}

// Logs returns a channel that receives log messages.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

// Hz returns the control frequency.
func (c *Controller) Hz() int {
	return c.hz
}

// Filter returns the session's safety filter.
func (c *Controller) Filter() *safety.Filter {
	return c.filter
}

// Phase returns the current lifecycle state.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Robot returns the connected adapter, or nil.
func (c *Controller) Robot() device.Robot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.robot
}

func (c *Controller) log(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", c.now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case c.logCh <- msg:
	default:
		// Drop if channel full
	}
}

// Connect resolves typeID and connects the adapter on the worker pool.
// Types with no registered constructor fall back to the generic adapter.
// The controller is connected once the returned handle finishes. A
// "cameras" param opens the listed cameras after the robot connects.
func (c *Controller) Connect(typeID string, params device.Params) (*task.Handle, error) {
	if c.sig.Active() {
		return nil, ErrEStopEngaged
	}
	params = params.Clone()
	var cams map[string]device.Params
	if spec, ok := params["cameras"]; ok {
		delete(params, "cameras")
		var err error
		if cams, err = cameraParams(spec); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	c.mu.Lock()
	if c.phase != Idle {
		phase := c.phase
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrBusy, "connect while %s", phase)
	}
	c.gen++
	gen := c.gen
	c.phase, c.robotType, c.lastErr = Connecting, typeID, ""
	c.mu.Unlock()

	var r device.Robot
	if ctor, ok := c.reg.Robot(typeID); ok {
		r = ctor()
	} else {
		c.slog.Warn("no adapter registered, using generic", "type", typeID)
		r = robots.NewGeneric(typeID, c.ropts...)
	}

	c.log("Connecting %s...", typeID)
	h := c.exec.Submit("connect:"+typeID, func(ctx context.Context) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := r.Connect(ctx, params); err != nil {
			c.connectFailed(gen, typeID, err)
			return nil, errors.WithStack(err)
		}

		c.mu.Lock()
		if c.gen != gen || c.phase != Connecting || c.sig.Active() {
			c.mu.Unlock()
			r.EmergencyStop(ctx)
			return nil, errors.Errorf("connect %s aborted", typeID)
		}
		c.robot, c.phase = r, Connected
		c.mu.Unlock()

		c.slog.Info("robot connected", "type", typeID)
		c.log("Connected %s", typeID)
		c.openCameras(cams)
		c.publish()
		return r.Diagnostics(), nil
	})
	return h, nil
}

func (c *Controller) connectFailed(gen uint64, typeID string, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.slog.Debug("stale connect failed", "type", typeID, "err", err)
		return
	}
	if c.phase == Connecting {
		c.phase = Idle
	}
	c.lastErr = err.Error()
	c.mu.Unlock()
	c.slog.Error("connect failed", "type", typeID, "err", err)
	c.log("Connect %s failed: %v", typeID, err)
	c.publish()
}

// AttachTeleop connects a command source on the worker pool, replacing any
// previous one. Unknown types fail with a configuration error.
func (c *Controller) AttachTeleop(typeID string, params device.Params) *task.Handle {
	params = params.Clone()
	return c.exec.Submit("teleop:"+typeID, func(ctx context.Context) (any, error) {
		ctor, ok := c.reg.Teleop(typeID)
		if !ok {
			return nil, errors.WithStack(device.ConfigError(typeID, "unknown teleoperator type"))
		}
		tp := ctor()
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := tp.Connect(ctx, params); err != nil {
			c.log("Teleop %s failed: %v", typeID, err)
			return nil, errors.WithStack(err)
		}

		c.mu.Lock()
		old := c.teleop
		c.teleop, c.teleopType = tp, typeID
		c.filter.RestartWatchdog()
		c.mu.Unlock()
		if old != nil {
			old.Disconnect(ctx)
		}
		c.log("Teleop %s attached", typeID)
		return tp.Diagnostics(), nil
	})
}

// DetachTeleop disconnects the command source. A running session continues
// in monitor mode.
func (c *Controller) DetachTeleop(ctx context.Context) {
	c.mu.Lock()
	tp := c.teleop
	c.teleop, c.teleopType = nil, ""
	c.mu.Unlock()
	if tp != nil {
		tp.Disconnect(ctx)
	}
}

// Disconnect ends any session and releases the robot on the worker pool.
func (c *Controller) Disconnect() *task.Handle {
	c.endSession(false)

	c.mu.Lock()
	r, typeID := c.robot, c.robotType
	c.robot = nil
	c.phase = Idle
	c.gen++
	c.mu.Unlock()

	h := c.exec.Submit("disconnect:"+typeID, func(ctx context.Context) (any, error) {
		if r != nil {
			r.Disconnect(ctx)
			c.slog.Info("robot disconnected", "type", typeID)
			c.log("Disconnected %s", typeID)
		}
		c.publish()
		return nil, nil
	})
	return h
}

// EmergencyStop raises the global stop. Every subscriber, this controller
// included, reacts before it returns.
func (c *Controller) EmergencyStop() {
	if c.sig.Active() {
		c.estop()
		return
	}
	c.sig.Engage()
}

// ReleaseEStop clears the global stop. A new connect is needed to resume.
func (c *Controller) ReleaseEStop() {
	c.sig.Release()
}

func (c *Controller) onSignal(active bool) {
	if active {
		c.estop()
		return
	}
	c.log("E-STOP released")
	c.publish()
}

// estop ends the session and stops the adapter synchronously. The adapter
// reference is dropped whatever the outcome.
func (c *Controller) estop() {
	c.mu.Lock()
	if c.session != nil {
		c.session.running.Store(false)
		c.session = nil
	}
	r := c.robot
	c.robot = nil
	if c.phase == Connecting {
		c.lastErr = ErrEStopEngaged.Error()
	}
	c.phase = Idle
	c.gen++
	c.mu.Unlock()

	if r != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := r.EmergencyStop(ctx); err != nil {
			c.slog.Error("emergency stop", "err", err)
			c.log("E-STOP error: %v", err)
		}
	}
	c.slog.Warn("E-STOP: robot halted and released")
	c.log("E-STOP: robot halted and released")
	c.publish()
}

// Status returns the current snapshot.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Diagnostics returns the robot adapter's diagnostics, or a disconnected
// record.
func (c *Controller) Diagnostics() device.Diagnostics {
	r := c.Robot()
	if r == nil {
		return device.Disconnected()
	}
	return r.Diagnostics()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Phase:      c.phase,
		RobotType:  c.robotType,
		TeleopType: c.teleopType,
		EStop:      c.sig.Active(),
		State:      c.lastState.Clone(),
		Action:     c.lastAction.Clone(),
		Error:      c.lastErr,
		Warning:    c.warning,
		Timestamp:  c.now(),
	}
	if c.session != nil {
		s.SessionID = c.session.id
	}
	return s
}

func (c *Controller) publish() {
	c.sendState(c.Status())
}

func (c *Controller) sendState(s Snapshot) {
	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		select {
		case c.stateCh <- s:
		default:
		}
	}
}
