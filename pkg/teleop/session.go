package teleop

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gwillem/lerobot-hal/pkg/device"
)

// session is one polling association between the robot and the loop.
type session struct {
	id      string
	started time.Time
	running atomic.Bool
	done    chan struct{}
}

// Start opens a control session on the connected robot. The filter is
// reset and seeded with the adapter's joint limits.
func (c *Controller) Start() (string, error) {
	if c.sig.Active() {
		return "", ErrEStopEngaged
	}
	c.mu.Lock()
	switch {
	case c.robot == nil:
		c.mu.Unlock()
		return "", ErrNotConnected
	case c.phase == Running:
		c.mu.Unlock()
		return "", errors.Wrap(ErrBusy, "session already running")
	}
	r := c.robot

	c.filter.Reset()
	c.filter.SetEStop(c.sig.Active())
	if lp, ok := r.(device.LimitProvider); ok {
		c.filter.MergeLimits(lp.JointLimits())
	}

	s := &session{id: uuid.NewString(), started: c.now(), done: make(chan struct{})}
	s.running.Store(true)
	c.session, c.phase, c.warning = s, Running, ""
	c.mu.Unlock()

	go c.loop(s)
	c.slog.Info("session started", "session", s.id, "hz", c.hz)
	c.log("Session started at %d Hz", c.hz)
	c.publish()
	return s.id, nil
}

// Stop ends the session and holds the robot at its measured position.
// The robot stays connected.
func (c *Controller) Stop(ctx context.Context) error {
	s := c.endSession(true)
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.hold(ctx)
}

// endSession clears the running flag. The loop observes it on its next
// tick.
func (c *Controller) endSession(keepConnected bool) *session {
	c.mu.Lock()
	s := c.session
	c.session = nil
	if s != nil {
		s.running.Store(false)
		if keepConnected && c.robot != nil {
			c.phase = Stopped
		}
	}
	c.mu.Unlock()
	if s != nil {
		c.slog.Info("session stopped", "session", s.id, "duration", c.now().Sub(s.started))
		c.log("Session stopped")
		c.publish()
	}
	return s
}

// hold sends the robot its own measured position.
func (c *Controller) hold(ctx context.Context) error {
	r := c.Robot()
	if r == nil {
		return nil
	}
	if err := r.Stop(ctx); err != nil {
		c.slog.Warn("soft stop", "err", err)
		return err
	}
	return nil
}

func (c *Controller) period() time.Duration {
	return time.Second / time.Duration(c.hz)
}

func (c *Controller) loop(s *session) {
	defer close(s.done)
	ticker := time.NewTicker(c.period())
	defer ticker.Stop()
	for range ticker.C {
		if !c.tick(s) {
			return
		}
	}
}

// tick runs one cycle and reports whether the loop continues. A failing
// tick is logged and skipped.
func (c *Controller) tick(s *session) (cont bool) {
	if !s.running.Load() {
		return false
	}
	if c.sig.Active() {
		s.running.Store(false)
		return false
	}

	c.mu.Lock()
	r, tp := c.robot, c.teleop
	c.mu.Unlock()

	if tp != nil && c.filter.CheckTimeout() {
		c.slog.Warn("command source timed out, stopping session", "session", s.id)
		c.log("Warning: command source timed out")
		c.setWarning("command source timed out")
		if c.endSession(true) == s {
			ctx, cancel := context.WithTimeout(context.Background(), c.period())
			defer cancel()
			c.hold(ctx)
		}
		return false
	}
	if r == nil || !r.IsConnected() {
		c.slog.Warn("robot lost, ending session", "session", s.id)
		c.endSession(false)
		c.mu.Lock()
		if c.robot == r {
			c.robot, c.phase = nil, Idle
		}
		c.mu.Unlock()
		c.publish()
		return false
	}

	defer func() {
		if p := recover(); p != nil {
			c.tickFailed("tick", errors.Errorf("panic: %v", p))
			cont = true
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.period())
	defer cancel()

	state, err := r.GetState(ctx)
	if err != nil {
		c.tickFailed("read state", err)
		return true
	}

	var sent device.Action
	if tp != nil {
		action, err := tp.GetAction(ctx)
		if err != nil {
			c.tickFailed("read command", err)
			return true
		}
		filtered, ok := c.filter.FilterAction(c.applyInvert(action))
		if !ok {
			return true
		}
		if !s.running.Load() {
			return false
		}
		sent, err = r.SendAction(ctx, filtered)
		if err != nil {
			c.tickFailed("send action", err)
			return true
		}
	}

	c.mu.Lock()
	c.lastState, c.warning = state, ""
	if sent != nil {
		c.lastAction = sent
	}
	c.mu.Unlock()
	c.publish()
	return true
}

func (c *Controller) applyInvert(a device.Action) device.Action {
	if len(c.invert) == 0 {
		return a
	}
	out := make(device.Action, len(a))
	for k, v := range a {
		if c.invert[k] {
			v = -v
		}
		out[k] = v
	}
	return out
}

func (c *Controller) tickFailed(op string, err error) {
	if errors.Is(err, device.ErrTransientIO) {
		c.slog.Debug(op, "err", err)
	} else {
		c.slog.Warn(op, "err", err)
		c.log("%s: %v", op, err)
	}
	c.setWarning(op + ": " + err.Error())
}

func (c *Controller) setWarning(w string) {
	c.mu.Lock()
	c.warning = w
	c.mu.Unlock()
}
