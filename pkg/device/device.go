// Package device defines the capability contracts every hardware adapter
// implements: robots (followers), teleoperators (command sources) and cameras.
//
// Control code depends only on these interfaces, never on a concrete adapter.
package device

import (
	"context"
	"image"
	"time"
)

// Params is the opaque key/value configuration passed to Connect or Open.
// Adapters validate and translate it into their own configuration.
type Params map[string]any

// Action maps action channel names (e.g. "joint_1.pos") to target values.
type Action map[string]float64

// State maps state channel names to measured values.
type State map[string]float64

// Clone returns a copy of the action.
func (a Action) Clone() Action {
	out := make(Action, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Clone returns a copy of the state.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Range is a closed operating range [Min, Max] for one channel.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Clamp returns v limited to the range.
func (r Range) Clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Contains reports whether v lies in the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Robot is the contract for an actuated device.
//
// Disconnect and EmergencyStop are idempotent: calling them on a disconnected
// adapter is a no-op. An adapter instance is owned by one control context at a
// time and must not be shared between control loops.
type Robot interface {
	// Connect acquires the underlying connection. It may enable motor torque.
	// Errors wrap ErrConnection or ErrConfiguration.
	Connect(ctx context.Context, params Params) error

	// Disconnect releases the connection. Internal errors are logged, never
	// returned, so cleanup always completes.
	Disconnect(ctx context.Context)

	IsConnected() bool

	// GetState returns one snapshot per state channel, or an empty State
	// when not connected.
	GetState(ctx context.Context) (State, error)

	// SendAction forwards an already filtered action and returns the action
	// actually applied. When not connected the input is returned unchanged.
	SendAction(ctx context.Context, action Action) (Action, error)

	// Stop holds the current position without disabling actuators.
	Stop(ctx context.Context) error

	// EmergencyStop disables actuator output through the fastest path the
	// adapter has and leaves it disconnected. The adapter is disconnected
	// afterwards even when an error is returned.
	EmergencyStop(ctx context.Context) error

	// Diagnostics never fails; problems are reported inside the record.
	Diagnostics() Diagnostics

	ActionNames() []string
	StateNames() []string
}

// LimitProvider is implemented by adapters that know static per-channel
// operating ranges. The control loop feeds them into the safety filter.
type LimitProvider interface {
	JointLimits() map[string]Range
}

// Teleoperator is a command source producing actions for a robot.
type Teleoperator interface {
	Connect(ctx context.Context, params Params) error
	Disconnect(ctx context.Context)
	IsConnected() bool

	// GetAction returns the operator's current command.
	GetAction(ctx context.Context) (Action, error)

	ActionNames() []string
	Diagnostics() Diagnostics
}

// Frame is one decoded camera image.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
	Seq       uint64
}

// Camera is the contract for an image source.
type Camera interface {
	Open(ctx context.Context, params Params) error
	Close()
	IsOpen() bool

	// ReadFrame returns the most recent frame, or nil when none is available.
	// Decode failures are expected and never surface as errors.
	ReadFrame(ctx context.Context) *Frame

	Params() map[string]any
	FPSStats() FPSStats
}
