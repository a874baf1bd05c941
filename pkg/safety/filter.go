// Package safety bounds every action before it reaches an actuator.
//
// A Filter clamps each channel into its operating range, rate-limits the
// change per tick, holds the previous value inside a deadzone and suppresses
// all output while the emergency stop is engaged. It also acts as a watchdog
// on the command source.
package safety

import (
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gwillem/lerobot-hal/internal/logging"
	"github.com/gwillem/lerobot-hal/pkg/device"
)

// Config holds the filter parameters.
type Config struct {
	// Limits maps a channel (or the channel without its ".pos" suffix) to
	// its operating range.
	Limits map[string]device.Range `yaml:"limits" json:"limits"`
	// MaxVelocity is the largest change per tick. Zero holds every channel
	// at its previous value.
	MaxVelocity float64 `yaml:"max_velocity" json:"max_velocity"`
	// Deadzone is the smallest change that is passed through.
	Deadzone float64 `yaml:"deadzone" json:"deadzone"`
	// Timeout is the watchdog period on the command source.
	Timeout time.Duration `yaml:"-" json:"-"`
	// TimeoutMs mirrors Timeout for config files.
	TimeoutMs float64 `yaml:"timeout_ms" json:"timeout_ms"`
}

// DefaultTimeout is the watchdog period used when none is configured.
const DefaultTimeout = 500 * time.Millisecond

// DefaultConfig returns the default parameters.
func DefaultConfig() Config {
	return Config{
		MaxVelocity: 0.5,
		Deadzone:    0.001,
		TimeoutMs:   float64(DefaultTimeout / time.Millisecond),
	}
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	if c.TimeoutMs > 0 {
		return time.Duration(c.TimeoutMs * float64(time.Millisecond))
	}
	return DefaultTimeout
}

// Option configures a Filter.
type Option func(*Filter)

// WithClock sets the time source used by the watchdog.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) { f.now = now }
}

// Filter is the per-session safety filter. It is safe for concurrent use.
type Filter struct {
	mu        sync.Mutex
	cfg       Config
	last      map[string]float64
	lastInput time.Time
	tripped   bool

	now func() time.Time
	log *slog.Logger
}

// NewFilter returns an armed filter.
func NewFilter(cfg Config, opts ...Option) *Filter {
	f := &Filter{
		now: time.Now,
		log: logging.For("safety"),
	}
	for _, opt := range opts {
		opt(f)
	}
	cfg.Timeout = cfg.timeout()
	cfg.Limits = cloneLimits(cfg.Limits)
	f.cfg = cfg
	f.last = make(map[string]float64)
	f.lastInput = f.now()
	return f
}

// Attach subscribes the filter to sig and adopts its current state.
func (f *Filter) Attach(sig *Signal) (detach func()) {
	f.SetEStop(sig.Active())
	return sig.Subscribe(f.SetEStop)
}

// SetEStop trips (true) or re-arms (false) the filter.
func (f *Filter) SetEStop(active bool) {
	f.mu.Lock()
	changed := f.tripped != active
	f.tripped = active
	f.mu.Unlock()

	if !changed {
		return
	}
	if active {
		f.log.Warn("E-STOP activated")
	} else {
		f.log.Info("E-STOP released")
	}
}

// Tripped reports whether the filter suppresses all output.
func (f *Filter) Tripped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tripped
}

// FilterAction bounds action. It returns ok=false while tripped: the caller
// must not send anything this tick.
func (f *Filter) FilterAction(action device.Action) (filtered device.Action, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tripped {
		return nil, false
	}
	f.lastInput = f.now()

	filtered = make(device.Action, len(action))
	for key, value := range action {
		if r, ok := f.limitFor(key); ok {
			value = r.Clamp(value)
		}

		prev, hasPrev := f.last[key]
		if hasPrev {
			delta := value - prev
			if f.cfg.MaxVelocity >= 0 && math.Abs(delta) > f.cfg.MaxVelocity {
				value = prev + math.Copysign(f.cfg.MaxVelocity, delta)
			}
			if math.Abs(value-prev) < f.cfg.Deadzone {
				value = prev
			}
		}

		filtered[key] = value
		f.last[key] = value
	}
	return filtered, true
}

// CheckTimeout reports whether the command source has been silent for longer
// than the configured timeout.
func (f *Filter) CheckTimeout() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now().Sub(f.lastInput) > f.cfg.Timeout
}

// RestartWatchdog starts a new timeout window without touching the
// per-channel history. Call it when the command source changes.
func (f *Filter) RestartWatchdog() {
	f.mu.Lock()
	f.lastInput = f.now()
	f.mu.Unlock()
}

// Reset re-arms the filter and forgets all per-channel history. Call it when
// a control session (re)starts.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = make(map[string]float64)
	f.lastInput = f.now()
	f.tripped = false
}

// SetParams updates the rate limit, deadzone and watchdog timeout at run
// time. Non-positive timeouts leave the timeout unchanged.
func (f *Filter) SetParams(maxVelocity, deadzone float64, timeout time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.MaxVelocity = maxVelocity
	f.cfg.Deadzone = deadzone
	if timeout > 0 {
		f.cfg.Timeout = timeout
	}
}

// MergeLimits adds ranges for channels that have none configured yet.
func (f *Filter) MergeLimits(limits map[string]device.Range) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg.Limits == nil {
		f.cfg.Limits = make(map[string]device.Range, len(limits))
	}
	for k, r := range limits {
		if _, ok := f.cfg.Limits[k]; !ok {
			f.cfg.Limits[k] = r
		}
	}
}

// Config returns a copy of the current parameters.
func (f *Filter) Config() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg := f.cfg
	cfg.Limits = cloneLimits(f.cfg.Limits)
	cfg.TimeoutMs = float64(cfg.Timeout) / float64(time.Millisecond)
	return cfg
}

func (f *Filter) limitFor(key string) (device.Range, bool) {
	if r, ok := f.cfg.Limits[key]; ok {
		return r, true
	}
	r, ok := f.cfg.Limits[strings.TrimSuffix(key, ".pos")]
	return r, ok
}

func cloneLimits(in map[string]device.Range) map[string]device.Range {
	out := make(map[string]device.Range, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
