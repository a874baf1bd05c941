package teleops

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gwillem/lerobot-hal/pkg/device"
)

const SineType = "sine"

// Sine is a scripted command source: every channel follows
// offset + amplitude*sin(2πt/period), phase-shifted per channel.
type Sine struct {
	now func() time.Time

	mu        sync.Mutex
	connected bool
	channels  []string
	amplitude float64
	offset    float64
	period    time.Duration
	start     time.Time
}

var _ device.Teleoperator = (*Sine)(nil)

// NewSine returns a sine source using now as its clock (time.Now when nil).
func NewSine(now func() time.Time) *Sine {
	if now == nil {
		now = time.Now
	}
	return &Sine{now: now}
}

// Connect reads "channels" (list or comma-separated string), "amplitude",
// "offset" and "period_ms".
func (s *Sine) Connect(ctx context.Context, params device.Params) error {
	channels, err := channelList(params["channels"])
	if err != nil {
		return device.ConfigError(SineType, "%v", err)
	}
	amp, err := params.Float("amplitude", 10)
	if err != nil {
		return device.ConfigError(SineType, "%v", err)
	}
	off, err := params.Float("offset", 0)
	if err != nil {
		return device.ConfigError(SineType, "%v", err)
	}
	period, err := params.Duration("period_ms", 4*time.Second)
	if err != nil || period <= 0 {
		return device.ConfigError(SineType, "invalid period_ms %v", params["period_ms"])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels, s.amplitude, s.offset, s.period = channels, amp, off, period
	s.start = s.now()
	s.connected = true
	return nil
}

func (s *Sine) Disconnect(ctx context.Context) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *Sine) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Sine) GetAction(ctx context.Context) (device.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, device.ErrNotConnected
	}
	t := s.now().Sub(s.start).Seconds()
	w := 2 * math.Pi / s.period.Seconds()
	out := make(device.Action, len(s.channels))
	for i, ch := range s.channels {
		phase := float64(i) * math.Pi / 4
		out[ch] = s.offset + s.amplitude*math.Sin(w*t+phase)
	}
	return out, nil
}

func (s *Sine) ActionNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	return append([]string(nil), s.channels...)
}

func (s *Sine) Diagnostics() device.Diagnostics {
	if !s.IsConnected() {
		return device.Disconnected()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return device.Diagnostics{
		device.DiagStatus: device.StatusConnected,
		"period_ms":       s.period.Milliseconds(),
		"amplitude":       s.amplitude,
	}
}

func channelList(v any) ([]string, error) {
	var out []string
	switch x := v.(type) {
	case nil:
	case string:
		for _, p := range strings.Split(x, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	case []string:
		out = append(out, x...)
	case []any:
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("channels: %v is not a string", e)
			}
			out = append(out, s)
		}
	default:
		return nil, fmt.Errorf("channels: unsupported type %T", v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("channels is required")
	}
	return out, nil
}
