package device

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// FPSWindow is the span of frame timestamps kept by FPSMeter.
const FPSWindow = 2 * time.Second

// FPSStats is the measured frame rate over the last FPSWindow.
type FPSStats struct {
	MeasuredFPS float64 `json:"measured_fps"`
	FrameCount  int     `json:"frame_count"`
	JitterMs    float64 `json:"jitter_ms"`
}

// FPSMeter measures frame rate from a rolling window of frame timestamps, so
// the rate decays to zero on its own when frames stop arriving.
type FPSMeter struct {
	mu  sync.Mutex
	ts  []time.Time
	now func() time.Time
}

// NewFPSMeter returns a meter using now as its clock (time.Now when nil).
func NewFPSMeter(now func() time.Time) *FPSMeter {
	if now == nil {
		now = time.Now
	}
	return &FPSMeter{now: now}
}

// Record notes the arrival of one frame.
func (m *FPSMeter) Record() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ts = append(m.ts, m.clock()())
	m.prune()
}

// Reset forgets all recorded frames.
func (m *FPSMeter) Reset() {
	m.mu.Lock()
	m.ts = nil
	m.mu.Unlock()
}

// Stats returns the frame rate over the window.
func (m *FPSMeter) Stats() FPSStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()

	n := len(m.ts)
	if n == 0 {
		return FPSStats{}
	}
	st := FPSStats{
		MeasuredFPS: math.Round(float64(n)/FPSWindow.Seconds()*10) / 10,
		FrameCount:  n,
	}
	if n > 2 {
		intervals := make([]float64, n-1)
		for i := 1; i < n; i++ {
			intervals[i-1] = float64(m.ts[i].Sub(m.ts[i-1])) / float64(time.Millisecond)
		}
		st.JitterMs = stat.StdDev(intervals, nil)
	}
	return st
}

func (m *FPSMeter) clock() func() time.Time {
	if m.now == nil {
		return time.Now
	}
	return m.now
}

func (m *FPSMeter) prune() {
	now := m.clock()()
	i := 0
	for i < len(m.ts) && now.Sub(m.ts[i]) >= FPSWindow {
		i++
	}
	if i > 0 {
		m.ts = append(m.ts[:0], m.ts[i:]...)
	}
}
