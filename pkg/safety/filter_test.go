package safety

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/gwillem/lerobot-hal/pkg/device"
)

const eps = 1e-9

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestFilter(cfg Config) (*Filter, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	return NewFilter(cfg, WithClock(clk.Now)), clk
}

func TestFilter_VelocityLimitScenario(t *testing.T) {
	f, _ := newTestFilter(Config{MaxVelocity: 0.5, Deadzone: 0.001})

	steps := []struct {
		in   float64
		want float64
	}{
		{10.0, 10.0}, // no history to limit against
		{10.3, 10.3}, // within limit
		{11.5, 10.8}, // clamped to prev+0.5
		{9.0, 10.3},  // clamped to prev-0.5
	}

	for i, s := range steps {
		out, ok := f.FilterAction(device.Action{"j": s.in})
		if !ok {
			t.Fatalf("step %d: FilterAction returned no action", i)
		}
		if math.Abs(out["j"]-s.want) > eps {
			t.Errorf("step %d: FilterAction(j=%f) = %f, want %f", i, s.in, out["j"], s.want)
		}
	}
}

func TestFilter_ClampToRange(t *testing.T) {
	f, _ := newTestFilter(Config{
		Limits: map[string]device.Range{"joint_1": {Min: -1.6, Max: 1.6}},
	})

	out, ok := f.FilterAction(device.Action{"joint_1.pos": 2.0, "free": 5.0})
	if !ok {
		t.Fatal("FilterAction returned no action")
	}
	if out["joint_1.pos"] != 1.6 {
		t.Errorf("joint_1.pos = %f, want 1.6", out["joint_1.pos"])
	}
	if out["free"] != 5.0 {
		t.Errorf("free = %f, want 5.0 (no range configured)", out["free"])
	}
}

func TestFilter_Deadzone(t *testing.T) {
	f, _ := newTestFilter(Config{MaxVelocity: 1, Deadzone: 0.01})

	f.FilterAction(device.Action{"j": 1.0})
	out, _ := f.FilterAction(device.Action{"j": 1.005})
	if out["j"] != 1.0 {
		t.Errorf("j = %v, want exactly 1.0 inside the deadzone", out["j"])
	}
	out, _ = f.FilterAction(device.Action{"j": 1.02})
	if math.Abs(out["j"]-1.02) > eps {
		t.Errorf("j = %v, want 1.02 outside the deadzone", out["j"])
	}
}

func TestFilter_EStopSuppressesUntilReleased(t *testing.T) {
	f, _ := newTestFilter(DefaultConfig())
	sig := NewSignal()
	detach := f.Attach(sig)
	defer detach()

	sig.Engage()
	for i := 0; i < 5; i++ {
		if out, ok := f.FilterAction(device.Action{"j": 1}); ok || out != nil {
			t.Fatalf("call %d: FilterAction = %v, %v while tripped", i, out, ok)
		}
	}
	if !f.Tripped() {
		t.Error("Tripped() = false after Engage")
	}

	sig.Release()
	if _, ok := f.FilterAction(device.Action{"j": 1}); !ok {
		t.Error("FilterAction returned no action after Release")
	}
}

func TestFilter_ResetClearsHistory(t *testing.T) {
	f, _ := newTestFilter(Config{MaxVelocity: 0.5})

	f.FilterAction(device.Action{"j": 0})
	f.SetEStop(true)
	f.Reset()

	if f.Tripped() {
		t.Error("Reset should re-arm the filter")
	}
	out, ok := f.FilterAction(device.Action{"j": 50})
	if !ok || out["j"] != 50 {
		t.Errorf("first action after Reset = %v, %v; want unconstrained 50", out, ok)
	}
}

func TestFilter_CheckTimeout(t *testing.T) {
	f, clk := newTestFilter(Config{Timeout: 500 * time.Millisecond})

	if f.CheckTimeout() {
		t.Error("fresh filter should not be timed out")
	}
	clk.Advance(400 * time.Millisecond)
	f.FilterAction(device.Action{"j": 0})
	clk.Advance(400 * time.Millisecond)
	if f.CheckTimeout() {
		t.Error("timeout fired 400ms after last input")
	}
	clk.Advance(200 * time.Millisecond)
	if !f.CheckTimeout() {
		t.Error("timeout did not fire 600ms after last input")
	}
	f.Reset()
	if f.CheckTimeout() {
		t.Error("Reset should restart the watchdog")
	}
}

func TestFilter_TimeoutMsFromConfigFile(t *testing.T) {
	f, clk := newTestFilter(Config{TimeoutMs: 100})
	clk.Advance(150 * time.Millisecond)
	if !f.CheckTimeout() {
		t.Error("timeout_ms=100 not honoured")
	}
	if got := f.Config().TimeoutMs; got != 100 {
		t.Errorf("Config().TimeoutMs = %f, want 100", got)
	}
}

func TestFilter_SetParamsAndMergeLimits(t *testing.T) {
	f, _ := newTestFilter(Config{
		MaxVelocity: 0.5,
		Limits:      map[string]device.Range{"a": {Min: 0, Max: 1}},
	})
	f.SetParams(2, 0, 0)
	f.MergeLimits(map[string]device.Range{
		"a": {Min: -10, Max: 10}, // already configured, kept
		"b": {Min: -1, Max: 1},
	})

	cfg := f.Config()
	if cfg.MaxVelocity != 2 {
		t.Errorf("MaxVelocity = %f, want 2", cfg.MaxVelocity)
	}
	if cfg.Limits["a"] != (device.Range{Min: 0, Max: 1}) {
		t.Errorf("limit a = %+v, want configured range kept", cfg.Limits["a"])
	}
	out, _ := f.FilterAction(device.Action{"b": 3})
	if out["b"] != 1 {
		t.Errorf("b = %f, want 1 from merged limit", out["b"])
	}
}

func TestFilter_ZeroVelocityHoldsPosition(t *testing.T) {
	f, _ := newTestFilter(Config{MaxVelocity: 0.5})
	f.FilterAction(device.Action{"j": 0})
	f.SetParams(0, 0.01, 0)

	for _, in := range []float64{5, -3, 0.2} {
		out, ok := f.FilterAction(device.Action{"j": in})
		if !ok || out["j"] != 0 {
			t.Errorf("FilterAction(%f) with zero velocity = %v, %v; want 0", in, out, ok)
		}
	}
}

func TestFilter_RestartWatchdogKeepsHistory(t *testing.T) {
	f, clk := newTestFilter(Config{MaxVelocity: 0.5, Timeout: 100 * time.Millisecond})
	f.FilterAction(device.Action{"j": 0})
	clk.Advance(time.Second)
	if !f.CheckTimeout() {
		t.Fatal("timeout did not fire after a silent second")
	}

	f.RestartWatchdog()
	if f.CheckTimeout() {
		t.Error("RestartWatchdog should open a new window")
	}
	out, _ := f.FilterAction(device.Action{"j": 5})
	if out["j"] != 0.5 {
		t.Errorf("j = %f, want 0.5 (rate limited from kept history)", out["j"])
	}
}

// Randomised input sequences must always honour the range and velocity bounds.
func TestFilter_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := device.Range{Min: -1.6, Max: 1.6}
	const vmax = 0.05

	for run := 0; run < 50; run++ {
		f, _ := newTestFilter(Config{
			Limits:      map[string]device.Range{"j": r},
			MaxVelocity: vmax,
			Deadzone:    0.002,
		})
		prev, hasPrev := 0.0, false
		for i := 0; i < 200; i++ {
			raw := rng.NormFloat64() * 3
			out, ok := f.FilterAction(device.Action{"j": raw})
			if !ok {
				t.Fatal("unexpected suppression")
			}
			v := out["j"]
			if !r.Contains(v) {
				t.Fatalf("run %d step %d: %f outside %+v", run, i, v, r)
			}
			if hasPrev {
				if math.Abs(v-prev) > vmax+eps {
					t.Fatalf("run %d step %d: |%f - %f| > %f", run, i, v, prev, vmax)
				}
				if math.Abs(raw-prev) < 0.002 && v != prev {
					t.Fatalf("run %d step %d: raw %f inside deadzone of %f but got %f", run, i, raw, prev, v)
				}
			}
			prev, hasPrev = v, true
		}
	}
}

func TestSignal_SubscribersRunSynchronously(t *testing.T) {
	sig := NewSignal()
	var got []bool
	unsub := sig.Subscribe(func(active bool) { got = append(got, active) })

	sig.Engage()
	sig.Engage() // no change, no notification
	sig.Release()
	unsub()
	sig.Engage()

	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("notifications = %v, want [true false]", got)
	}
	if !sig.Active() {
		t.Error("Active() = false after Engage")
	}
}
