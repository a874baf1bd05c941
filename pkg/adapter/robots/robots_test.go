package robots

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelodlfrtr/go-can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/hw"
	"github.com/gwillem/lerobot-hal/pkg/hw/piper"
	"github.com/gwillem/lerobot-hal/pkg/hw/sim"
	"github.com/gwillem/lerobot-hal/pkg/registry"
	"github.com/gwillem/lerobot-hal/pkg/robot"
)

func simParams() device.Params {
	return device.Params{"joints": []any{"a", "b"}, "max_step": 0.0}
}

func TestGeneric_NotConnectedIsSafe(t *testing.T) {
	g := NewGeneric(sim.FamilyName)
	ctx := context.Background()

	in := device.Action{"a": 1.0}
	out, err := g.SendAction(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	state, err := g.GetState(ctx)
	require.NoError(t, err)
	assert.Empty(t, state)
	assert.Empty(t, g.ActionNames())
	assert.Empty(t, g.StateNames())
	assert.Equal(t, device.StatusDisconnected, g.Diagnostics().Status())

	g.Disconnect(ctx)
	assert.NoError(t, g.EmergencyStop(ctx))
}

func TestGeneric_Lifecycle(t *testing.T) {
	g := NewGeneric(sim.FamilyName)
	ctx := context.Background()

	params := simParams()
	params["no_such_field"] = 3
	require.NoError(t, g.Connect(ctx, params))
	assert.Contains(t, params, "no_such_field", "caller params must not be mutated")
	assert.True(t, g.IsConnected())
	assert.Equal(t, []string{"a.pos", "b.pos"}, g.ActionNames())

	applied, err := g.SendAction(ctx, device.Action{"a.pos": 250})
	require.NoError(t, err)
	assert.Equal(t, device.Action{"a.pos": 100}, applied)

	state, err := g.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, state["a.pos"])

	d := g.Diagnostics()
	assert.Equal(t, device.StatusConnected, d.Status())
	assert.Equal(t, sim.FamilyName, d[device.DiagRobotType])
	assert.Equal(t, true, d["is_calibrated"])

	require.NoError(t, g.Stop(ctx))
	state, _ = g.GetState(ctx)
	assert.Equal(t, 100.0, state["a.pos"], "stop holds position")

	require.NoError(t, g.EmergencyStop(ctx))
	assert.False(t, g.IsConnected())
	assert.NoError(t, g.EmergencyStop(ctx), "second emergency stop is a no-op")
}

func TestGeneric_RobotTypeParamOverridesFamily(t *testing.T) {
	g := NewGeneric("custom_rig")
	params := simParams()
	params[RobotTypeParam] = sim.FamilyName
	require.NoError(t, g.Connect(context.Background(), params))
	assert.Equal(t, sim.FamilyName, g.Diagnostics()[device.DiagRobotType])
}

func TestGeneric_UnknownTypeFallback(t *testing.T) {
	reg := registry.New()
	_, ok := reg.Robot("unknown_type")
	require.False(t, ok)

	g := NewGeneric("unknown_type")
	err := g.Connect(context.Background(), device.Params{"port": "/dev/null"})
	assert.ErrorIs(t, err, device.ErrConfiguration)
	assert.False(t, device.IsRetryable(err))
	assert.False(t, g.IsConnected())
}

func TestGeneric_StrictParams(t *testing.T) {
	g := NewGeneric(sim.FamilyName, WithStrictParams(true))
	params := simParams()
	params["jionts"] = "typo"
	assert.ErrorIs(t, g.Connect(context.Background(), params), device.ErrConfiguration)
}

func TestGeneric_ConnectionErrorIsRetryable(t *testing.T) {
	g := NewGeneric(sim.FamilyName)
	params := simParams()
	params["fail_connect"] = true
	err := g.Connect(context.Background(), params)
	assert.ErrorIs(t, err, device.ErrConnection)
	assert.ErrorIs(t, err, sim.ErrUnreachable)
	assert.True(t, device.IsRetryable(err))
}

type fakeServos struct {
	calls []string
	fail  error
}

func (f *fakeServos) Enable(context.Context) error {
	f.calls = append(f.calls, "enable")
	return nil
}

func (f *fakeServos) Disable(context.Context) error {
	f.calls = append(f.calls, "disable")
	return f.fail
}

func (f *fakeServos) ReadPositions(context.Context) (map[robot.MotorName]float64, error) {
	return map[robot.MotorName]float64{robot.Gripper: 3}, nil
}

func (f *fakeServos) WritePositions(context.Context, map[robot.MotorName]float64) error {
	f.calls = append(f.calls, "write")
	return nil
}

func (f *fakeServos) Close() error {
	f.calls = append(f.calls, "close")
	return nil
}

func TestSO101_EmergencyStopWritesTorqueOff(t *testing.T) {
	servos := &fakeServos{fail: errors.New("bus timeout")}
	a := NewSO101(WithDialer(func(string, robot.Calibration) (robot.Servos, error) { return servos, nil }))
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx, device.Params{"port": "/dev/ttyACM0", "id": "left"}))
	d := a.Diagnostics()
	assert.Equal(t, "/dev/ttyACM0", d["port"])
	assert.Equal(t, false, d["is_calibrated"])
	assert.Equal(t, true, d["torque_enabled"])

	err := a.EmergencyStop(ctx)
	assert.Error(t, err, "torque write failure is reported")
	assert.Equal(t, []string{"enable", "disable", "close"}, servos.calls, "bus closed even when the write fails")
	assert.False(t, a.IsConnected())
	assert.NoError(t, a.EmergencyStop(ctx))

	assert.Len(t, a.JointLimits(), 6)
	assert.Equal(t, robot.NormRange, a.JointLimits()["gripper.pos"])
}

func TestSO101_BadCalibrationIsConfigurationError(t *testing.T) {
	a := NewSO101(WithDialer(func(string, robot.Calibration) (robot.Servos, error) {
		t.Fatal("dial must not be reached")
		return nil, nil
	}))
	err := a.Connect(context.Background(), device.Params{
		"port":             "/dev/ttyACM0",
		"calibration_file": "/nonexistent/cal.json",
	})
	assert.ErrorIs(t, err, device.ErrConfiguration)

	err = a.Connect(context.Background(), device.Params{})
	assert.ErrorIs(t, err, device.ErrConfiguration, "port is required")
}

type fakeCAN struct {
	rx      chan *can.Frame
	written []*can.Frame
}

func (b *fakeCAN) Write(f *can.Frame) error {
	b.written = append(b.written, f)
	if f.ArbitrationID == 0x471 && f.Data[1] == 0x02 {
		for _, id := range []uint32{0x2A5, 0x2A6, 0x2A7, 0x2A8} {
			b.rx <- &can.Frame{ArbitrationID: id, DLC: 8}
		}
		// motor 2 reports its driver disabled
		b.rx <- &can.Frame{ArbitrationID: 0x261, DLC: 8, Data: [8]byte{5: 1 << 6}}
		b.rx <- &can.Frame{ArbitrationID: 0x262, DLC: 8}
	}
	return nil
}

func (b *fakeCAN) ReadChan() chan *can.Frame { return b.rx }
func (b *fakeCAN) Close() error              { return nil }

func TestPiper_DiagnosticsAndEmergencyStop(t *testing.T) {
	bus := &fakeCAN{rx: make(chan *can.Frame, 16)}
	p := NewPiper(WithCANOpener(func(string) (piper.Bus, error) { return bus, nil }))
	ctx := context.Background()

	require.NoError(t, p.Connect(ctx, device.Params{"can_name": "can1"}))
	assert.Equal(t, piper.JointLimits(), p.JointLimits())

	require.Eventually(t, func() bool {
		_, ok := p.Diagnostics().Fault()
		return ok
	}, time.Second, 5*time.Millisecond)
	fault, _ := p.Diagnostics().Fault()
	assert.Equal(t, "joint_2: driver disabled", fault)

	require.NoError(t, p.EmergencyStop(ctx))
	last := bus.written[len(bus.written)-2:]
	assert.Equal(t, uint32(0x471), last[0].ArbitrationID)
	assert.Equal(t, byte(0x01), last[0].Data[1])
	assert.Equal(t, uint32(0x159), last[1].ArbitrationID)
	assert.False(t, p.IsConnected())
}

// slowDriver blocks in Connect until release is closed.
type slowDriver struct {
	release   chan struct{}
	connected bool
}

func (d *slowDriver) Connect(ctx context.Context) error {
	<-d.release
	d.connected = true
	return nil
}
func (d *slowDriver) Disconnect(context.Context) error { return nil }
func (d *slowDriver) IsConnected() bool                { return d.connected }
func (d *slowDriver) Observation(context.Context) (map[string]float64, error) {
	return nil, nil
}
func (d *slowDriver) SendAction(_ context.Context, a map[string]float64) (map[string]float64, error) {
	return a, nil
}
func (d *slowDriver) ActionFeatures() []string      { return []string{"a"} }
func (d *slowDriver) ObservationFeatures() []string { return []string{"a"} }

func TestCore_ConnectDoesNotBlockReaders(t *testing.T) {
	drv := &slowDriver{release: make(chan struct{})}
	c := newCore("slow", func(context.Context, device.Params) (string, hw.Driver, error) {
		return "slow", drv, nil
	})

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), device.Params{}) }()

	read := make(chan device.Diagnostics, 1)
	go func() { read <- c.Diagnostics() }()
	select {
	case d := <-read:
		assert.Equal(t, device.StatusDisconnected, d.Status())
	case <-time.After(time.Second):
		t.Fatal("Diagnostics blocked behind a pending connect")
	}
	assert.False(t, c.IsConnected())
	assert.Empty(t, c.ActionNames())

	close(drv.release)
	require.NoError(t, <-done)
	assert.True(t, c.IsConnected())
}
