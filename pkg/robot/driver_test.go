package robot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/hw"
)

type fakeServos struct {
	port    string
	enabled bool
	closed  bool
	calls   []string
	pos     map[MotorName]float64
	written map[MotorName]float64
}

func (f *fakeServos) Enable(context.Context) error {
	f.calls = append(f.calls, "enable")
	f.enabled = true
	return nil
}

func (f *fakeServos) Disable(context.Context) error {
	f.calls = append(f.calls, "disable")
	f.enabled = false
	return nil
}

func (f *fakeServos) ReadPositions(context.Context) (map[MotorName]float64, error) {
	return f.pos, nil
}

func (f *fakeServos) WritePositions(_ context.Context, p map[MotorName]float64) error {
	f.written = p
	return nil
}

func (f *fakeServos) Close() error {
	f.calls = append(f.calls, "close")
	f.closed = true
	return nil
}

func fakeDialer(opened map[string]*fakeServos, fail string) Dialer {
	return func(port string, cal Calibration) (Servos, error) {
		if port == fail {
			return nil, errors.New("no such device")
		}
		s := &fakeServos{port: port, pos: map[MotorName]float64{Gripper: 12.5}}
		opened[port] = s
		return s, nil
	}
}

func TestArmDriver_FollowerLifecycle(t *testing.T) {
	opened := map[string]*fakeServos{}
	d := NewFollower(ArmConfig{Port: "/dev/a"}, "").WithDialer(fakeDialer(opened, ""))
	ctx := context.Background()

	require.NoError(t, d.Connect(ctx))
	s := opened["/dev/a"]
	assert.True(t, s.enabled)

	obs, err := d.Observation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.5, obs["gripper.pos"])

	applied, err := d.SendAction(ctx, map[string]float64{"gripper.pos": 150, "elbow_flex.pos": -20, "other": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"gripper.pos": 100, "elbow_flex.pos": -20}, applied)
	assert.Equal(t, map[MotorName]float64{Gripper: 100, ElbowFlex: -20}, s.written)

	require.NoError(t, d.EmergencyStop(ctx))
	assert.Equal(t, []string{"enable", "disable", "close"}, s.calls)
	assert.False(t, d.IsConnected())
	assert.NoError(t, d.EmergencyStop(ctx), "second emergency stop is a no-op")

	_, err = d.Observation(ctx)
	assert.ErrorIs(t, err, device.ErrNotConnected)
}

func TestArmDriver_LeaderKeepsTorqueOff(t *testing.T) {
	opened := map[string]*fakeServos{}
	d := NewLeader(ArmConfig{Port: "/dev/l"}).WithDialer(fakeDialer(opened, ""))
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))
	assert.False(t, opened["/dev/l"].enabled)
	assert.Empty(t, d.ActionFeatures())

	_, err := d.SendAction(ctx, map[string]float64{"gripper.pos": 1})
	assert.Error(t, err)

	require.NoError(t, d.Disconnect(ctx))
	assert.Equal(t, []string{"disable", "close"}, opened["/dev/l"].calls)
}

func TestBimanual_ConnectRollsBack(t *testing.T) {
	opened := map[string]*fakeServos{}
	b := NewBimanual(BimanualConfig{LeftArm: ArmConfig{Port: "/dev/l"}, RightArm: ArmConfig{Port: "/dev/r"}})
	b.Left.WithDialer(fakeDialer(opened, "/dev/r"))
	b.Right.WithDialer(fakeDialer(opened, "/dev/r"))

	err := b.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, b.Left.IsConnected())
	assert.True(t, opened["/dev/l"].closed)
}

func TestBimanual_PrefixedChannels(t *testing.T) {
	opened := map[string]*fakeServos{}
	b := NewBimanual(BimanualConfig{LeftArm: ArmConfig{Port: "/dev/l"}, RightArm: ArmConfig{Port: "/dev/r"}})
	b.Left.WithDialer(fakeDialer(opened, ""))
	b.Right.WithDialer(fakeDialer(opened, ""))
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))

	obs, err := b.Observation(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"left_gripper.pos": 12.5, "right_gripper.pos": 12.5}, obs)

	_, err = b.SendAction(ctx, map[string]float64{"right_wrist_roll.pos": 5})
	require.NoError(t, err)
	assert.Nil(t, opened["/dev/l"].written)
	assert.Equal(t, map[MotorName]float64{WristRoll: 5}, opened["/dev/r"].written)
	assert.Len(t, b.JointLimits(), 12)
}

func TestFamilies_BimanualDottedParams(t *testing.T) {
	f, ok := hw.Families.Lookup(BimanualFamily)
	require.True(t, ok)

	cfg, dropped, err := hw.BuildConfig(f, map[string]any{
		"left_arm.port":  "/dev/ttyACM0",
		"right_arm.port": "/dev/ttyACM1",
		"left_arm.speed": 3,
	}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"left_arm.speed"}, dropped)
	bc := cfg.(*BimanualConfig)
	assert.Equal(t, "/dev/ttyACM0", bc.LeftArm.Port)
	assert.Equal(t, "/dev/ttyACM1", bc.RightArm.Port)

	_, _, err = hw.BuildConfig(f, map[string]any{"left_arm.port": "/dev/x", "right_arm.port": "/dev/x"}, false)
	assert.ErrorIs(t, err, device.ErrConfiguration)
}
