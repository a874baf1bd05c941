package adapter

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/lerobot-hal/pkg/adapter/robots"
	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/registry"
)

func TestRegisterDefaults(t *testing.T) {
	reg := registry.New()
	RegisterDefaults(reg, Options{})

	want := []string{"bi_so101_follower", "modbus_gripper", "piper_follower", "sim_follower", "so101_follower"}
	if diff := cmp.Diff(want, reg.RobotTypes()); diff != "" {
		t.Errorf("robot types (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"mjpeg", "synthetic"}, reg.CameraTypes())
	assert.Equal(t, []string{"piper_leader", "sine", "so101_leader"}, reg.TeleopTypes())

	newSO101, _ := reg.Robot("so101_follower")
	assert.IsType(t, &robots.SO101{}, newSO101())
	newPiper, _ := reg.Robot("piper_follower")
	assert.IsType(t, &robots.Piper{}, newPiper())
	newSim, _ := reg.Robot("sim_follower")
	assert.IsType(t, &robots.Generic{}, newSim())
}

func TestRegisterDefaults_GenericIsBoundToItsFamily(t *testing.T) {
	reg := registry.New()
	RegisterDefaults(reg, Options{})

	newSim, ok := reg.Robot("sim_follower")
	require.True(t, ok)
	r := newSim()
	ctx := context.Background()
	require.NoError(t, r.Connect(ctx, device.Params{}))
	defer r.Disconnect(ctx)
	assert.Equal(t, "sim_follower", r.Diagnostics()[device.DiagRobotType])
}
