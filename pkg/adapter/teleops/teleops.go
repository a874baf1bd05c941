// Package teleops implements device.Teleoperator: leader arms moved by hand
// and a scripted sine source.
package teleops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gwillem/lerobot-hal/internal/logging"
	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/hw"
	"github.com/gwillem/lerobot-hal/pkg/hw/piper"
	"github.com/gwillem/lerobot-hal/pkg/robot"
)

// Type identifiers.
const (
	SO101LeaderType = "so101_leader"
	PiperLeaderType = "piper_leader"
)

// leader reads a hand-moved arm through an hw.Driver.
type leader struct {
	name   string
	log    *slog.Logger
	family hw.Family
	strict bool
	open   func(cfg any) hw.Driver

	mu  sync.Mutex
	drv hw.Driver
}

// NewSO101Leader returns a leader for an SO-101 arm with torque off. dial
// may be nil for real hardware.
func NewSO101Leader(dial robot.Dialer, strict bool) device.Teleoperator {
	if dial == nil {
		dial = robot.DialArm
	}
	return &leader{
		name:   SO101LeaderType,
		log:    logging.For("teleop").With("type", SO101LeaderType),
		strict: strict,
		family: hw.Family{Name: SO101LeaderType, NewConfig: func() any { return &robot.ArmConfig{} }},
		open: func(cfg any) hw.Driver {
			return robot.NewLeader(*cfg.(*robot.ArmConfig)).WithDialer(dial)
		},
	}
}

// NewPiperLeader returns a leader for a Piper teaching arm. opener may be
// nil for SocketCAN.
func NewPiperLeader(opener piper.Opener, strict bool) device.Teleoperator {
	if opener == nil {
		opener = piper.OpenSocketCAN
	}
	return &leader{
		name:   PiperLeaderType,
		log:    logging.For("teleop").With("type", PiperLeaderType),
		strict: strict,
		family: hw.Family{Name: PiperLeaderType, NewConfig: func() any { return piper.DefaultConfig() }},
		open: func(cfg any) hw.Driver {
			return piper.New(*cfg.(*piper.Config), piper.RoleLeader, piper.WithOpener(opener))
		},
	}
}

func (l *leader) Connect(ctx context.Context, params device.Params) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.drv != nil && l.drv.IsConnected() {
		return nil
	}
	params = params.Clone()
	params.Pop("_robot_type")
	cfg, dropped, err := hw.BuildConfig(l.family, params, l.strict)
	if err != nil {
		return err
	}
	if len(dropped) > 0 {
		l.log.Warn("ignoring unknown parameters", "params", strings.Join(dropped, ","))
	}
	drv := l.open(cfg)
	if err := drv.Connect(ctx); err != nil {
		return device.ConnectionError(l.name, err)
	}
	l.drv = drv
	return nil
}

func (l *leader) Disconnect(ctx context.Context) {
	l.mu.Lock()
	drv := l.drv
	l.drv = nil
	l.mu.Unlock()
	if drv == nil {
		return
	}
	if err := drv.Disconnect(ctx); err != nil {
		l.log.Warn("disconnect", "err", err)
	}
}

func (l *leader) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drv != nil && l.drv.IsConnected()
}

func (l *leader) GetAction(ctx context.Context) (device.Action, error) {
	l.mu.Lock()
	drv := l.drv
	l.mu.Unlock()
	if drv == nil {
		return nil, device.ErrNotConnected
	}
	obs, err := drv.Observation(ctx)
	if err != nil {
		return nil, err
	}
	return device.Action(obs), nil
}

func (l *leader) ActionNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.drv == nil {
		return nil
	}
	return l.drv.ObservationFeatures()
}

func (l *leader) Diagnostics() (d device.Diagnostics) {
	defer func() {
		if r := recover(); r != nil {
			d = device.Failed(fmt.Errorf("diagnostics: %v", r))
		}
	}()
	if !l.IsConnected() {
		return device.Disconnected()
	}
	return device.Diagnostics{device.DiagStatus: device.StatusConnected, "teleop_type": l.name}
}
