package robot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// Servos is the servo-level view of one arm. *Arm implements it.
type Servos interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	ReadPositions(ctx context.Context) (map[MotorName]float64, error)
	WritePositions(ctx context.Context, positions map[MotorName]float64) error
	Close() error
}

// Dialer opens the servos of an arm.
type Dialer func(port string, cal Calibration) (Servos, error)

// DialArm is the Dialer for real hardware.
func DialArm(port string, cal Calibration) (Servos, error) {
	arm, err := NewArm(port, cal)
	if err != nil {
		return nil, err
	}
	return arm, nil
}

// Arm is an SO-101 arm: six STS servos on one serial bus.
type Arm struct {
	bus         *feetech.Bus
	group       *feetech.ServoGroup
	calibration Calibration
}

// NewArm opens the bus on port and groups the calibrated servos.
func NewArm(port string, cal Calibration) (*Arm, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}
	return &Arm{
		bus:         bus,
		group:       feetech.NewServoGroupByIDs(bus, cal.MotorIDs()...),
		calibration: cal,
	}, nil
}

func (a *Arm) Close() error {
	return a.bus.Close()
}

// Enable turns torque on for all servos.
func (a *Arm) Enable(ctx context.Context) error {
	return a.group.EnableAll(ctx)
}

// Disable turns torque off for all servos with one sync write.
func (a *Arm) Disable(ctx context.Context) error {
	return a.group.DisableAll(ctx)
}

// EmergencyStop disables torque and closes the bus. The bus is closed even
// when the torque write fails.
func (a *Arm) EmergencyStop(ctx context.Context) error {
	return errors.Join(a.Disable(ctx), a.Close())
}

// ReadPositions sync-reads all servos and returns normalized positions.
func (a *Arm) ReadPositions(ctx context.Context) (map[MotorName]float64, error) {
	raw, err := a.group.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read positions: %w", err)
	}
	positions := make(map[MotorName]float64, len(raw))
	for id, r := range raw {
		name, cal, ok := a.calibration.ByID(id)
		if !ok {
			continue
		}
		positions[name] = cal.Normalize(r)
	}
	return positions, nil
}

// WritePositions sync-writes normalized targets. Motors without calibration
// are skipped.
func (a *Arm) WritePositions(ctx context.Context, positions map[MotorName]float64) error {
	raw := make(feetech.PositionMap, len(positions))
	for name, norm := range positions {
		cal, ok := a.calibration[name]
		if !ok {
			continue
		}
		raw[cal.ID] = cal.Denormalize(norm)
	}
	if err := a.group.SetPositions(ctx, raw); err != nil {
		return fmt.Errorf("write positions: %w", err)
	}
	return nil
}
