package robot

import (
	"encoding/json"
	"fmt"
	"os"
)

// MotorCalibration maps one servo's raw 12-bit range onto [-100, 100].
type MotorCalibration struct {
	ID           int `json:"id" yaml:"id"`
	DriveMode    int `json:"drive_mode" yaml:"drive_mode"`
	HomingOffset int `json:"homing_offset" yaml:"homing_offset"`
	RangeMin     int `json:"range_min" yaml:"range_min"`
	RangeMax     int `json:"range_max" yaml:"range_max"`
}

// Calibration holds per-motor calibration keyed by motor name.
type Calibration map[MotorName]MotorCalibration

// DefaultCalibration spans the full raw range of every servo, IDs 1-6.
func DefaultCalibration() Calibration {
	cal := make(Calibration, 6)
	for i, m := range AllMotors() {
		cal[m] = MotorCalibration{ID: i + 1, RangeMin: 0, RangeMax: 4095}
	}
	return cal
}

// LoadCalibration reads a calibration JSON file.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}
	var cal Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("parse calibration JSON: %w", err)
	}
	if err := cal.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cal, nil
}

// Save writes the calibration as indented JSON.
func (c Calibration) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that every motor has a non-empty range and a unique ID.
func (c Calibration) Validate() error {
	seen := make(map[int]MotorName, len(c))
	for name, mc := range c {
		if mc.RangeMax <= mc.RangeMin {
			return fmt.Errorf("motor %s: empty range %d..%d", name, mc.RangeMin, mc.RangeMax)
		}
		if other, dup := seen[mc.ID]; dup {
			return fmt.Errorf("motors %s and %s share servo ID %d", other, name, mc.ID)
		}
		seen[mc.ID] = name
	}
	return nil
}

// Normalize converts a raw servo position to [-100, 100].
func (c MotorCalibration) Normalize(raw int) float64 {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	if rangeSize == 0 {
		return 0
	}
	return (float64(raw-c.RangeMin)/rangeSize)*200 - 100
}

// Denormalize converts a value in [-100, 100] to a raw servo position. Values
// outside the range are clamped first.
func (c MotorCalibration) Denormalize(norm float64) int {
	norm = NormRange.Clamp(norm)
	rangeSize := float64(c.RangeMax - c.RangeMin)
	return int((norm+100)/200*rangeSize) + c.RangeMin
}

// MotorIDs returns the servo IDs in motor order.
func (c Calibration) MotorIDs() []int {
	ids := make([]int, 0, len(c))
	for _, name := range AllMotors() {
		if mc, ok := c[name]; ok {
			ids = append(ids, mc.ID)
		}
	}
	return ids
}

// ByID returns the motor name and calibration for a servo ID.
func (c Calibration) ByID(id int) (MotorName, MotorCalibration, bool) {
	for name, mc := range c {
		if mc.ID == id {
			return name, mc, true
		}
	}
	return "", MotorCalibration{}, false
}
