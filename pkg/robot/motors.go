// Package robot drives SO-101 arms built from Feetech STS servos and holds
// the application configuration.
package robot

import (
	"strings"

	"github.com/gwillem/lerobot-hal/pkg/device"
)

// MotorName identifies a motor in the arm.
type MotorName string

// Motor names for the SO-101 arm, in servo ID order 1-6.
const (
	ShoulderPan  MotorName = "shoulder_pan"
	ShoulderLift MotorName = "shoulder_lift"
	ElbowFlex    MotorName = "elbow_flex"
	WristFlex    MotorName = "wrist_flex"
	WristRoll    MotorName = "wrist_roll"
	Gripper      MotorName = "gripper"
)

// NormRange is the normalized position range of every joint.
var NormRange = device.Range{Min: -100, Max: 100}

// AllMotors returns all motor names in servo ID order.
func AllMotors() []MotorName {
	return []MotorName{ShoulderPan, ShoulderLift, ElbowFlex, WristFlex, WristRoll, Gripper}
}

// Channel returns the position channel of motor m, e.g. "left_gripper.pos"
// for prefix "left_".
func Channel(prefix string, m MotorName) string {
	return prefix + string(m) + ".pos"
}

// MotorFromChannel is the inverse of Channel.
func MotorFromChannel(prefix, ch string) (MotorName, bool) {
	name, ok := strings.CutSuffix(ch, ".pos")
	if !ok {
		return "", false
	}
	name, ok = strings.CutPrefix(name, prefix)
	if !ok {
		return "", false
	}
	for _, m := range AllMotors() {
		if string(m) == name {
			return m, true
		}
	}
	return "", false
}

// Channels returns the position channels of all motors.
func Channels(prefix string) []string {
	out := make([]string, 0, 6)
	for _, m := range AllMotors() {
		out = append(out, Channel(prefix, m))
	}
	return out
}
