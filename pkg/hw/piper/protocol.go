package piper

import (
	"encoding/binary"
	"math"

	"github.com/angelodlfrtr/go-can"
)

// Arbitration IDs.
const (
	idMotionCtrl  = 0x151
	idJointCtrl12 = 0x155
	idJointCtrl34 = 0x156
	idJointCtrl56 = 0x157
	idGripperCtrl = 0x159
	idMotorEnable = 0x471

	idJointFb12 = 0x2A5
	idJointFb34 = 0x2A6
	idJointFb56 = 0x2A7
	idGripperFb = 0x2A8

	idDriverInfo1 = 0x261 // through 0x266, one per motor
)

const (
	ctrlModeCAN = 0x01
	moveModeJ   = 0x01

	allMotors     = 7
	motorDisable  = 0x01
	motorEnable   = 0x02
	gripperEnable = 0x01
	// gripperDisableClear disables the gripper and clears its error state.
	gripperDisableClear = 0x02

	gripperEffort = 1000 // 0.001 N·m
	focDriverOn   = 1 << 6
)

func frame(id uint32, data [8]byte) *can.Frame {
	return &can.Frame{ArbitrationID: id, DLC: 8, Data: data}
}

func motionModeFrame(speedRate int) *can.Frame {
	return frame(idMotionCtrl, [8]byte{ctrlModeCAN, moveModeJ, byte(speedRate)})
}

func motorEnableFrame(enable bool) *can.Frame {
	code := byte(motorDisable)
	if enable {
		code = motorEnable
	}
	return frame(idMotorEnable, [8]byte{allMotors, code})
}

// jointFrame packs two joint angles in radians as big-endian int32 values in
// units of 0.001 degree.
func jointFrame(id uint32, a, b float64) *can.Frame {
	var d [8]byte
	binary.BigEndian.PutUint32(d[0:4], uint32(radToMilliDeg(a)))
	binary.BigEndian.PutUint32(d[4:8], uint32(radToMilliDeg(b)))
	return frame(id, d)
}

// gripperFrame packs an opening in metres as int32 micrometres.
func gripperFrame(width float64, code byte) *can.Frame {
	var d [8]byte
	binary.BigEndian.PutUint32(d[0:4], uint32(int32(math.Round(width*1e6))))
	binary.BigEndian.PutUint16(d[4:6], gripperEffort)
	d[6] = code
	return frame(idGripperCtrl, d)
}

func radToMilliDeg(rad float64) int32 {
	return int32(math.Round(rad * 180 / math.Pi * 1000))
}

func milliDegToRad(v int32) float64 {
	return float64(v) / 1000 * math.Pi / 180
}

func decodePair(d [8]byte) (float64, float64) {
	a := int32(binary.BigEndian.Uint32(d[0:4]))
	b := int32(binary.BigEndian.Uint32(d[4:8]))
	return milliDegToRad(a), milliDegToRad(b)
}

func decodeGripper(d [8]byte) float64 {
	return float64(int32(binary.BigEndian.Uint32(d[0:4]))) / 1e6
}
