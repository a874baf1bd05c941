// Package lerobot drives heterogeneous robot arms, teleoperation rigs and
// cameras through one device contract, with a safety filter between every
// command source and every actuator.
//
// # Installation
//
//	go install github.com/gwillem/lerobot-hal/cmd/lerobot@latest
//
// # Usage
//
// Detect and calibrate a pair of SO-101 arms, writing lerobot.yaml:
//
//	lerobot setup
//
// Run a session in the terminal (space engages the emergency stop):
//
//	lerobot teleoperate
//
// Or expose the controller over HTTP:
//
//	lerobot serve --listen 127.0.0.1:8088
//
// # Packages
//
//   - cmd/lerobot: CLI with setup, teleoperate, devices and serve commands
//   - pkg/device: adapter contract, error taxonomy, diagnostics
//   - pkg/registry: device type to adapter constructor lookup
//   - pkg/adapter: robot, camera and teleoperator adapters
//   - pkg/hw: hardware families (simulated, Modbus gripper, Piper over CAN)
//   - pkg/robot: SO-101 arms, calibration and the configuration file
//   - pkg/safety: safety filter and emergency-stop signal
//   - pkg/task: worker pool for connect and disconnect
//   - pkg/teleop: control loop
package lerobot
