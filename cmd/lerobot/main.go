package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/gwillem/lerobot-hal/internal/logging"
	"github.com/gwillem/lerobot-hal/pkg/adapter"
	"github.com/gwillem/lerobot-hal/pkg/adapter/robots"
	"github.com/gwillem/lerobot-hal/pkg/registry"
	"github.com/gwillem/lerobot-hal/pkg/robot"
	"github.com/gwillem/lerobot-hal/pkg/safety"
	"github.com/gwillem/lerobot-hal/pkg/task"
	"github.com/gwillem/lerobot-hal/pkg/teleop"
)

type Options struct {
	Config   string `short:"c" long:"config" default:"lerobot.yaml" description:"Configuration file"`
	LogLevel string `long:"log-level" description:"Override the configured log level (debug, info, warn, error)"`

	Setup       SetupCommand       `command:"setup" description:"Scan for SO-101 arms, calibrate them and write the configuration"`
	Teleoperate TeleoperateCommand `command:"teleoperate" alias:"teleop" description:"Run a control session in the terminal"`
	Devices     DevicesCommand     `command:"devices" description:"List adapter types and serial ports"`
	Serve       ServeCommand       `command:"serve" description:"Serve the HTTP control surface"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "LeRobot - hardware abstraction and safe control loop for robot arms"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, falling back to defaults when it
// does not exist, and sets up logging from it.
func loadConfig() (*robot.Config, error) {
	cfg := robot.DefaultConfig()
	if _, err := os.Stat(opts.Config); err == nil {
		cfg, err = robot.LoadConfigFrom(opts.Config)
		if err != nil {
			return nil, err
		}
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	return cfg, nil
}

// runtime is the set of long-lived objects behind a control session.
type runtime struct {
	reg  *registry.Registry
	exec *task.Executor
	sig  *safety.Signal
	ctrl *teleop.Controller
}

func newRuntime(cfg *robot.Config) *runtime {
	reg := registry.Default()
	adapter.RegisterDefaults(reg, adapter.Options{StrictParams: cfg.StrictParams})
	exec := task.NewExecutor(cfg.Workers)
	sig := safety.NewSignal()
	ctrl := teleop.NewController(reg, exec, sig, teleop.Config{
		Hz:           cfg.Hz,
		Safety:       cfg.Safety,
		Invert:       cfg.Invert,
		RobotOptions: []robots.Option{robots.WithStrictParams(cfg.StrictParams)},
	})
	return &runtime{reg: reg, exec: exec, sig: sig, ctrl: ctrl}
}

// openCameras opens the configured cameras in the background. Failures
// show up on the controller's log channel.
func (rt *runtime) openCameras(cfg *robot.Config) {
	for name, cam := range cfg.Cameras {
		rt.ctrl.OpenCamera(name, cam.Type, cam.Params)
	}
}
