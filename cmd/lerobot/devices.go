package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gwillem/lerobot-hal/pkg/hw"
	"github.com/gwillem/lerobot-hal/pkg/robot"
)

type DevicesCommand struct {
	Scan bool `long:"scan" description:"Probe serial ports for SO-101 arms"`
}

func (c *DevicesCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt := newRuntime(cfg)
	defer rt.ctrl.Close()

	fmt.Println(headerStyle.Render("Robots"))
	for _, t := range rt.reg.RobotTypes() {
		line := "  " + t
		if f, ok := hw.Families.Lookup(t); ok {
			line += dimStyle.Render("  params: " + strings.Join(hw.FieldNames(f), ", "))
		}
		fmt.Println(line)
	}
	fmt.Println(headerStyle.Render("Teleoperators"))
	for _, t := range rt.reg.TeleopTypes() {
		fmt.Println("  " + t)
	}
	fmt.Println(headerStyle.Render("Cameras"))
	for _, t := range rt.reg.CameraTypes() {
		fmt.Println("  " + t)
	}

	fmt.Println(headerStyle.Render("Serial ports"))
	if !c.Scan {
		ports, err := robot.Ports()
		if err != nil {
			return err
		}
		for _, p := range ports {
			fmt.Println("  " + p)
		}
		return nil
	}
	arms, err := robot.Discover(context.Background())
	if err != nil {
		return err
	}
	if len(arms) == 0 {
		fmt.Println(dimStyle.Render("  no SO-101 arms found"))
	}
	for _, a := range arms {
		fmt.Printf("  %s  %s\n", a.Port, successStyle.Render(fmt.Sprintf("SO-101 (%d servos)", len(a.Servos))))
		a.Bus.Close()
	}
	return nil
}
