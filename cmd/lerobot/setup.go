package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"

	"github.com/gwillem/lerobot-hal/pkg/adapter/teleops"
	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type SetupCommand struct {
	LeaderCalibration   string `long:"leader-calibration" default:"leader.json" description:"Where to write the leader calibration"`
	FollowerCalibration string `long:"follower-calibration" default:"follower.json" description:"Where to write the follower calibration"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("LeRobot Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━"))
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	leader, follower, err := scanForArms()
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Calibrating Leader Arm ━━━"))
	fmt.Println()
	if err := calibrateArm(leader, "leader", c.LeaderCalibration); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Calibrating Follower Arm ━━━"))
	fmt.Println()
	if err := calibrateArm(follower, "follower", c.FollowerCalibration); err != nil {
		return err
	}

	cfg.Robot = robot.DeviceConfig{
		Type: robot.FollowerFamily,
		Params: device.Params{
			"port":             follower,
			"id":               "follower",
			"calibration_file": c.FollowerCalibration,
		},
	}
	cfg.Teleop = robot.DeviceConfig{
		Type: teleops.SO101LeaderType,
		Params: device.Params{
			"port":             leader,
			"id":               "leader",
			"calibration_file": c.LeaderCalibration,
		},
	}
	if err := cfg.SaveTo(opts.Config); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.Config)
	fmt.Println()
	fmt.Println("Start teleoperation with: " + headerStyle.Render("lerobot teleoperate"))
	return nil
}

// scanForArms finds the SO-101 arms and asks which is which. It returns
// their ports.
func scanForArms() (leader, follower string, err error) {
	fmt.Println("Scanning for robot arms...")
	fmt.Println()

	arms, err := robot.Discover(context.Background())
	if err != nil {
		return "", "", err
	}
	if len(arms) == 0 {
		return "", "", fmt.Errorf("no SO-101 arms found; make sure they are connected and powered on")
	}
	for _, a := range arms {
		fmt.Printf("  Found SO-101 arm on %s\n", a.Port)
	}
	fmt.Printf("Found %d arm(s). Let's identify them...\n\n", len(arms))

	for _, arm := range arms {
		if leader != "" && follower != "" {
			arm.Bus.Close()
			continue
		}
		switch identifyArmWithWiggle(arm, leader == "", follower == "") {
		case "leader":
			leader = arm.Port
		case "follower":
			follower = arm.Port
		}
	}

	fmt.Println()
	if leader == "" || follower == "" {
		return "", "", fmt.Errorf("both leader and follower are required for teleoperation")
	}

	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Arms identified:"))
	fmt.Printf("  Leader:   %s\n", leader)
	fmt.Printf("  Follower: %s\n", follower)
	return leader, follower, nil
}

// calibrateArm records each joint's range of motion and writes the
// calibration file.
func calibrateArm(port, armName, path string) error {
	fmt.Printf("Calibrating %s arm on %s\n", armName, port)
	fmt.Println()

	ctx := context.Background()
	bus, servos, err := robot.Probe(ctx, port)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", port, err)
	}
	defer bus.Close()

	servoMap := make(map[int]*feetech.Servo)
	for _, s := range servos {
		servoMap[s.ID] = feetech.NewServo(bus, s.ID, s.Model)
	}
	// Torque off so the arm can be moved by hand.
	for _, servo := range servoMap {
		servo.Disable(ctx)
	}

	fmt.Println(subHeaderStyle.Render("Record range of motion"))
	fmt.Println("Move each joint to its minimum AND maximum positions.")
	fmt.Println("Explore the full range of motion for all joints.")
	fmt.Println()

	motors := robot.AllMotors()
	curPositions := make(map[robot.MotorName]int)
	minPositions := make(map[robot.MotorName]int)
	maxPositions := make(map[robot.MotorName]int)
	for i, name := range motors {
		pos, _ := servoMap[i+1].Position(ctx)
		curPositions[name], minPositions[name], maxPositions[name] = pos, pos, pos
	}

	model := newCalibrationModel(motors, servoMap, curPositions, minPositions, maxPositions)
	finalModel, err := tea.NewProgram(model).Run()
	if err != nil {
		return fmt.Errorf("run calibration: %w", err)
	}
	cm := finalModel.(calibrationModel)

	calibration := make(robot.Calibration)
	for i, name := range motors {
		calibration[name] = robot.MotorCalibration{
			ID:       i + 1,
			RangeMin: cm.minPositions[name],
			RangeMax: cm.maxPositions[name],
		}
	}
	if err := calibration.Validate(); err != nil {
		return fmt.Errorf("%s arm: %w (move every joint through its range)", armName, err)
	}
	if err := calibration.Save(path); err != nil {
		return err
	}
	fmt.Println()
	fmt.Printf("%s arm calibrated, saved to %s.\n", strings.ToUpper(armName[:1])+armName[1:], path)
	return nil
}

func identifyArmWithWiggle(arm robot.Found, needLeader, needFollower bool) string {
	defer arm.Bus.Close()

	ctx := context.Background()

	// Servo ID 1 (shoulder_pan) does the wiggle
	var servo *feetech.Servo
	for _, s := range arm.Servos {
		if s.ID == 1 {
			servo = feetech.NewServo(arm.Bus, s.ID, s.Model)
			break
		}
	}
	if servo == nil {
		return ""
	}

	originalPos, err := servo.Position(ctx)
	if err != nil {
		fmt.Printf("  Error reading position: %v\n", err)
		return ""
	}
	if err := servo.Enable(ctx); err != nil {
		fmt.Printf("  Error enabling servo: %v\n", err)
		return ""
	}

	fmt.Printf("\n  Wiggling arm on %s...\n", arm.Port)

	const wiggleAmount, moveTimeMs = 30, 500
	for _, pos := range []int{originalPos + wiggleAmount, originalPos - wiggleAmount, originalPos} {
		servo.SetPositionWithTime(ctx, pos, moveTimeMs)
		time.Sleep(time.Duration(moveTimeMs+100) * time.Millisecond)
	}
	servo.Disable(ctx)

	var options []huh.Option[string]
	if needLeader {
		options = append(options, huh.NewOption("Leader (the one you move by hand)", "leader"))
	}
	if needFollower {
		options = append(options, huh.NewOption("Follower (the one that follows)", "follower"))
	}
	options = append(options, huh.NewOption("Skip this arm", "skip"))

	var role string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Which arm is on %s?", arm.Port)).
				Description("The arm that just wiggled").
				Options(options...).
				Value(&role),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	if role == "skip" {
		return ""
	}
	return role
}

// Calibration TUI model
type calibrationModel struct {
	motors       []robot.MotorName
	servoMap     map[int]*feetech.Servo
	curPositions map[robot.MotorName]int
	minPositions map[robot.MotorName]int
	maxPositions map[robot.MotorName]int
	quitting     bool
}

type tickMsg time.Time

func newCalibrationModel(
	motors []robot.MotorName,
	servoMap map[int]*feetech.Servo,
	curPositions, minPositions, maxPositions map[robot.MotorName]int,
) calibrationModel {
	return calibrationModel{
		motors:       motors,
		servoMap:     servoMap,
		curPositions: curPositions,
		minPositions: minPositions,
		maxPositions: maxPositions,
	}
}

func (m calibrationModel) Init() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		// Read positions from servos
		ctx := context.Background()
		for i, motorName := range m.motors {
			servoID := i + 1
			servo := m.servoMap[servoID]
			pos, err := servo.Position(ctx)
			if err != nil {
				continue
			}
			m.curPositions[motorName] = pos
			if pos < m.minPositions[motorName] {
				m.minPositions[motorName] = pos
			}
			if pos > m.maxPositions[motorName] {
				m.maxPositions[motorName] = pos
			}
		}
		return m, tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
			return tickMsg(t)
		})
	}

	return m, nil
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder

	// Table styles
	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableMotorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableCurrentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableRangeGoodStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	tableRangeLowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	rows := make([][]string, 0, len(m.motors))
	ranges := make([]int, 0, len(m.motors))
	for _, motorName := range m.motors {
		rangeSize := m.maxPositions[motorName] - m.minPositions[motorName]
		ranges = append(ranges, rangeSize)
		rows = append(rows, []string{
			string(motorName),
			fmt.Sprintf("%d", m.curPositions[motorName]),
			fmt.Sprintf("%d", m.minPositions[motorName]),
			fmt.Sprintf("%d", m.maxPositions[motorName]),
			fmt.Sprintf("%d", rangeSize),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Motor", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 0:
				return tableMotorStyle
			case 1:
				return tableCurrentStyle
			case 4:
				if row >= 0 && row < len(ranges) && ranges[row] > 500 {
					return tableRangeGoodStyle
				}
				return tableRangeLowStyle
			default:
				return tableCellStyle
			}
		})

	sb.WriteString(t.Render())
	sb.WriteString("\n\n")
	sb.WriteString(dimStyle.Render("Press Enter when done"))

	return sb.String()
}
