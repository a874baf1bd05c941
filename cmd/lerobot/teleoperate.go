package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/robot"
	"github.com/gwillem/lerobot-hal/pkg/teleop"
)

type TeleoperateCommand struct {
	Hz      int  `long:"hz" description:"Control loop frequency (default from config)"`
	Mirror  bool `long:"mirror" description:"Mirror mode: invert shoulder_pan and wrist_roll positions"`
	Monitor bool `long:"monitor" description:"Read state only, without a command source"`
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

var channelColors = []string{"196", "208", "226", "46", "51", "201", "33", "129"}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	estopStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("160")).Padding(0, 1)
	phaseStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

type teleopModel struct {
	ctrl      *teleop.Controller
	chart     *streamlinechart.Model
	channels  []string
	width     int
	height    int
	logs      []string
	quitting  bool
	snap      teleop.Snapshot
	lastState device.State
}

func (m *teleopModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// hasMovement checks if any channel has changed since the last state
func (m *teleopModel) hasMovement(state device.State) bool {
	if m.lastState == nil {
		return true
	}
	for ch, v := range state {
		if last, ok := m.lastState[ch]; !ok || v != last {
			return true
		}
	}
	return false
}

// Messages from the controller
type stateMsg teleop.Snapshot
type logMsg string

func waitForState(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ctrl.Logs())
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *teleopModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-legendHeight-footerHeight-borderSize, 10)
	return width, height
}

func (m *teleopModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

// yRange spans the adapter's joint limits, or the normalized SO-101 range.
func yRange(r device.Robot) (lo, hi float64) {
	lp, ok := r.(device.LimitProvider)
	if !ok || len(lp.JointLimits()) == 0 {
		return robot.NormRange.Min, robot.NormRange.Max
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, l := range lp.JointLimits() {
		lo, hi = math.Min(lo, l.Min), math.Max(hi, l.Max)
	}
	return lo, hi
}

func initialTeleopModel(ctrl *teleop.Controller) teleopModel {
	r := ctrl.Robot()
	lo, hi := yRange(r)
	chart := streamlinechart.New(80, 20, streamlinechart.WithYRange(lo, hi))

	channels := r.StateNames()
	sort.Strings(channels)
	for i, ch := range channels {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(channelColors[i%len(channelColors)]))
		chart.SetDataSetStyles(ch, runes.ThinLineStyle, style)
	}

	return teleopModel{
		ctrl:     ctrl,
		chart:    &chart,
		channels: channels,
		snap:     ctrl.Status(),
	}
}

func (m teleopModel) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.ctrl),
		waitForLog(m.ctrl),
	)
}

func (m teleopModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case " ", "e":
			m.ctrl.EmergencyStop()
		case "r":
			m.ctrl.ReleaseEStop()
		case "s":
			m.toggleSession()
		}
		return m, nil

	case stateMsg:
		m.snap = teleop.Snapshot(msg)
		if len(m.snap.State) > 0 && m.hasMovement(m.snap.State) {
			for ch, v := range m.snap.State {
				m.chart.PushDataSet(ch, v)
			}
			m.chart.DrawAll()
			m.lastState = m.snap.State
		}
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.ctrl)
	}

	return m, nil
}

func (m *teleopModel) toggleSession() {
	switch m.ctrl.Phase() {
	case teleop.Running:
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := m.ctrl.Stop(ctx); err != nil {
			m.addLog("Stop: " + err.Error())
		}
	case teleop.Connected, teleop.Stopped:
		if _, err := m.ctrl.Start(); err != nil {
			m.addLog("Start: " + err.Error())
		}
	}
}

func (m teleopModel) View() string {
	if m.quitting {
		return "Teleoperation stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("LeRobot Teleoperate"))
	sb.WriteString(fmt.Sprintf(" - %s - %d Hz ", m.snap.RobotType, m.ctrl.Hz()))
	sb.WriteString(phaseStyle.Render(m.snap.Phase.String()))
	if m.snap.EStop {
		sb.WriteString(" " + estopStyle.Render("E-STOP"))
	}
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(m.renderLegend())
	sb.WriteString("\n")
	if cams := m.ctrl.Cameras(); len(cams) > 0 {
		fps := make([]string, len(cams))
		for i, cam := range cams {
			fps[i] = cam.FormatFPS()
		}
		sb.WriteString(statusStyle.Render("cameras: " + strings.Join(fps, "  ")))
		sb.WriteString("\n")
	}

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20)).
		Foreground(lipgloss.Color("9")) // bright red

	lines := m.logs
	if m.snap.Warning != "" {
		lines = append(lines[:len(lines):len(lines)], m.snap.Warning)
	}
	var logLines string
	if len(lines) == 0 {
		logLines = statusStyle.Render("space: E-STOP  r: release  s: start/stop  q: quit")
	} else {
		logLines = strings.Join(lines, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func (m teleopModel) renderLegend() string {
	var items []string
	for i, ch := range m.channels {
		color := channelColors[i%len(channelColors)]
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+ch)
	}
	return strings.Join(items, "  ")
}

func (c *TeleoperateCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Robot.IsSet() {
		return fmt.Errorf("no robot configured in %s; run 'lerobot setup' first", opts.Config)
	}
	if !c.Monitor && !cfg.Teleop.IsSet() {
		return fmt.Errorf("no teleop configured in %s; use --monitor to only watch the robot", opts.Config)
	}
	if c.Hz > 0 {
		cfg.Hz = c.Hz
	}
	if c.Mirror {
		cfg.Invert = append(cfg.Invert,
			robot.Channel("", robot.ShoulderPan), robot.Channel("", robot.WristRoll))
	}

	rt := newRuntime(cfg)
	ctrl := rt.ctrl
	defer ctrl.Close()
	rt.openCameras(cfg)

	fmt.Printf("Connecting %s...\n", cfg.Robot.Type)
	h, err := ctrl.Connect(cfg.Robot.Type, cfg.Robot.Params)
	if err != nil {
		return err
	}
	if _, err := h.Wait(); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Robot.Type, err)
	}
	if !c.Monitor {
		if _, err := ctrl.AttachTeleop(cfg.Teleop.Type, cfg.Teleop.Params).Wait(); err != nil {
			return fmt.Errorf("connect %s: %w", cfg.Teleop.Type, err)
		}
	}
	if _, err := ctrl.Start(); err != nil {
		return err
	}

	p := tea.NewProgram(initialTeleopModel(ctrl), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run TUI: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ctrl.Stop(ctx)
	return nil
}
