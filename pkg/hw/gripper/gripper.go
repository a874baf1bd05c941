// Package gripper drives Robotiq-style adaptive grippers over Modbus RTU or
// Modbus TCP.
package gripper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/hw"
)

const FamilyName = "modbus_gripper"

// Register map.
const (
	regCommand = 1000
	regStatus  = 2000

	actActivate = 0x01
	actGoTo     = 0x08
)

// Channel names.
const (
	ChannelPos     = "gripper.pos"
	ChannelCurrent = "gripper.current"
)

// Config configures a gripper. Exactly one of Address (Modbus TCP, host:port)
// or Port (serial device, Modbus RTU) must be set.
type Config struct {
	Address   string `yaml:"address"`
	Port      string `yaml:"port"`
	BaudRate  int    `yaml:"baud_rate"`
	SlaveID   int    `yaml:"slave_id"`
	TimeoutMs int    `yaml:"timeout_ms"`
	Speed     int    `yaml:"speed"`
	Force     int    `yaml:"force"`
}

func DefaultConfig() *Config {
	return &Config{
		BaudRate:  115200,
		SlaveID:   9,
		TimeoutMs: 500,
		Speed:     255,
		Force:     150,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.Address == "" && c.Port == "":
		return errors.New("one of address or port is required")
	case c.Address != "" && c.Port != "":
		return errors.New("address and port are mutually exclusive")
	case c.SlaveID < 0 || c.SlaveID > 247:
		return fmt.Errorf("slave_id %d out of range", c.SlaveID)
	case c.Speed < 0 || c.Speed > 255 || c.Force < 0 || c.Force > 255:
		return errors.New("speed and force must be within 0..255")
	}
	return nil
}

func (c *Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// client is the subset of modbus.Client the gripper uses.
type client interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

type dialFunc func(cfg *Config) (client, io.Closer, error)

// dial opens a Modbus connection for cfg.
func dial(cfg *Config) (client, io.Closer, error) {
	if cfg.Address != "" {
		h := modbus.NewTCPClientHandler(cfg.Address)
		h.Timeout = cfg.timeout()
		h.SlaveId = byte(cfg.SlaveID)
		if err := h.Connect(); err != nil {
			return nil, nil, err
		}
		return modbus.NewClient(h), h, nil
	}
	h := modbus.NewRTUClientHandler(cfg.Port)
	h.BaudRate = cfg.BaudRate
	h.DataBits = 8
	h.Parity = "N"
	h.StopBits = 1
	h.SlaveId = byte(cfg.SlaveID)
	h.Timeout = cfg.timeout()
	if err := h.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(h), h, nil
}

// Gripper is a Modbus gripper driver. Positions are normalized to [0, 100]
// where 0 is fully open.
type Gripper struct {
	cfg  Config
	dial dialFunc

	mu     sync.Mutex
	client client
	closer io.Closer
}

func New(cfg Config) *Gripper {
	return &Gripper{cfg: cfg, dial: dial}
}

func init() {
	hw.Families.Register(hw.Family{
		Name:      FamilyName,
		NewConfig: func() any { return DefaultConfig() },
		Open: func(cfg any) (hw.Driver, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, fmt.Errorf("gripper: unexpected config %T", cfg)
			}
			return New(*c), nil
		},
	})
}

// Connect opens the bus and activates the gripper. Activation requires the
// action register to be cleared first.
func (g *Gripper) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, closer, err := g.dial(&g.cfg)
	if err != nil {
		return fmt.Errorf("open modbus: %w", err)
	}
	if _, err := c.WriteMultipleRegisters(regCommand, 3, make([]byte, 6)); err != nil {
		closer.Close()
		return fmt.Errorf("reset gripper: %w", err)
	}
	if _, err := c.WriteMultipleRegisters(regCommand, 3, []byte{actActivate, 0, 0, 0, 0, 0}); err != nil {
		closer.Close()
		return fmt.Errorf("activate gripper: %w", err)
	}
	g.client, g.closer = c, closer
	return nil
}

func (g *Gripper) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closer == nil {
		return nil
	}
	err := g.closer.Close()
	g.client, g.closer = nil, nil
	return err
}

func (g *Gripper) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.client != nil
}

// Observation reads the status registers. Byte 4 holds the position echo and
// byte 5 the motor current in units of 10 mA.
func (g *Gripper) Observation(ctx context.Context) (map[string]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil, device.ErrNotConnected
	}
	regs, err := g.client.ReadHoldingRegisters(regStatus, 3)
	if err != nil {
		return nil, device.TransientError(FamilyName, err)
	}
	if len(regs) < 6 {
		return nil, device.TransientError(FamilyName, fmt.Errorf("short status read: %d bytes", len(regs)))
	}
	return map[string]float64{
		ChannelPos:     fromByte(regs[4]),
		ChannelCurrent: float64(regs[5]) * 10,
	}, nil
}

// SendAction moves the gripper to the requested position. The returned value
// is the quantized position actually commanded.
func (g *Gripper) SendAction(ctx context.Context, action map[string]float64) (map[string]float64, error) {
	target, ok := action[ChannelPos]
	if !ok {
		return map[string]float64{}, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil, device.ErrNotConnected
	}
	pos := toByte(target)
	cmd := []byte{actActivate | actGoTo, 0, 0, pos, byte(g.cfg.Speed), byte(g.cfg.Force)}
	if _, err := g.client.WriteMultipleRegisters(regCommand, 3, cmd); err != nil {
		return nil, device.TransientError(FamilyName, err)
	}
	return map[string]float64{ChannelPos: fromByte(pos)}, nil
}

func (g *Gripper) ActionFeatures() []string { return []string{ChannelPos} }

func (g *Gripper) ObservationFeatures() []string {
	return []string{ChannelPos, ChannelCurrent}
}

func toByte(v float64) byte {
	v = math.Max(0, math.Min(100, v))
	return byte(math.Round(v * 255 / 100))
}

func fromByte(b byte) float64 {
	return math.Round(float64(b)*1000/255) / 10
}
