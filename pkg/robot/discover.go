package robot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial"
)

// Found is an SO-101 arm detected on a serial port. The bus stays open; the
// caller must close it.
type Found struct {
	Port   string
	Servos []feetech.FoundServo
	Bus    *feetech.Bus
}

// Ports lists serial ports, skipping macOS Bluetooth pseudo-ports.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	out := ports[:0]
	for _, p := range ports {
		if strings.Contains(p, "Bluetooth") {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Discover probes every serial port for an SO-101 arm.
func Discover(ctx context.Context) ([]Found, error) {
	ports, err := Ports()
	if err != nil {
		return nil, err
	}
	var arms []Found
	for _, port := range ports {
		bus, servos, err := Probe(ctx, port)
		if err != nil {
			continue
		}
		arms = append(arms, Found{Port: port, Servos: servos, Bus: bus})
	}
	return arms, nil
}

// Probe opens port and scans for servo IDs 1-6.
func Probe(ctx context.Context, port string) (*feetech.Bus, []feetech.FoundServo, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return nil, nil, err
	}
	servos, err := bus.Scan(ctx, 1, 6)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}
	if !IsSOArm(servos) {
		bus.Close()
		return nil, nil, fmt.Errorf("%s: not an SO-101 arm (expected 6 servos with IDs 1-6)", port)
	}
	return bus, servos, nil
}

// IsSOArm reports whether servos are exactly IDs 1-6.
func IsSOArm(servos []feetech.FoundServo) bool {
	if len(servos) != 6 {
		return false
	}
	ids := make(map[int]bool, 6)
	for _, s := range servos {
		ids[s.ID] = true
	}
	for i := 1; i <= 6; i++ {
		if !ids[i] {
			return false
		}
	}
	return true
}
