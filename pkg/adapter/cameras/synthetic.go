package cameras

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/gwillem/lerobot-hal/pkg/device"
)

const SyntheticType = "synthetic"

// Synthetic renders a moving test pattern on every ReadFrame. Useful for
// exercising the camera path without hardware.
type Synthetic struct {
	now   func() time.Time
	meter *device.FPSMeter

	mu     sync.Mutex
	open   bool
	width  int
	height int
	seq    uint64
}

var _ device.Camera = (*Synthetic)(nil)

func NewSynthetic() *Synthetic {
	return &Synthetic{now: time.Now, meter: device.NewFPSMeter(nil)}
}

func (s *Synthetic) Open(ctx context.Context, params device.Params) error {
	w, err := params.Int("width", 320)
	if err != nil {
		return device.ConfigError(SyntheticType, "%v", err)
	}
	h, err := params.Int("height", 240)
	if err != nil {
		return device.ConfigError(SyntheticType, "%v", err)
	}
	if w <= 0 || h <= 0 {
		return device.ConfigError(SyntheticType, "invalid size %dx%d", w, h)
	}
	s.mu.Lock()
	s.open, s.width, s.height, s.seq = true, w, h, 0
	s.mu.Unlock()
	s.meter.Reset()
	return nil
}

func (s *Synthetic) Close() {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	s.meter.Reset()
}

func (s *Synthetic) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// ReadFrame draws a vertical bar that advances one column per frame.
func (s *Synthetic) ReadFrame(ctx context.Context) *device.Frame {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.seq++
	seq, w, h := s.seq, s.width, s.height
	s.mu.Unlock()

	img := image.NewGray(image.Rect(0, 0, w, h))
	bar := int(seq % uint64(w))
	for y := 0; y < h; y++ {
		img.SetGray(bar, y, color.Gray{Y: 255})
	}
	s.meter.Record()
	return &device.Frame{Image: img, Timestamp: s.now(), Seq: seq}
}

func (s *Synthetic) Params() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"type": SyntheticType, "device": "pattern", "width": s.width, "height": s.height}
}

func (s *Synthetic) FPSStats() device.FPSStats { return s.meter.Stats() }
