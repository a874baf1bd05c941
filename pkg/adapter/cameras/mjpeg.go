// Package cameras implements device.Camera for network MJPEG streams and a
// synthetic test pattern.
package cameras

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gwillem/lerobot-hal/internal/logging"
	"github.com/gwillem/lerobot-hal/pkg/device"
)

const (
	MJPEGType     = "mjpeg"
	reconnectWait = 500 * time.Millisecond
)

// MJPEG reads a multipart/x-mixed-replace JPEG stream over HTTP, as served
// by most IP cameras and mjpg-streamer. A plain image/jpeg URL is polled
// instead. The latest decoded frame is kept; decode errors drop the frame.
type MJPEG struct {
	client *http.Client
	now    func() time.Time
	log    *slog.Logger
	meter  *device.FPSMeter

	mu     sync.Mutex
	url    string
	fps    float64
	cancel context.CancelFunc
	done   chan struct{}
	latest *device.Frame
	seq    uint64
}

var _ device.Camera = (*MJPEG)(nil)

func NewMJPEG() *MJPEG {
	return &MJPEG{
		client: &http.Client{},
		now:    time.Now,
		log:    logging.For("camera").With("type", MJPEGType),
		meter:  device.NewFPSMeter(nil),
	}
}

// Open connects to params["url"]. The first response must succeed; after
// that the stream reconnects on its own until Close.
func (c *MJPEG) Open(ctx context.Context, params device.Params) error {
	url := params.String("url", "")
	if url == "" {
		return device.ConfigError(MJPEGType, "url is required")
	}
	fps, err := params.Float("fps", 30)
	if err != nil || fps <= 0 {
		return device.ConfigError(MJPEGType, "invalid fps %v", params["fps"])
	}
	timeout, err := params.Duration("timeout_ms", 5*time.Second)
	if err != nil {
		return device.ConfigError(MJPEGType, "%v", err)
	}

	c.Close()
	// The stream outlives Open's context; ctx and timeout only bound the
	// wait for response headers.
	runCtx, cancel := context.WithCancel(context.Background())
	stopCtx := context.AfterFunc(ctx, cancel)
	timer := time.AfterFunc(timeout, cancel)
	resp, err := c.get(runCtx, url)
	timer.Stop()
	stopCtx()
	if err == nil && runCtx.Err() != nil {
		resp.Body.Close()
		err = runCtx.Err()
	}
	if err != nil {
		cancel()
		return device.ConnectionError(MJPEGType, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.url, c.fps, c.cancel, c.done = url, fps, cancel, done
	c.latest, c.seq = nil, 0
	c.mu.Unlock()
	c.meter.Reset()

	go c.run(runCtx, resp, done)
	c.log.Info("camera opened", "url", url)
	return nil
}

func (c *MJPEG) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done, c.latest = nil, nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.meter.Reset()
}

func (c *MJPEG) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// ReadFrame returns the latest frame, or nil.
func (c *MJPEG) ReadFrame(ctx context.Context) *device.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

func (c *MJPEG) Params() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := map[string]any{"type": MJPEGType, "device": c.url, "fps": c.fps}
	if c.latest != nil {
		b := c.latest.Image.Bounds()
		p["width"], p["height"] = b.Dx(), b.Dy()
	}
	return p
}

func (c *MJPEG) FPSStats() device.FPSStats { return c.meter.Stats() }

func (c *MJPEG) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return resp, nil
}

func (c *MJPEG) run(ctx context.Context, resp *http.Response, done chan struct{}) {
	defer close(done)
	for {
		err := c.consume(ctx, resp)
		resp.Body.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Debug("stream ended", "err", err)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.interval()):
			}
			resp, err = c.get(ctx, c.url)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			c.log.Debug("reconnect failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectWait):
			}
		}
	}
}

func (c *MJPEG) interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(float64(time.Second) / c.fps)
}

// consume reads frames from one response until it ends.
func (c *MJPEG) consume(ctx context.Context, resp *http.Response) error {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		c.decode(resp.Body)
		return nil
	}
	mr := multipart.NewReader(resp.Body, params["boundary"])
	for ctx.Err() == nil {
		part, err := mr.NextPart()
		if err != nil {
			return err
		}
		c.decode(part)
		part.Close()
	}
	return ctx.Err()
}

func (c *MJPEG) decode(r io.Reader) {
	img, err := jpeg.Decode(r)
	if err != nil {
		c.log.Debug("drop frame", "err", err)
		return
	}
	c.store(img)
}

func (c *MJPEG) store(img image.Image) {
	c.mu.Lock()
	c.seq++
	c.latest = &device.Frame{Image: img, Timestamp: c.now(), Seq: c.seq}
	c.mu.Unlock()
	c.meter.Record()
}
