package teleop

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/task"
)

// cameraPollHz is the rate at which open cameras are read.
const cameraPollHz = 30

// ErrUnknownCamera is returned for a camera name that is not open.
var ErrUnknownCamera = errors.New("unknown camera")

type camera struct {
	name   string
	typeID string
	cam    device.Camera
	cancel context.CancelFunc
	done   chan struct{}
	latest *device.Frame
}

// CameraStatus describes one open camera.
type CameraStatus struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Open   bool            `json:"open"`
	Params map[string]any  `json:"params"`
	FPS    device.FPSStats `json:"fps"`
}

// OpenCamera opens a camera on the worker pool and polls it until
// CloseCamera or Close. An open camera with the same name is replaced.
func (c *Controller) OpenCamera(name, typeID string, params device.Params) *task.Handle {
	params = params.Clone()
	return c.exec.Submit("camera:"+name, func(ctx context.Context) (any, error) {
		ctor, ok := c.reg.Camera(typeID)
		if !ok {
			return nil, errors.WithStack(device.ConfigError(typeID, "unknown camera type"))
		}
		cam := ctor()
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := cam.Open(ctx, params); err != nil {
			c.log("Camera %s failed: %v", name, err)
			return nil, errors.WithStack(err)
		}

		pollCtx, stop := context.WithCancel(context.Background())
		cc := &camera{name: name, typeID: typeID, cam: cam, cancel: stop, done: make(chan struct{})}
		c.camMu.Lock()
		old := c.cameras[name]
		c.cameras[name] = cc
		c.camMu.Unlock()
		if old != nil {
			old.close()
		}

		go c.pollCamera(pollCtx, cc)
		c.slog.Info("camera opened", "name", name, "type", typeID)
		c.log("Camera %s opened", name)
		return cam.Params(), nil
	})
}

// CloseCamera stops polling and closes the named camera.
func (c *Controller) CloseCamera(name string) error {
	c.camMu.Lock()
	cc := c.cameras[name]
	delete(c.cameras, name)
	c.camMu.Unlock()
	if cc == nil {
		return errors.Wrap(ErrUnknownCamera, name)
	}
	cc.close()
	c.log("Camera %s closed", name)
	return nil
}

// Cameras reports every open camera, sorted by name.
func (c *Controller) Cameras() []CameraStatus {
	c.camMu.Lock()
	cams := make([]*camera, 0, len(c.cameras))
	for _, cc := range c.cameras {
		cams = append(cams, cc)
	}
	c.camMu.Unlock()

	out := make([]CameraStatus, 0, len(cams))
	for _, cc := range cams {
		out = append(out, cc.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Camera reports one open camera.
func (c *Controller) Camera(name string) (CameraStatus, error) {
	c.camMu.Lock()
	cc := c.cameras[name]
	c.camMu.Unlock()
	if cc == nil {
		return CameraStatus{}, errors.Wrap(ErrUnknownCamera, name)
	}
	return cc.status(), nil
}

// LatestFrame returns the last frame polled from the named camera, or nil
// when none has arrived yet.
func (c *Controller) LatestFrame(name string) (*device.Frame, error) {
	c.camMu.Lock()
	defer c.camMu.Unlock()
	cc := c.cameras[name]
	if cc == nil {
		return nil, errors.Wrap(ErrUnknownCamera, name)
	}
	return cc.latest, nil
}

func (c *Controller) closeCameras() {
	c.camMu.Lock()
	cams := c.cameras
	c.cameras = make(map[string]*camera)
	c.camMu.Unlock()
	for _, cc := range cams {
		cc.close()
	}
}

func (c *Controller) pollCamera(ctx context.Context, cc *camera) {
	defer close(cc.done)
	ticker := time.NewTicker(time.Second / cameraPollHz)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		f := cc.cam.ReadFrame(ctx)
		if f == nil {
			continue
		}
		c.camMu.Lock()
		cc.latest = f
		c.camMu.Unlock()
	}
}

// cameraParams reads a robot's "cameras" param: a mapping of camera name
// to that camera's params, including "type".
func cameraParams(spec any) (map[string]device.Params, error) {
	m, ok := asMap(spec)
	if !ok {
		return nil, device.ConfigError("cameras", "expected a mapping of name to camera params, got %T", spec)
	}
	out := make(map[string]device.Params, len(m))
	for name, v := range m {
		p, ok := asMap(v)
		if !ok {
			return nil, device.ConfigError("cameras", "camera %s: expected a mapping, got %T", name, v)
		}
		params := device.Params(p).Clone()
		if params.String("type", "") == "" {
			return nil, device.ConfigError("cameras", "camera %s: type is required", name)
		}
		out[name] = params
	}
	return out, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case device.Params:
		return m, true
	}
	return nil, false
}

func (c *Controller) openCameras(cams map[string]device.Params) {
	for name, params := range cams {
		params = params.Clone()
		typeID := params.Pop("type")
		c.OpenCamera(name, typeID, params)
	}
}

func (cc *camera) close() {
	cc.cancel()
	<-cc.done
	cc.cam.Close()
}

func (cc *camera) status() CameraStatus {
	return CameraStatus{
		Name:   cc.name,
		Type:   cc.typeID,
		Open:   cc.cam.IsOpen(),
		Params: cc.cam.Params(),
		FPS:    cc.cam.FPSStats(),
	}
}

// FormatFPS renders a camera's measured rate for status lines.
func (s CameraStatus) FormatFPS() string {
	return fmt.Sprintf("%s %.1f fps", s.Name, s.FPS.MeasuredFPS)
}
