package main

import (
	"context"
	"encoding/json"
	"errors"
	"image/jpeg"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"

	"github.com/gwillem/lerobot-hal/internal/logging"
	"github.com/gwillem/lerobot-hal/pkg/device"
	"github.com/gwillem/lerobot-hal/pkg/teleop"
)

type ServeCommand struct {
	Listen string `long:"listen" description:"Listen address (default from config)"`
}

func (c *ServeCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}
	rt := newRuntime(cfg)
	defer rt.ctrl.Close()
	rt.openCameras(cfg)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newAPI(rt).router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log := logging.For("http")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		// interrupt stops the robot before the listener goes away
		rt.ctrl.EmergencyStop()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info("serving control API", "addr", cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return rt.exec.Shutdown(context.Background())
}

type api struct {
	rt  *runtime
	log *slog.Logger
}

func newAPI(rt *runtime) *api {
	return &api{rt: rt, log: logging.For("http")}
}

func (a *api) router() *mux.Router {
	r := mux.NewRouter()
	s := r.PathPrefix("/api").Subrouter()
	s.HandleFunc("/status", a.status).Methods(http.MethodGet)
	s.HandleFunc("/types", a.types).Methods(http.MethodGet)
	s.HandleFunc("/connect", a.connect).Methods(http.MethodPost)
	s.HandleFunc("/teleop", a.attachTeleop).Methods(http.MethodPost)
	s.HandleFunc("/disconnect", a.disconnect).Methods(http.MethodPost)
	s.HandleFunc("/start", a.start).Methods(http.MethodPost)
	s.HandleFunc("/stop", a.stop).Methods(http.MethodPost)
	s.HandleFunc("/estop", a.estop).Methods(http.MethodPost)
	s.HandleFunc("/estop", a.releaseEStop).Methods(http.MethodDelete)
	s.HandleFunc("/safety", a.safetyParams).Methods(http.MethodPut)
	s.HandleFunc("/cameras", a.cameras).Methods(http.MethodGet)
	s.HandleFunc("/cameras", a.openCamera).Methods(http.MethodPost)
	s.HandleFunc("/cameras/{name}", a.camera).Methods(http.MethodGet)
	s.HandleFunc("/cameras/{name}", a.closeCamera).Methods(http.MethodDelete)
	s.HandleFunc("/cameras/{name}/frame", a.frame).Methods(http.MethodGet)
	return r
}

type statusResponse struct {
	Phase       string             `json:"phase"`
	RobotType   string             `json:"robot_type,omitempty"`
	TeleopType  string             `json:"teleop_type,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
	EStop       bool               `json:"estop"`
	State       device.State       `json:"state,omitempty"`
	Action      device.Action      `json:"action,omitempty"`
	Error       string             `json:"error,omitempty"`
	Warning     string             `json:"warning,omitempty"`
	Diagnostics device.Diagnostics `json:"diagnostics"`
}

func toStatus(s teleop.Snapshot, d device.Diagnostics) statusResponse {
	return statusResponse{
		Phase:       s.Phase.String(),
		RobotType:   s.RobotType,
		TeleopType:  s.TeleopType,
		SessionID:   s.SessionID,
		EStop:       s.EStop,
		State:       s.State,
		Action:      s.Action,
		Error:       s.Error,
		Warning:     s.Warning,
		Diagnostics: d,
	}
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, toStatus(a.rt.ctrl.Status(), a.rt.ctrl.Diagnostics()))
}

func (a *api) types(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string][]string{
		"robots":  a.rt.reg.RobotTypes(),
		"teleops": a.rt.reg.TeleopTypes(),
		"cameras": a.rt.reg.CameraTypes(),
	})
}

type deviceRequest struct {
	Type   string        `json:"type"`
	Params device.Params `json:"params"`
}

func (a *api) connect(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !a.decode(w, r, &req) {
		return
	}
	h, err := a.rt.ctrl.Connect(req.Type, req.Params)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]string{"task": h.ID()})
}

func (a *api) attachTeleop(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !a.decode(w, r, &req) {
		return
	}
	h := a.rt.ctrl.AttachTeleop(req.Type, req.Params)
	a.writeJSON(w, http.StatusAccepted, map[string]string{"task": h.ID()})
}

func (a *api) disconnect(w http.ResponseWriter, r *http.Request) {
	h := a.rt.ctrl.Disconnect()
	a.writeJSON(w, http.StatusAccepted, map[string]string{"task": h.ID()})
}

func (a *api) start(w http.ResponseWriter, r *http.Request) {
	id, err := a.rt.ctrl.Start()
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (a *api) stop(w http.ResponseWriter, r *http.Request) {
	if err := a.rt.ctrl.Stop(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	a.status(w, r)
}

func (a *api) estop(w http.ResponseWriter, r *http.Request) {
	a.rt.ctrl.EmergencyStop()
	a.status(w, r)
}

func (a *api) releaseEStop(w http.ResponseWriter, r *http.Request) {
	a.rt.ctrl.ReleaseEStop()
	a.status(w, r)
}

// safetyRequest fields left out of the body keep their current value.
type safetyRequest struct {
	MaxVelocity *float64 `json:"max_velocity"`
	Deadzone    *float64 `json:"deadzone"`
	TimeoutMs   *float64 `json:"timeout_ms"`
}

func (a *api) safetyParams(w http.ResponseWriter, r *http.Request) {
	var req safetyRequest
	if !a.decode(w, r, &req) {
		return
	}
	f := a.rt.ctrl.Filter()
	cfg := f.Config()
	vmax, dz, ms := cfg.MaxVelocity, cfg.Deadzone, cfg.TimeoutMs
	if req.MaxVelocity != nil {
		vmax = *req.MaxVelocity
	}
	if req.Deadzone != nil {
		dz = *req.Deadzone
	}
	if req.TimeoutMs != nil {
		ms = *req.TimeoutMs
	}
	if vmax < 0 || dz < 0 || ms <= 0 {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_velocity and deadzone must not be negative, timeout_ms must be positive"})
		return
	}
	f.SetParams(vmax, dz, time.Duration(ms*float64(time.Millisecond)))
	a.writeJSON(w, http.StatusOK, f.Config())
}

func (a *api) cameras(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.rt.ctrl.Cameras())
}

type cameraRequest struct {
	Name string `json:"name"`
	deviceRequest
}

func (a *api) openCamera(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	h := a.rt.ctrl.OpenCamera(req.Name, req.Type, req.Params)
	a.writeJSON(w, http.StatusAccepted, map[string]string{"task": h.ID()})
}

func (a *api) camera(w http.ResponseWriter, r *http.Request) {
	st, err := a.rt.ctrl.Camera(mux.Vars(r)["name"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

func (a *api) closeCamera(w http.ResponseWriter, r *http.Request) {
	if err := a.rt.ctrl.CloseCamera(mux.Vars(r)["name"]); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// frame serves the latest polled frame as a JPEG.
func (a *api) frame(w http.ResponseWriter, r *http.Request) {
	f, err := a.rt.ctrl.LatestFrame(mux.Vars(r)["name"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	if f == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	if err := jpeg.Encode(w, f.Image, nil); err != nil {
		a.log.Warn("encode frame", "err", err)
	}
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, teleop.ErrEStopEngaged), errors.Is(err, teleop.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, teleop.ErrNotConnected):
		code = http.StatusPreconditionFailed
	case errors.Is(err, teleop.ErrUnknownCamera):
		code = http.StatusNotFound
	case errors.Is(err, device.ErrConfiguration):
		code = http.StatusBadRequest
	}
	a.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (a *api) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("write response", "err", err)
	}
}
