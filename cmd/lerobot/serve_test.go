package main

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/lerobot-hal/pkg/robot"
)

func newTestAPI(t *testing.T) (*runtime, http.Handler) {
	t.Helper()
	cfg := robot.DefaultConfig()
	cfg.Hz = 100
	rt := newRuntime(cfg)
	t.Cleanup(rt.ctrl.Close)
	return rt, newAPI(rt).router()
}

func do(t *testing.T, h http.Handler, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func TestAPI_SessionFlow(t *testing.T) {
	_, h := newTestAPI(t)

	code, types := do(t, h, http.MethodGet, "/api/types", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, types["robots"], "sim_follower")

	code, _ = do(t, h, http.MethodPost, "/api/start", nil)
	assert.Equal(t, http.StatusPreconditionFailed, code)

	code, _ = do(t, h, http.MethodPost, "/api/connect", map[string]any{"type": "sim_follower"})
	assert.Equal(t, http.StatusAccepted, code)
	require.Eventually(t, func() bool {
		_, st := do(t, h, http.MethodGet, "/api/status", nil)
		return st["phase"] == "connected"
	}, 2*time.Second, 10*time.Millisecond)

	code, _ = do(t, h, http.MethodPost, "/api/teleop", map[string]any{
		"type":   "sine",
		"params": map[string]any{"channels": "shoulder_pan.pos", "amplitude": 30},
	})
	assert.Equal(t, http.StatusAccepted, code)

	code, body := do(t, h, http.MethodPost, "/api/start", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["session_id"])

	code, body = do(t, h, http.MethodPost, "/api/estop", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["estop"])
	assert.Equal(t, "idle", body["phase"])

	code, _ = do(t, h, http.MethodPost, "/api/connect", map[string]any{"type": "sim_follower"})
	assert.Equal(t, http.StatusConflict, code, "connect refused while E-STOP is engaged")

	code, body = do(t, h, http.MethodDelete, "/api/estop", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["estop"])
}

func TestAPI_SafetyParams(t *testing.T) {
	rt, h := newTestAPI(t)

	code, _ := do(t, h, http.MethodPut, "/api/safety", map[string]any{"max_velocity": -1})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := do(t, h, http.MethodPut, "/api/safety", map[string]any{
		"max_velocity": 2, "deadzone": 0.01, "timeout_ms": 250,
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["max_velocity"])
	assert.Equal(t, 250*time.Millisecond, rt.ctrl.Filter().Config().Timeout)

	code, body = do(t, h, http.MethodPut, "/api/safety", map[string]any{"deadzone": 0.02})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["max_velocity"], "omitted fields keep their value")
	assert.Equal(t, 0.02, body["deadzone"])
	assert.Equal(t, 250.0, body["timeout_ms"])
}

func TestAPI_Cameras(t *testing.T) {
	_, h := newTestAPI(t)

	code, _ := do(t, h, http.MethodGet, "/api/cameras/front", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, h, http.MethodPost, "/api/cameras", map[string]any{
		"name":   "front",
		"type":   "synthetic",
		"params": map[string]any{"width": 32, "height": 24},
	})
	assert.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cameras/front/frame", nil))
		return rec.Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cameras/front/frame", nil))
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	img, err := jpeg.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	code, body := do(t, h, http.MethodGet, "/api/cameras/front", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "synthetic", body["type"])
	assert.Contains(t, body["fps"], "measured_fps")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/cameras/front", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
