// Package registry maps device-type identifiers to adapter constructors.
//
// There are three independent namespaces: robots, cameras and teleoperators.
// A Registry is populated once at process start and only read afterwards.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/gwillem/lerobot-hal/internal/logging"
	"github.com/gwillem/lerobot-hal/pkg/device"
)

// Constructors return a new, unconnected adapter.
type (
	RobotConstructor  func() device.Robot
	CameraConstructor func() device.Camera
	TeleopConstructor func() device.Teleoperator
)

// Registry holds the constructors. Later registrations for the same
// identifier overwrite earlier ones.
type Registry struct {
	mu      sync.RWMutex
	robots  map[string]RobotConstructor
	cameras map[string]CameraConstructor
	teleops map[string]TeleopConstructor

	log *slog.Logger
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		robots:  make(map[string]RobotConstructor),
		cameras: make(map[string]CameraConstructor),
		teleops: make(map[string]TeleopConstructor),
		log:     logging.For("registry"),
	}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() { defaultReg = New() })
	return defaultReg
}

// RegisterRobot adds or replaces the constructor for typeID.
func (r *Registry) RegisterRobot(typeID string, fn RobotConstructor) {
	r.mu.Lock()
	r.robots[typeID] = fn
	r.mu.Unlock()
	r.log.Debug("registered robot adapter", "type", typeID)
}

// Robot returns the constructor for typeID.
func (r *Registry) Robot(typeID string) (RobotConstructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.robots[typeID]
	return fn, ok
}

// RobotTypes returns the registered robot identifiers, sorted.
func (r *Registry) RobotTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.robots)
}

// RegisterCamera adds or replaces the constructor for typeID.
func (r *Registry) RegisterCamera(typeID string, fn CameraConstructor) {
	r.mu.Lock()
	r.cameras[typeID] = fn
	r.mu.Unlock()
	r.log.Debug("registered camera adapter", "type", typeID)
}

// Camera returns the constructor for typeID.
func (r *Registry) Camera(typeID string) (CameraConstructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.cameras[typeID]
	return fn, ok
}

// CameraTypes returns the registered camera identifiers, sorted.
func (r *Registry) CameraTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.cameras)
}

// RegisterTeleop adds or replaces the constructor for typeID.
func (r *Registry) RegisterTeleop(typeID string, fn TeleopConstructor) {
	r.mu.Lock()
	r.teleops[typeID] = fn
	r.mu.Unlock()
	r.log.Debug("registered teleoperator adapter", "type", typeID)
}

// Teleop returns the constructor for typeID.
func (r *Registry) Teleop(typeID string) (TeleopConstructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.teleops[typeID]
	return fn, ok
}

// TeleopTypes returns the registered teleoperator identifiers, sorted.
func (r *Registry) TeleopTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.teleops)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
