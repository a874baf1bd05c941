// Package hw holds the catalog of hardware families the generic robot
// adapter can drive. A family declares a configuration struct and a factory;
// the adapter builds the configuration from an opaque parameter mapping by
// introspecting the struct's fields.
package hw

import (
	"context"
	"sort"
	"sync"
)

// Driver is a low-level connection to one device of a family.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	Observation(ctx context.Context) (map[string]float64, error)
	SendAction(ctx context.Context, action map[string]float64) (map[string]float64, error)

	ActionFeatures() []string
	ObservationFeatures() []string
}

// Calibrated is implemented by drivers that track calibration state.
type Calibrated interface {
	IsCalibrated() bool
}

// Family describes one hardware family.
type Family struct {
	Name string
	// NewConfig returns a pointer to a zero configuration struct with
	// defaults applied. Fields are matched by their yaml tag.
	NewConfig func() any
	// Open builds an unconnected driver from a populated configuration.
	Open func(cfg any) (Driver, error)
}

// Catalog maps family names to families.
type Catalog struct {
	mu       sync.RWMutex
	families map[string]Family
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{families: make(map[string]Family)}
}

// Families is the process-wide catalog. Family packages register themselves
// from init.
var Families = NewCatalog()

// Register adds or replaces a family.
func (c *Catalog) Register(f Family) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.families[f.Name] = f
}

// Lookup returns the family called name.
func (c *Catalog) Lookup(name string) (Family, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.families[name]
	return f, ok
}

// Names returns all family names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.families))
	for n := range c.families {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
