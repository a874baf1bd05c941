package safety

import (
	"sync"
	"sync/atomic"
)

// Signal is the global emergency-stop flag. It is shared by handle between
// the safety filter, the control loop and whatever surface raises it; only
// the stop handler of that surface should call Engage or Release.
type Signal struct {
	active atomic.Bool

	mu       sync.Mutex
	nextID   int
	handlers map[int]func(active bool)
	order    []int
}

// NewSignal returns a released signal.
func NewSignal() *Signal {
	return &Signal{handlers: make(map[int]func(bool))}
}

// Active reports whether the emergency stop is engaged.
func (s *Signal) Active() bool {
	return s.active.Load()
}

// Engage raises the stop. Subscribers run synchronously on the caller's
// goroutine, in subscription order, before Engage returns.
func (s *Signal) Engage() {
	s.set(true)
}

// Release clears the stop.
func (s *Signal) Release() {
	s.set(false)
}

// Subscribe registers fn to run on every change of the flag. The returned
// function removes it.
func (s *Signal) Subscribe(fn func(active bool)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int]func(bool))
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	s.order = append(s.order, id)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

func (s *Signal) set(active bool) {
	if s.active.Swap(active) == active {
		return
	}

	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.handlers[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(active)
	}
}
