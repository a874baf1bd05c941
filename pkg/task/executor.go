// Package task runs adapter operations (connect, disconnect, poll) off the
// calling goroutine on a bounded worker pool and reports their outcome as
// notifications.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gwillem/lerobot-hal/internal/logging"
)

// DefaultWorkers is the pool size used when none is given.
const DefaultWorkers = 8

// Kind identifies a notification.
type Kind int

const (
	Started Kind = iota
	Finished
	Failed
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Started:
		return "started"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Terminal reports whether no further notifications follow.
func (k Kind) Terminal() bool {
	return k != Started
}

// Event is one notification about a unit of work.
type Event struct {
	ID     string
	Kind   Kind
	Result any    // Finished only
	Err    error  // Failed only
	Trace  string // Failed only: error with stack, or panic stack
	Time   time.Time
}

// Func is a unit of work. It should honour ctx cancellation.
type Func func(ctx context.Context) (any, error)

// Handle tracks one submitted unit of work.
type Handle struct {
	id        string
	cancel    context.CancelFunc
	cancelled atomic.Bool
	events    chan Event
	done      chan struct{}

	result any
	err    error
}

// ID returns the identifier the work was submitted with.
func (h *Handle) ID() string { return h.id }

// Events delivers started and exactly one terminal notification. The channel
// is buffered and closed after the terminal event.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed when the work has reached a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the work completes and returns its outcome.
func (h *Handle) Wait() (any, error) {
	<-h.done
	return h.result, h.err
}

// Cancel requests cancellation. Work already running observes it through
// its context; its outcome is then reported as Cancelled.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// Executor is a bounded worker pool. Submit never blocks.
type Executor struct {
	sem chan struct{}
	wg  sync.WaitGroup

	mu        sync.Mutex
	tasks     map[string]*Handle
	listeners []func(Event)

	log *slog.Logger
}

// NewExecutor returns a pool running at most workers units concurrently.
func NewExecutor(workers int) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Executor{
		sem:   make(chan struct{}, workers),
		tasks: make(map[string]*Handle),
		log:   logging.For("task"),
	}
}

// OnEvent registers fn for every notification of every task. Listeners run
// on worker goroutines and must not block.
func (e *Executor) OnEvent(fn func(Event)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Submit starts fn without blocking the caller. At most one in-flight unit
// per id is expected; the caller is responsible for that.
func (e *Executor) Submit(id string, fn Func) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:     id,
		cancel: cancel,
		events: make(chan Event, 2),
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.tasks[id] = h
	e.mu.Unlock()

	e.log.Debug("task submitted", "task", id)
	e.wg.Add(1)
	go e.run(ctx, h, fn)
	return h
}

// Cancel cancels the in-flight unit with id. It reports whether one existed.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	h, ok := e.tasks[id]
	e.mu.Unlock()
	if ok {
		h.Cancel()
	}
	return ok
}

// IsRunning reports whether a unit with id is in flight and not cancelled.
func (e *Executor) IsRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.tasks[id]
	return ok && !h.cancelled.Load()
}

// Shutdown cancels queued and running work and waits for the workers, or
// until ctx is done.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, h := range e.tasks {
		h.Cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) run(ctx context.Context, h *Handle, fn Func) {
	defer e.wg.Done()
	defer h.cancel()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		h.err = ctx.Err()
		e.finish(h, Event{ID: h.id, Kind: Cancelled})
		return
	}
	defer func() { <-e.sem }()

	e.emit(h, Event{ID: h.id, Kind: Started})

	res, err, trace := call(ctx, fn)
	h.result, h.err = res, err

	switch {
	case h.cancelled.Load():
		e.finish(h, Event{ID: h.id, Kind: Cancelled})
	case err != nil:
		e.log.Error("task failed", "task", h.id, "error", err)
		e.finish(h, Event{ID: h.id, Kind: Failed, Err: err, Trace: trace})
	default:
		e.finish(h, Event{ID: h.id, Kind: Finished, Result: res})
	}
}

func call(ctx context.Context, fn Func) (res any, err error, trace string) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			trace = fmt.Sprintf("%v\n%s", r, debug.Stack())
		}
	}()
	res, err = fn(ctx)
	if err != nil {
		trace = fmt.Sprintf("%+v", err)
	}
	return res, err, trace
}

func (e *Executor) finish(h *Handle, ev Event) {
	e.mu.Lock()
	if e.tasks[h.id] == h {
		delete(e.tasks, h.id)
	}
	e.mu.Unlock()

	e.emit(h, ev)
	close(h.events)
	close(h.done)
}

func (e *Executor) emit(h *Handle, ev Event) {
	ev.Time = time.Now()
	h.events <- ev

	e.mu.Lock()
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
