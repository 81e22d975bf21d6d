// Package timers tracks every repeating timer a component creates so the
// owner can pause, resume and tear them down as a unit. Nothing here reaches
// for package-level state: a Registry is constructed once and passed to the
// components that need it.
package timers

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type Registry struct {
	clock clockwork.Clock
	log   *zap.Logger

	mu      sync.Mutex
	handles map[uint64]*Handle
	nextID  uint64
	closed  bool

	// hidden mirrors tab visibility: pausable timers skip fires while set.
	hidden atomic.Bool
}

// Handle controls one repeating timer.
type Handle struct {
	id       uint64
	reg      *Registry
	pausable bool

	// mu guards stopped. Every fire re-checks it before the callback runs,
	// but the lock is released before fn so a tick that already passed the
	// check may still complete after Stop returns. Callers that need a hard
	// cutoff re-check their own state inside fn, as the preview countdown
	// does. The trade lets Stop be called from inside the callback itself
	// (a countdown stopping its own timer) without deadlocking.
	mu      sync.Mutex
	stopped bool
	stopc   chan struct{}
}

func NewRegistry(clock clockwork.Clock, log *zap.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{clock: clock, log: log, handles: make(map[uint64]*Handle)}
}

// Every schedules fn on a fixed interval. Pausable timers stop firing while
// the registry is hidden; non-pausable ones (playback countdowns) keep going.
// On a closed registry the returned handle is already dead.
func (r *Registry) Every(interval time.Duration, pausable bool, fn func()) *Handle {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return &Handle{stopped: true, stopc: make(chan struct{})}
	}
	r.nextID++
	h := &Handle{id: r.nextID, reg: r, pausable: pausable, stopc: make(chan struct{})}
	r.handles[h.id] = h
	r.mu.Unlock()

	go func() {
		ticker := r.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopc:
				return
			case <-ticker.Chan():
				h.fire(fn)
			}
		}
	}()
	return h
}

func (h *Handle) fire(fn func()) {
	h.mu.Lock()
	if h.stopped || (h.pausable && h.reg != nil && h.reg.hidden.Load()) {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn()
}

// Stop tears the timer down. No future tick fires after Stop returns; a
// callback already underway may still finish, so owners guard their own
// state on each fire.
func (h *Handle) Stop() {
	h.mu.Lock()
	if !h.stopped {
		h.stopped = true
		close(h.stopc)
	}
	h.mu.Unlock()

	if h.reg != nil {
		h.reg.mu.Lock()
		delete(h.reg.handles, h.id)
		h.reg.mu.Unlock()
	}
}

// Stopped reports whether the handle is dead.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Hide suppresses pausable timers (background tab).
func (r *Registry) Hide() { r.hidden.Store(true) }

// Show resumes pausable timers.
func (r *Registry) Show() { r.hidden.Store(false) }

// Hidden reports visibility state.
func (r *Registry) Hidden() bool { return r.hidden.Load() }

// Active returns the number of live timers.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Close stops every timer and rejects new ones. Idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	hs := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		hs = append(hs, h)
	}
	r.handles = make(map[uint64]*Handle)
	r.mu.Unlock()

	for _, h := range hs {
		h.Stop()
	}
}
