package syncqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BonisOleg/play-vision-sub000/internal/events"
	"github.com/BonisOleg/play-vision-sub000/internal/timers"
)

// Pinger probes upstream reachability. *upstream.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Watcher is the agent's analog of the browser online/offline events: it
// polls upstream reachability, announces transitions on the bus, and kicks
// a queue flush when connectivity comes back.
type Watcher struct {
	pinger   Pinger
	bus      Publisher
	queue    *Queue
	log      *zap.Logger
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	online bool
	known  bool
	handle *timers.Handle
}

func NewWatcher(pinger Pinger, queue *Queue, bus Publisher, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		pinger:   pinger,
		bus:      bus,
		queue:    queue,
		log:      log,
		interval: 15 * time.Second,
		timeout:  5 * time.Second,
	}
}

// Start schedules the probe. Probing is not visibility-pausable: replay
// must happen even while every UI tab is backgrounded.
func (w *Watcher) Start(reg *timers.Registry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle != nil {
		return
	}
	w.handle = reg.Every(w.interval, false, w.Probe)
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	h := w.handle
	w.handle = nil
	w.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// Probe runs one reachability check and handles the transition edges.
func (w *Watcher) Probe() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	online := w.pinger.Ping(ctx) == nil

	w.mu.Lock()
	changed := !w.known || online != w.online
	w.online = online
	w.known = true
	w.mu.Unlock()

	if !changed {
		return
	}
	w.log.Info("connectivity changed", zap.Bool("online", online))
	w.bus.Publish(events.Connectivity{Online: online})
	if online && w.queue != nil {
		go w.queue.Flush(context.Background())
	}
}

// Online reports the last known state (false until the first probe).
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}
