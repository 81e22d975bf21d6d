package preview

import (
	"math/rand"
	"sync"
	"time"

	"github.com/BonisOleg/play-vision-sub000/internal/timers"
)

// Watermark periodically recomputes where the viewer watermark should sit
// over the video. The ticker is visibility-pausable: a hidden UI does not
// need fresh positions, and resuming picks the cadence back up.
type Watermark struct {
	interval time.Duration

	mu     sync.Mutex
	rng    *rand.Rand
	x, y   float64
	moves  int
	handle *timers.Handle
}

func NewWatermark(interval time.Duration, seed int64) *Watermark {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	w := &Watermark{
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
	}
	w.reposition()
	return w
}

func (w *Watermark) Start(reg *timers.Registry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle != nil {
		return
	}
	w.handle = reg.Every(w.interval, true, w.reposition)
}

func (w *Watermark) Stop() {
	w.mu.Lock()
	h := w.handle
	w.handle = nil
	w.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// reposition picks a fresh anchor in the safe area, away from the edges
// where player controls live.
func (w *Watermark) reposition() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.x = 0.1 + w.rng.Float64()*0.8
	w.y = 0.1 + w.rng.Float64()*0.7
	w.moves++
}

// Position returns the current anchor as fractions of the player surface.
func (w *Watermark) Position() (x, y float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.x, w.y
}

// Moves counts repositions since creation.
func (w *Watermark) Moves() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.moves
}
