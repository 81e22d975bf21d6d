// Package progress accumulates active watch time and flushes it upstream.
//
// Accounting rule: the unflushed accumulator is the delta since the last
// SUCCESSFUL flush. It resets only after the server confirms a flush, so a
// failed flush's time rolls into the next tick and no second is ever
// counted twice. Measuring from session start on every tick would
// double-count on retry.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/BonisOleg/play-vision-sub000/internal/timers"
)

// Flusher delivers a progress report upstream. *upstream.Client satisfies it.
type Flusher interface {
	SendMaterialProgress(ctx context.Context, materialID string, timeSpentSeconds int, isFinal bool) error
}

type Reporter struct {
	materialID     string
	clock          clockwork.Clock
	flusher        Flusher
	log            *zap.Logger
	tickInterval   time.Duration
	activityWindow time.Duration

	mu           sync.Mutex
	playing      bool
	playStart    time.Time
	accrued      time.Duration
	lastActivity time.Time
	finalSent    bool
	tickHandle   *timers.Handle
}

type Options struct {
	// TickInterval defaults to 30s, ActivityWindow to 2m.
	TickInterval   time.Duration
	ActivityWindow time.Duration
	Clock          clockwork.Clock
	Logger         *zap.Logger
}

func NewReporter(materialID string, flusher Flusher, opts Options) *Reporter {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.ActivityWindow <= 0 {
		opts.ActivityWindow = 2 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reporter{
		materialID:     materialID,
		clock:          opts.Clock,
		flusher:        flusher,
		log:            opts.Logger,
		tickInterval:   opts.TickInterval,
		activityWindow: opts.ActivityWindow,
	}
}

// Start schedules the periodic tick on the registry. The tick is not
// visibility-pausable: the activity window already filters idle time.
func (r *Reporter) Start(reg *timers.Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tickHandle != nil {
		return
	}
	r.tickHandle = reg.Every(r.tickInterval, false, func() {
		r.Tick(context.Background())
	})
}

// Stop cancels the periodic tick. It does not send a final flush.
func (r *Reporter) Stop() {
	r.mu.Lock()
	h := r.tickHandle
	r.tickHandle = nil
	r.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// RecordActivity notes user input (click/scroll/keypress/mouse move).
func (r *Reporter) RecordActivity() {
	r.mu.Lock()
	r.lastActivity = r.clock.Now()
	r.mu.Unlock()
}

// PlaybackStarted implements preview.PlaybackObserver. Pressing play is
// itself user activity.
func (r *Reporter) PlaybackStarted(materialID string) {
	if materialID != r.materialID {
		return
	}
	r.mu.Lock()
	now := r.clock.Now()
	if !r.playing {
		r.playing = true
		r.playStart = now
	}
	r.lastActivity = now
	r.mu.Unlock()
}

// PlaybackStopped implements preview.PlaybackObserver.
func (r *Reporter) PlaybackStopped(materialID string) {
	if materialID != r.materialID {
		return
	}
	r.mu.Lock()
	if r.playing {
		r.accrued += r.clock.Now().Sub(r.playStart)
		r.playing = false
	}
	r.mu.Unlock()
}

// pendingLocked returns time watched since the last successful flush.
func (r *Reporter) pendingLocked() time.Duration {
	p := r.accrued
	if r.playing {
		p += r.clock.Now().Sub(r.playStart)
	}
	return p
}

// Tick flushes accumulated time, but only while the viewer counts as
// active. Failures are logged and dropped; the time stays accumulated.
func (r *Reporter) Tick(ctx context.Context) {
	r.mu.Lock()
	if r.finalSent {
		r.mu.Unlock()
		return
	}
	now := r.clock.Now()
	if r.lastActivity.IsZero() || now.Sub(r.lastActivity) > r.activityWindow {
		r.mu.Unlock()
		return
	}
	seconds := int(r.pendingLocked() / time.Second)
	r.mu.Unlock()

	if seconds <= 0 {
		return
	}
	if err := r.flusher.SendMaterialProgress(ctx, r.materialID, seconds, false); err != nil {
		// Low-value telemetry: absorbed into the next tick, never surfaced.
		r.log.Debug("progress flush failed", zap.String("material_id", r.materialID), zap.Error(err))
		return
	}
	r.confirmFlushed(seconds)
}

// confirmFlushed resets the accounting base by exactly what the server
// acknowledged, keeping any sub-second remainder and time accrued during
// the flush itself.
func (r *Reporter) confirmFlushed(seconds int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playing {
		now := r.clock.Now()
		r.accrued += now.Sub(r.playStart)
		r.playStart = now
	}
	r.accrued -= time.Duration(seconds) * time.Second
	if r.accrued < 0 {
		r.accrued = 0
	}
}

// FlushFinal sends the last report exactly once per Reporter lifetime, even
// if the shutdown path fires it several times. It ignores the activity
// window: a final flush always goes out, with a zero value if need be.
// It returns the seconds it tried to deliver and the send error, so the
// caller can park a failed final report on the offline queue; repeat calls
// return (0, nil) without sending.
func (r *Reporter) FlushFinal(ctx context.Context) (int, error) {
	r.mu.Lock()
	if r.finalSent {
		r.mu.Unlock()
		return 0, nil
	}
	r.finalSent = true
	if r.playing {
		r.accrued += r.clock.Now().Sub(r.playStart)
		r.playing = false
	}
	seconds := int(r.accrued / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	r.mu.Unlock()

	if err := r.flusher.SendMaterialProgress(ctx, r.materialID, seconds, true); err != nil {
		r.log.Debug("final progress flush failed", zap.String("material_id", r.materialID), zap.Error(err))
		return seconds, err
	}
	return seconds, nil
}

// FinalSent reports whether the final flush already happened.
func (r *Reporter) FinalSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalSent
}
