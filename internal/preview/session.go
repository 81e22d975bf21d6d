// Package preview enforces the time-limited playback window on gated media.
//
// A Session is a per-material state machine: Idle → Playing → Locked →
// Closed. Transitions never go backwards: once the allowance is spent the
// viewer cannot resume in the same session, and a dismissed session is dead.
// Locking pauses the media, freezes the position, raises the paywall prompt
// for the viewer's tier and records how much was actually watched.
package preview

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BonisOleg/play-vision-sub000/internal/events"
	"github.com/BonisOleg/play-vision-sub000/internal/platform/auth"
	"github.com/BonisOleg/play-vision-sub000/internal/timers"
	"github.com/BonisOleg/play-vision-sub000/internal/upstream"
)

type State string

const (
	StateIdle    State = "idle"
	StatePlaying State = "playing"
	StateLocked  State = "locked"
	StateClosed  State = "closed"
)

var (
	ErrLocked = errors.New("preview: session is locked")
	ErrClosed = errors.New("preview: session is closed")
)

// Publisher is the slice of the event bus the session needs.
type Publisher interface {
	Publish(payload any)
}

// SecurityLogger records security/analytics events upstream.
type SecurityLogger interface {
	LogSecurityEvent(ctx context.Context, ev upstream.SecurityEvent)
}

// PlaybackObserver learns when gated playback starts and stops. The
// progress reporter implements it to count active watch time.
type PlaybackObserver interface {
	PlaybackStarted(materialID string)
	PlaybackStopped(materialID string)
}

type Config struct {
	SessionID  string
	MaterialID string
	// AllowedSeconds caps ungated playback. Defaults to 20.
	AllowedSeconds int
	Entitlement    auth.Entitlement
}

type Session struct {
	cfg Config
	log *zap.Logger
	reg *timers.Registry
	bus Publisher
	sec SecurityLogger
	obs PlaybackObserver

	mu        sync.Mutex
	state     State
	elapsed   int
	countdown *timers.Handle
	// lockReason and clampTo record why and how the session locked, for
	// the side effects emitted right after the transition.
	lockReason string
	clampTo    *int
	// lastError is set when the session closed due to a media failure.
	lastError string
}

type Option func(*Session)

func WithSecurityLogger(sec SecurityLogger) Option {
	return func(s *Session) { s.sec = sec }
}

func WithPlaybackObserver(obs PlaybackObserver) Option {
	return func(s *Session) { s.obs = obs }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Session) { s.log = log }
}

func NewSession(cfg Config, reg *timers.Registry, bus Publisher, opts ...Option) *Session {
	if cfg.AllowedSeconds <= 0 {
		cfg.AllowedSeconds = 20
	}
	s := &Session{
		cfg:   cfg,
		log:   zap.NewNop(),
		reg:   reg,
		bus:   bus,
		state: StateIdle,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Elapsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

func (s *Session) MaterialID() string { return s.cfg.MaterialID }

// Play starts (or resumes) gated playback. The one-second countdown runs
// only while the media actually plays; it ignores tab visibility.
func (s *Session) Play() error {
	s.mu.Lock()
	switch s.state {
	case StateLocked:
		s.mu.Unlock()
		return ErrLocked
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StatePlaying:
		if s.countdown != nil && !s.countdown.Stopped() {
			s.mu.Unlock()
			return nil
		}
	}
	s.state = StatePlaying
	// One countdown per session, ever running at a time.
	if s.countdown != nil {
		s.countdown.Stop()
	}
	s.countdown = s.reg.Every(time.Second, false, s.tick)
	s.mu.Unlock()

	if s.obs != nil {
		s.obs.PlaybackStarted(s.cfg.MaterialID)
	}
	s.publishState()
	return nil
}

// Pause suspends the countdown without regressing the state machine:
// elapsed time is playback time, not wall time.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StatePlaying {
		s.mu.Unlock()
		return nil
	}
	s.stopCountdownLocked()
	s.mu.Unlock()

	if s.obs != nil {
		s.obs.PlaybackStopped(s.cfg.MaterialID)
	}
	return nil
}

// Seek validates a scrub to the given position. Anything past the allowance
// boundary is rejected: the position is clamped back and the session locks
// in the same operation, pausing the media with it.
func (s *Session) Seek(toSeconds int) error {
	s.mu.Lock()
	switch s.state {
	case StateLocked:
		s.mu.Unlock()
		return ErrLocked
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	}
	if toSeconds <= s.cfg.AllowedSeconds {
		s.mu.Unlock()
		return nil
	}
	boundary := s.cfg.AllowedSeconds
	s.lockLocked("seek_rejected", &boundary)
	s.mu.Unlock()

	s.afterLock()
	return ErrLocked
}

func (s *Session) tick() {
	s.mu.Lock()
	if s.state != StatePlaying {
		s.mu.Unlock()
		return
	}
	s.elapsed++
	if s.elapsed < s.cfg.AllowedSeconds {
		remaining := s.cfg.AllowedSeconds - s.elapsed
		s.mu.Unlock()
		if s.bus != nil {
			s.bus.Publish(events.PreviewState{
				SessionID:        s.cfg.SessionID,
				MaterialID:       s.cfg.MaterialID,
				State:            string(StatePlaying),
				RemainingSeconds: remaining,
			})
		}
		return
	}
	s.lockLocked("preview_limit", nil)
	s.mu.Unlock()

	s.afterLock()
}

// lockLocked transitions to Locked. Caller holds s.mu. The countdown stops
// here, synchronously, before the state is observable as Locked.
func (s *Session) lockLocked(reason string, clampTo *int) {
	s.stopCountdownLocked()
	if s.elapsed > s.cfg.AllowedSeconds {
		s.elapsed = s.cfg.AllowedSeconds
	}
	s.state = StateLocked
	s.lockReason = reason
	s.clampTo = clampTo
}

// afterLock emits the lock side effects: pause directive, paywall prompt,
// security event. Runs outside s.mu.
func (s *Session) afterLock() {
	s.mu.Lock()
	reason := s.lockReason
	clampTo := s.clampTo
	elapsed := s.elapsed
	s.mu.Unlock()

	if s.obs != nil {
		s.obs.PlaybackStopped(s.cfg.MaterialID)
	}
	if s.bus != nil {
		s.bus.Publish(events.MediaDirective{
			SessionID:      s.cfg.SessionID,
			Pause:          true,
			ClampToSeconds: clampTo,
		})
		s.bus.Publish(events.PaywallPrompt{
			SessionID:      s.cfg.SessionID,
			MaterialID:     s.cfg.MaterialID,
			SecondsWatched: elapsed,
			Actions:        s.ctaActions(),
		})
	}
	s.publishState()
	if s.sec != nil {
		go s.sec.LogSecurityEvent(context.Background(), upstream.SecurityEvent{
			MaterialID: s.cfg.MaterialID,
			EventType:  "preview_locked",
			Data: map[string]any{
				"time_watched": elapsed,
				"reason":       reason,
			},
		})
	}
	s.log.Info("preview locked",
		zap.String("material_id", s.cfg.MaterialID),
		zap.String("reason", reason),
		zap.Int("time_watched", elapsed))
}

// ctaActions picks the paywall branch for the viewer's tier.
func (s *Session) ctaActions() []string {
	if s.cfg.Entitlement == auth.EntitlementGuest {
		return []string{"register"}
	}
	return []string{"buy", "subscribe"}
}

// MediaError closes the session with an error indicator. No retry loop on
// the media itself; the UI offers a manual retry that opens a new session.
func (s *Session) MediaError(message string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.stopCountdownLocked()
	s.state = StateClosed
	s.lastError = message
	s.mu.Unlock()

	if s.obs != nil {
		s.obs.PlaybackStopped(s.cfg.MaterialID)
	}
	s.publishState()
}

// Close tears the session down from any state. Idempotent. All timers are
// cancelled synchronously; results of still-running upstream calls for this
// session must check State and no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasPlaying := s.state == StatePlaying
	s.stopCountdownLocked()
	s.state = StateClosed
	s.mu.Unlock()

	if wasPlaying && s.obs != nil {
		s.obs.PlaybackStopped(s.cfg.MaterialID)
	}
	s.publishState()
}

func (s *Session) stopCountdownLocked() {
	if s.countdown != nil {
		s.countdown.Stop()
		s.countdown = nil
	}
}

func (s *Session) publishState() {
	if s.bus == nil {
		return
	}
	s.mu.Lock()
	st := events.PreviewState{
		SessionID:        s.cfg.SessionID,
		MaterialID:       s.cfg.MaterialID,
		State:            string(s.state),
		RemainingSeconds: max(s.cfg.AllowedSeconds-s.elapsed, 0),
		Error:            s.lastError,
	}
	s.mu.Unlock()
	s.bus.Publish(st)
}
