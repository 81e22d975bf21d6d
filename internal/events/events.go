// Package events is the message protocol between the agent and any UI
// contexts (player shell, chat panel, cabinet views). Messages are a tagged
// union: a Kind plus a payload type fixed per kind. UI processes subscribe
// over NATS; the agent also consumes its own sync-trigger messages.
//
// A Bus constructed without a NATS connection is a safe no-op, so every
// component can publish unconditionally.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Kind discriminates the message union.
type Kind string

const (
	KindPaywallPrompt  Kind = "paywall_prompt"
	KindPreviewState   Kind = "preview_state"
	KindMediaDirective Kind = "media_directive"
	KindAIResponse     Kind = "ai_response"
	KindAccessChanged  Kind = "access_changed"
	KindConnectivity   Kind = "connectivity"
	KindSyncTrigger    Kind = "sync_trigger"
	KindNotice         Kind = "notice"
)

// Sync trigger tags. Each queued action kind has its own wake-up tag.
const (
	TagCartSync     = "cart-sync"
	TagProgressSync = "progress-sync"
	TagAIQuerySync  = "ai-query-sync"
)

// Message is the wire envelope. Payload decodes into the struct matching
// Kind; Decode enforces the pairing.
type Message struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// PaywallPrompt is emitted when a preview session locks.
type PaywallPrompt struct {
	SessionID      string `json:"session_id"`
	MaterialID     string `json:"material_id"`
	SecondsWatched int    `json:"seconds_watched"`
	// Actions are the call-to-action branches for the viewer's tier:
	// ["register"] for guests, ["buy","subscribe"] for registered viewers.
	Actions []string `json:"actions"`
}

// PreviewState mirrors a session's state machine for interested views.
type PreviewState struct {
	SessionID        string `json:"session_id"`
	MaterialID       string `json:"material_id"`
	State            string `json:"state"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Error            string `json:"error,omitempty"`
}

// MediaDirective instructs the UI's media element. ClampToSeconds is set
// when a seek past the allowance was rejected.
type MediaDirective struct {
	SessionID      string `json:"session_id"`
	Pause          bool   `json:"pause"`
	ClampToSeconds *int   `json:"clamp_to_seconds,omitempty"`
}

// AIResponse delivers a (possibly replayed) assistant answer. The original
// asker may be long gone; any open chat UI picks it up.
type AIResponse struct {
	QueryID      string   `json:"query_id"`
	Query        string   `json:"query"`
	Response     string   `json:"response"`
	ResponseTime float64  `json:"response_time"`
	Sources      []string `json:"sources,omitempty"`
	Replayed     bool     `json:"replayed"`
}

// AccessChanged carries server-confirmed access state; every view mirroring
// the item applies it (list and detail alike).
type AccessChanged struct {
	MaterialID            string  `json:"material_id"`
	IsFavorite            bool    `json:"is_favorite"`
	IsCompleted           bool    `json:"is_completed"`
	CourseProgressPercent float64 `json:"course_progress_percent"`
}

// Connectivity announces upstream reachability transitions.
type Connectivity struct {
	Online bool `json:"online"`
}

// SyncTrigger wakes the queue flusher for one action kind.
type SyncTrigger struct {
	Tag string `json:"tag"`
}

// Notice is a transient user-visible confirmation or error.
type Notice struct {
	Level string `json:"level"` // "success" | "error"
	Text  string `json:"text"`
}

// New wraps a payload in an envelope. Unknown payload types are a
// programming error and panic at construction, not at decode time.
func New(payload any) Message {
	kind, ok := kindOf(payload)
	if !ok {
		panic(fmt.Sprintf("events: unregistered payload type %T", payload))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("events: marshal %T: %v", payload, err))
	}
	return Message{
		ID:         uuid.NewString(),
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}
}

func kindOf(payload any) (Kind, bool) {
	switch payload.(type) {
	case PaywallPrompt:
		return KindPaywallPrompt, true
	case PreviewState:
		return KindPreviewState, true
	case MediaDirective:
		return KindMediaDirective, true
	case AIResponse:
		return KindAIResponse, true
	case AccessChanged:
		return KindAccessChanged, true
	case Connectivity:
		return KindConnectivity, true
	case SyncTrigger:
		return KindSyncTrigger, true
	case Notice:
		return KindNotice, true
	default:
		return "", false
	}
}

// Decode returns the typed payload for the message's kind.
func (m Message) Decode() (any, error) {
	var dst any
	switch m.Kind {
	case KindPaywallPrompt:
		dst = &PaywallPrompt{}
	case KindPreviewState:
		dst = &PreviewState{}
	case KindMediaDirective:
		dst = &MediaDirective{}
	case KindAIResponse:
		dst = &AIResponse{}
	case KindAccessChanged:
		dst = &AccessChanged{}
	case KindConnectivity:
		dst = &Connectivity{}
	case KindSyncTrigger:
		dst = &SyncTrigger{}
	case KindNotice:
		dst = &Notice{}
	default:
		return nil, fmt.Errorf("events: unknown kind %q", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return nil, fmt.Errorf("events: decode %s: %w", m.Kind, err)
	}
	return dst, nil
}

// Bus publishes and subscribes messages over NATS.
type Bus struct {
	nc  *nats.Conn
	log *zap.Logger
}

// NewBus creates a Bus. Pass nc=nil for a no-op stub (tests, broker-less
// runs). A nil *Bus is also safe to publish on.
func NewBus(nc *nats.Conn, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{nc: nc, log: log}
}

func subjectFor(kind Kind) string {
	return "agent.events." + string(kind)
}

// Publish sends a message fire-and-forget. Failures are logged, never
// returned: the bus is advisory, losing a message must not fail the caller.
func (b *Bus) Publish(payload any) {
	if b == nil || b.nc == nil {
		return
	}
	msg := New(payload)
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Warn("events: marshal failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
		return
	}
	if err := b.nc.Publish(subjectFor(msg.Kind), data); err != nil {
		b.log.Warn("events: publish failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
	}
}

// Subscribe delivers every message of the given kind to handler until the
// returned unsubscribe func runs. On a no-op bus it returns a no-op.
func (b *Bus) Subscribe(kind Kind, handler func(Message)) (func(), error) {
	if b == nil || b.nc == nil {
		return func() {}, nil
	}
	sub, err := b.nc.Subscribe(subjectFor(kind), func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.log.Warn("events: drop malformed message", zap.Error(err))
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
