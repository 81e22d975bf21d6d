package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BonisOleg/play-vision-sub000/internal/events"
	"github.com/BonisOleg/play-vision-sub000/internal/timers"
	"github.com/BonisOleg/play-vision-sub000/internal/upstream"
)

// Kind-specific payloads, recorded verbatim at enqueue time.

type CartPayload struct {
	Op       string `json:"op"` // add | update | remove | coupon
	ItemID   string `json:"item_id,omitempty"`
	ItemType string `json:"item_type,omitempty"`
	Quantity int    `json:"quantity,omitempty"`
	Code     string `json:"code,omitempty"`
}

type ProgressPayload struct {
	MaterialID string `json:"material_id"`
	TimeSpent  int    `json:"time_spent"`
	IsFinal    bool   `json:"is_final"`
}

type AIQueryPayload struct {
	Query string `json:"query"`
}

// ReplayAPI is the slice of the upstream client the replayer needs.
// *upstream.Client satisfies it.
type ReplayAPI interface {
	CartAdd(ctx context.Context, itemID, itemType string) (*upstream.CartSummary, error)
	CartUpdate(ctx context.Context, itemID string, quantity int) (*upstream.CartSummary, error)
	CartRemove(ctx context.Context, itemID string) (*upstream.CartSummary, error)
	ApplyCoupon(ctx context.Context, code string) (*upstream.CartSummary, error)
	SendMaterialProgress(ctx context.Context, materialID string, timeSpentSeconds int, isFinal bool) error
	AskAI(ctx context.Context, query string) (*upstream.AIResponse, error)
}

// Publisher is the slice of the event bus the queue needs.
type Publisher interface {
	Publish(payload any)
}

type Queue struct {
	store Store
	api   ReplayAPI
	bus   Publisher
	log   *zap.Logger

	// flushMu keeps flush passes from overlapping; triggers arriving while
	// a pass runs simply queue the next pass.
	flushMu sync.Mutex
}

func New(store Store, api ReplayAPI, bus Publisher, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{store: store, api: api, bus: bus, log: log}
}

// Enqueue persists a failed mutation for later replay. Callers must only
// enqueue transient failures; application-level rejections never belong
// here (replaying them cannot change the answer).
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	a := PendingAction{
		ID:        NewActionID(),
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.store.Append(ctx, a); err != nil {
		return fmt.Errorf("append pending action: %w", err)
	}
	q.log.Info("action queued for replay", zap.String("kind", string(kind)), zap.String("id", a.ID))
	return nil
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Replayed int
	Failed   int
	Rejected int
}

// Flush replays the current snapshot of the queue once. Actions are
// independent: one failure does not stop the others, and only actions that
// actually succeeded (or were rejected outright) leave the store, so
// appends racing the pass survive untouched.
func (q *Queue) Flush(ctx context.Context) FlushResult {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	var res FlushResult
	snapshot, err := q.store.List(ctx)
	if err != nil {
		q.log.Warn("queue snapshot failed", zap.Error(err))
		return res
	}
	for _, a := range snapshot {
		err := q.replay(ctx, a)
		switch {
		case err == nil:
			if derr := q.store.Delete(ctx, a.ID); derr != nil && derr != ErrNotFound {
				q.log.Warn("delete replayed action", zap.String("id", a.ID), zap.Error(derr))
			}
			res.Replayed++
		case upstream.IsRejected(err):
			// The server understood and said no; keeping it would retry a
			// lost cause forever.
			if derr := q.store.Delete(ctx, a.ID); derr != nil && derr != ErrNotFound {
				q.log.Warn("delete rejected action", zap.String("id", a.ID), zap.Error(derr))
			}
			q.bus.Publish(events.Notice{Level: "error", Text: err.Error()})
			res.Rejected++
		default:
			// Still unreachable: leave it for the next trigger.
			res.Failed++
		}
	}
	if res.Replayed+res.Rejected > 0 {
		q.log.Info("queue flush finished",
			zap.Int("replayed", res.Replayed),
			zap.Int("failed", res.Failed),
			zap.Int("rejected", res.Rejected))
	}
	return res
}

func (q *Queue) replay(ctx context.Context, a PendingAction) error {
	switch a.Kind {
	case KindCart:
		var p CartPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return &upstream.RejectedError{Status: 400, Message: "malformed queued cart payload"}
		}
		var err error
		switch p.Op {
		case "update":
			_, err = q.api.CartUpdate(ctx, p.ItemID, p.Quantity)
		case "remove":
			_, err = q.api.CartRemove(ctx, p.ItemID)
		case "coupon":
			_, err = q.api.ApplyCoupon(ctx, p.Code)
		default:
			_, err = q.api.CartAdd(ctx, p.ItemID, p.ItemType)
		}
		return err
	case KindProgress:
		var p ProgressPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return &upstream.RejectedError{Status: 400, Message: "malformed queued progress payload"}
		}
		return q.api.SendMaterialProgress(ctx, p.MaterialID, p.TimeSpent, p.IsFinal)
	case KindAIQuery:
		var p AIQueryPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return &upstream.RejectedError{Status: 400, Message: "malformed queued ai payload"}
		}
		resp, err := q.api.AskAI(ctx, p.Query)
		if err != nil {
			return err
		}
		// The asker may have navigated away; any open chat UI picks the
		// answer up from the bus.
		q.bus.Publish(events.AIResponse{
			QueryID:      resp.QueryID,
			Query:        p.Query,
			Response:     resp.Response,
			ResponseTime: resp.ResponseTime,
			Sources:      resp.Sources,
			Replayed:     true,
		})
		return nil
	default:
		return &upstream.RejectedError{Status: 400, Message: fmt.Sprintf("unknown queued action kind %q", a.Kind)}
	}
}

// StartPeriodic schedules a fallback flush on a fixed cadence, covering
// the case where no trigger ever fires (broker down, connectivity never
// transitioned). Runs even while the UI is hidden.
func (q *Queue) StartPeriodic(reg *timers.Registry, interval time.Duration) *timers.Handle {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return reg.Every(interval, false, func() {
		n, err := q.store.Count(context.Background())
		if err != nil || n == 0 {
			return
		}
		q.Flush(context.Background())
	})
}

// Count reports the number of pending actions.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	return q.store.Count(ctx)
}

// Pending returns the current queue snapshot (status endpoint).
func (q *Queue) Pending(ctx context.Context) ([]PendingAction, error) {
	return q.store.List(ctx)
}

// StartTriggers wires the queue to its wake-up sources: per-kind sync
// trigger messages and connectivity-restored announcements. Returns an
// unsubscribe func.
func (q *Queue) StartTriggers(bus *events.Bus) (func(), error) {
	unsubSync, err := bus.Subscribe(events.KindSyncTrigger, func(m events.Message) {
		go q.Flush(context.Background())
	})
	if err != nil {
		return nil, err
	}
	unsubConn, err := bus.Subscribe(events.KindConnectivity, func(m events.Message) {
		p, err := m.Decode()
		if err != nil {
			return
		}
		if c, ok := p.(*events.Connectivity); ok && c.Online {
			go q.Flush(context.Background())
		}
	})
	if err != nil {
		unsubSync()
		return nil, err
	}
	return func() {
		unsubSync()
		unsubConn()
	}, nil
}
