// Package access mirrors per-material account state (favorites, completion)
// and keeps it strictly server-confirmed: the mirror only changes after the
// upstream acknowledged the mutation, so a failed toggle leaves the UI
// exactly where it was.
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BonisOleg/play-vision-sub000/internal/events"
	"github.com/BonisOleg/play-vision-sub000/internal/upstream"
)

// Kind names a toggleable per-material flag.
type Kind string

const (
	KindFavorite  Kind = "favorite"
	KindCompleted Kind = "completed"
)

// ErrInFlight means the same flag on the same material is already being
// toggled. The caller drops the request; it is not an error to surface.
var ErrInFlight = errors.New("access: toggle already in flight")

// API is the slice of the upstream client the reconciler needs.
// *upstream.Client satisfies it.
type API interface {
	ToggleFavorite(ctx context.Context, materialID string) (*upstream.FavoriteState, error)
	SetMaterialCompleted(ctx context.Context, materialID string, completed bool) (*upstream.MaterialProgress, error)
}

// Publisher is the slice of the event bus the reconciler needs.
type Publisher interface {
	Publish(payload any)
}

// State is the mirrored per-material account state.
type State struct {
	IsFavorite            bool
	IsCompleted           bool
	CourseProgressPercent float64
}

type Reconciler struct {
	api API
	bus Publisher
	log *zap.Logger

	mu       sync.Mutex
	state    map[string]State
	inflight map[string]struct{}
}

func New(api API, bus Publisher, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		api:      api,
		bus:      bus,
		log:      log,
		state:    make(map[string]State),
		inflight: make(map[string]struct{}),
	}
}

// Seed preloads the mirror for a material, typically when a session opens
// with server-provided flags.
func (r *Reconciler) Seed(materialID string, s State) {
	r.mu.Lock()
	r.state[materialID] = s
	r.mu.Unlock()
}

// Snapshot returns the current mirrored state (zero value if unseen).
func (r *Reconciler) Snapshot(materialID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state[materialID]
}

// Toggle flips one flag on one material. While a toggle for the same
// (kind, material) pair is pending, further calls return ErrInFlight
// without contacting the server, so rapid repeat clicks collapse into a
// single request. The mirror changes only on a confirmed response.
func (r *Reconciler) Toggle(ctx context.Context, kind Kind, materialID string) (State, error) {
	key := string(kind) + ":" + materialID

	r.mu.Lock()
	if _, busy := r.inflight[key]; busy {
		cur := r.state[materialID]
		r.mu.Unlock()
		return cur, ErrInFlight
	}
	r.inflight[key] = struct{}{}
	cur := r.state[materialID]
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
	}()

	switch kind {
	case KindFavorite:
		resp, err := r.api.ToggleFavorite(ctx, materialID)
		if err != nil {
			r.log.Warn("favorite toggle failed", zap.String("material_id", materialID), zap.Error(err))
			return cur, err
		}
		st := r.confirm(materialID, func(s *State) { s.IsFavorite = resp.IsFavorite })
		r.announce(materialID, st)
		if resp.IsFavorite {
			r.bus.Publish(events.Notice{Level: "info", Text: "Added to favorites"})
		} else {
			r.bus.Publish(events.Notice{Level: "info", Text: "Removed from favorites"})
		}
		return st, nil

	case KindCompleted:
		resp, err := r.api.SetMaterialCompleted(ctx, materialID, !cur.IsCompleted)
		if err != nil {
			r.log.Warn("completion toggle failed", zap.String("material_id", materialID), zap.Error(err))
			return cur, err
		}
		st := r.confirm(materialID, func(s *State) {
			s.IsCompleted = resp.IsCompleted
			s.CourseProgressPercent = resp.CourseProgressPercent
		})
		r.announce(materialID, st)
		return st, nil

	default:
		return cur, fmt.Errorf("access: unknown toggle kind %q", kind)
	}
}

func (r *Reconciler) confirm(materialID string, apply func(*State)) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state[materialID]
	apply(&s)
	r.state[materialID] = s
	return s
}

func (r *Reconciler) announce(materialID string, s State) {
	r.bus.Publish(events.AccessChanged{
		MaterialID:            materialID,
		IsFavorite:            s.IsFavorite,
		IsCompleted:           s.IsCompleted,
		CourseProgressPercent: s.CourseProgressPercent,
	})
}
