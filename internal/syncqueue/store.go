// Package syncqueue guarantees that cart, progress and AI-query mutations
// issued against a failing backend are not lost: they are persisted locally
// and replayed when connectivity returns.
package syncqueue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a pending action mutates. Each kind has its own
// sync trigger tag and replay path.
type Kind string

const (
	KindCart     Kind = "cart"
	KindProgress Kind = "progress"
	KindAIQuery  Kind = "ai-query"
)

var ErrNotFound = errors.New("syncqueue: action not found")

// PendingAction is one queued mutation. Payload is the kind-specific JSON
// body recorded at enqueue time.
type PendingAction struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Kind      Kind      `gorm:"index" json:"kind"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// NewActionID returns a time-ordered unique id (UUIDv7).
func NewActionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Store is the durable queue. Both sides of the agent (request paths append,
// the replayer consumes) share it; List returns a snapshot and Delete
// removes single confirmed entries, so appends racing a flush are safe.
type Store interface {
	Append(ctx context.Context, a PendingAction) error
	// List returns every pending action, oldest first.
	List(ctx context.Context) ([]PendingAction, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

// MemoryStore is the non-durable fallback for tests and broker-less runs.
type MemoryStore struct {
	mu      sync.Mutex
	actions map[string]PendingAction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actions: make(map[string]PendingAction)}
}

func (s *MemoryStore) Append(_ context.Context, a PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[a.ID] = a
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingAction, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[id]; !ok {
		return ErrNotFound
	}
	delete(s.actions, id)
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.actions)), nil
}

func (s *MemoryStore) Close() error { return nil }
