package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BonisOleg/play-vision-sub000/internal/events"
	"github.com/BonisOleg/play-vision-sub000/internal/upstream"
)

type fakeAPI struct {
	mu             sync.Mutex
	favoriteCalls  int
	completedCalls int
	favorite       bool
	favoriteErr    error
	completedErr   error
	lastCompleted  bool
	block          chan struct{} // when set, calls wait here
	entered        chan struct{} // signalled once a call is inside
}

func (f *fakeAPI) ToggleFavorite(context.Context, string) (*upstream.FavoriteState, error) {
	f.mu.Lock()
	f.favoriteCalls++
	block := f.block
	entered := f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.favoriteErr != nil {
		return nil, f.favoriteErr
	}
	f.favorite = !f.favorite
	return &upstream.FavoriteState{MaterialID: "mat-1", IsFavorite: f.favorite}, nil
}

func (f *fakeAPI) SetMaterialCompleted(_ context.Context, materialID string, completed bool) (*upstream.MaterialProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedCalls++
	f.lastCompleted = completed
	if f.completedErr != nil {
		return nil, f.completedErr
	}
	pct := 0.0
	if completed {
		pct = 50
	}
	return &upstream.MaterialProgress{MaterialID: materialID, IsCompleted: completed, CourseProgressPercent: pct}, nil
}

type busRecorder struct {
	mu   sync.Mutex
	msgs []any
}

func (b *busRecorder) Publish(payload any) {
	b.mu.Lock()
	b.msgs = append(b.msgs, payload)
	b.mu.Unlock()
}

func (b *busRecorder) all() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]any(nil), b.msgs...)
}

func TestToggle_RepeatClickCollapsesToOneRequest(t *testing.T) {
	api := &fakeAPI{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	r := New(api, &busRecorder{}, nil)

	var firstState State
	var firstErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		firstState, firstErr = r.Toggle(context.Background(), KindFavorite, "mat-1")
	}()

	select {
	case <-api.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first toggle never reached the server")
	}

	// Second click lands while the first request is pending.
	if _, err := r.Toggle(context.Background(), KindFavorite, "mat-1"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}

	close(api.block)
	<-done
	if firstErr != nil {
		t.Fatalf("first toggle: %v", firstErr)
	}
	if !firstState.IsFavorite {
		t.Fatal("first toggle must land")
	}
	api.mu.Lock()
	calls := api.favoriteCalls
	api.mu.Unlock()
	if calls != 1 {
		t.Fatalf("exactly one request must go out, got %d", calls)
	}
}

func TestToggle_DifferentFlagsDoNotBlockEachOther(t *testing.T) {
	api := &fakeAPI{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	r := New(api, &busRecorder{}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Toggle(context.Background(), KindFavorite, "mat-1")
	}()
	<-api.entered

	// Completion on the same material is an independent flag.
	if _, err := r.Toggle(context.Background(), KindCompleted, "mat-1"); err != nil {
		t.Fatalf("completion toggle blocked by favorite toggle: %v", err)
	}

	close(api.block)
	<-done
}

func TestToggle_FailureLeavesMirrorUnchanged(t *testing.T) {
	api := &fakeAPI{favoriteErr: upstream.ErrTransient}
	bus := &busRecorder{}
	r := New(api, bus, nil)
	r.Seed("mat-1", State{IsFavorite: true})

	st, err := r.Toggle(context.Background(), KindFavorite, "mat-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !st.IsFavorite || !r.Snapshot("mat-1").IsFavorite {
		t.Fatal("mirror must not change on failure")
	}
	for _, m := range bus.all() {
		if _, ok := m.(events.AccessChanged); ok {
			t.Fatal("no state announcement on failure")
		}
	}
}

func TestToggle_MirrorFollowsServerAnswer(t *testing.T) {
	api := &fakeAPI{}
	bus := &busRecorder{}
	r := New(api, bus, nil)

	st, err := r.Toggle(context.Background(), KindFavorite, "mat-1")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !st.IsFavorite {
		t.Fatal("expected favorite on")
	}

	st, err = r.Toggle(context.Background(), KindFavorite, "mat-1")
	if err != nil {
		t.Fatalf("toggle back: %v", err)
	}
	if st.IsFavorite {
		t.Fatal("expected favorite off")
	}

	var changes []events.AccessChanged
	var notices []events.Notice
	for _, m := range bus.all() {
		switch v := m.(type) {
		case events.AccessChanged:
			changes = append(changes, v)
		case events.Notice:
			notices = append(notices, v)
		}
	}
	if len(changes) != 2 || !changes[0].IsFavorite || changes[1].IsFavorite {
		t.Fatalf("unexpected announcements %+v", changes)
	}
	if len(notices) != 2 || notices[0].Text == notices[1].Text {
		t.Fatalf("expected distinct add/remove notices, got %+v", notices)
	}
}

func TestToggle_CompletionRequestsInverseOfMirror(t *testing.T) {
	api := &fakeAPI{}
	r := New(api, &busRecorder{}, nil)

	st, err := r.Toggle(context.Background(), KindCompleted, "mat-1")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !api.lastCompleted || !st.IsCompleted || st.CourseProgressPercent != 50 {
		t.Fatalf("expected completion on with progress, got %+v (sent %v)", st, api.lastCompleted)
	}

	st, err = r.Toggle(context.Background(), KindCompleted, "mat-1")
	if err != nil {
		t.Fatalf("toggle back: %v", err)
	}
	if api.lastCompleted || st.IsCompleted {
		t.Fatalf("expected completion off, got %+v (sent %v)", st, api.lastCompleted)
	}
}

func TestToggle_UnknownKind(t *testing.T) {
	r := New(&fakeAPI{}, &busRecorder{}, nil)
	if _, err := r.Toggle(context.Background(), Kind("archived"), "mat-1"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
