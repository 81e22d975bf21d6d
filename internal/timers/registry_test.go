package timers

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func waitFire(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func assertNoFire(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected timer fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEvery_FiresOnInterval(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := NewRegistry(fc, nil)
	defer r.Close()

	fired := make(chan struct{}, 16)
	r.Every(time.Second, false, func() { fired <- struct{}{} })

	fc.BlockUntil(1)
	fc.Advance(time.Second)
	waitFire(t, fired)
	fc.Advance(time.Second)
	waitFire(t, fired)
}

func TestStop_NoFiresAfterStop(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := NewRegistry(fc, nil)
	defer r.Close()

	fired := make(chan struct{}, 16)
	h := r.Every(time.Second, false, func() { fired <- struct{}{} })
	fc.BlockUntil(1)

	h.Stop()
	if !h.Stopped() {
		t.Fatal("handle should report stopped")
	}
	fc.Advance(5 * time.Second)
	assertNoFire(t, fired)
	if r.Active() != 0 {
		t.Fatalf("expected 0 active timers, got %d", r.Active())
	}
}

func TestStop_FromInsideCallback(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := NewRegistry(fc, nil)
	defer r.Close()

	fired := make(chan struct{}, 16)
	var h *Handle
	done := make(chan struct{})
	h = r.Every(time.Second, false, func() {
		fired <- struct{}{}
		h.Stop() // a countdown stopping its own timer must not deadlock
		close(done)
	})
	fc.BlockUntil(1)

	fc.Advance(time.Second)
	waitFire(t, fired)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never returned from Stop")
	}

	fc.Advance(5 * time.Second)
	assertNoFire(t, fired)
	if r.Active() != 0 {
		t.Fatalf("expected 0 active timers, got %d", r.Active())
	}
}

func TestHide_SuppressesOnlyPausableTimers(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := NewRegistry(fc, nil)
	defer r.Close()

	pausable := make(chan struct{}, 16)
	countdown := make(chan struct{}, 16)
	r.Every(time.Second, true, func() { pausable <- struct{}{} })
	r.Every(time.Second, false, func() { countdown <- struct{}{} })
	fc.BlockUntil(2)

	r.Hide()
	fc.Advance(time.Second)
	waitFire(t, countdown) // playback countdown ignores visibility
	assertNoFire(t, pausable)

	r.Show()
	fc.Advance(time.Second)
	waitFire(t, pausable)
	waitFire(t, countdown)
}

func TestClose_TearsDownEverything(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := NewRegistry(fc, nil)

	fired := make(chan struct{}, 16)
	r.Every(time.Second, false, func() { fired <- struct{}{} })
	r.Every(time.Second, true, func() { fired <- struct{}{} })
	fc.BlockUntil(2)

	r.Close()
	fc.Advance(10 * time.Second)
	assertNoFire(t, fired)

	// A closed registry hands out dead handles.
	h := r.Every(time.Second, false, func() { fired <- struct{}{} })
	if !h.Stopped() {
		t.Fatal("handle from closed registry must be dead")
	}
	h.Stop() // must be a no-op, not a panic

	r.Close() // idempotent
}
