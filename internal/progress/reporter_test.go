package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type flushRecorder struct {
	mu     sync.Mutex
	fail   bool
	sends  []flushCall
}

type flushCall struct {
	materialID string
	seconds    int
	isFinal    bool
}

func (f *flushRecorder) SendMaterialProgress(_ context.Context, materialID string, seconds int, isFinal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("upstream down")
	}
	f.sends = append(f.sends, flushCall{materialID, seconds, isFinal})
	return nil
}

func (f *flushRecorder) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flushRecorder) calls() []flushCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]flushCall(nil), f.sends...)
}

func newTestReporter(fc clockwork.FakeClock, fl Flusher) *Reporter {
	return NewReporter("mat-1", fl, Options{
		TickInterval:   30 * time.Second,
		ActivityWindow: 2 * time.Minute,
		Clock:          fc,
	})
}

func TestTick_FlushesDeltaSinceLastSuccess(t *testing.T) {
	fc := clockwork.NewFakeClock()
	fl := &flushRecorder{}
	r := newTestReporter(fc, fl)

	r.PlaybackStarted("mat-1")
	fc.Advance(30 * time.Second)
	r.RecordActivity()
	r.Tick(context.Background())

	calls := fl.calls()
	if len(calls) != 1 || calls[0].seconds != 30 || calls[0].isFinal {
		t.Fatalf("unexpected calls %+v", calls)
	}

	// The base reset: the next 10 seconds flush as 10, not 40.
	fc.Advance(10 * time.Second)
	r.RecordActivity()
	r.Tick(context.Background())
	calls = fl.calls()
	if len(calls) != 2 || calls[1].seconds != 10 {
		t.Fatalf("delta accounting broken: %+v", calls)
	}
}

func TestTick_FailureRollsIntoNextTick(t *testing.T) {
	fc := clockwork.NewFakeClock()
	fl := &flushRecorder{}
	r := newTestReporter(fc, fl)

	r.PlaybackStarted("mat-1")
	fc.Advance(30 * time.Second)
	r.RecordActivity()

	fl.setFail(true)
	r.Tick(context.Background()) // dropped silently

	fl.setFail(false)
	fc.Advance(30 * time.Second)
	r.RecordActivity()
	r.Tick(context.Background())

	calls := fl.calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one successful flush, got %+v", calls)
	}
	if calls[0].seconds != 60 {
		t.Fatalf("expected absorbed 60s, got %d", calls[0].seconds)
	}
}

func TestTick_SkipsIdleViewer(t *testing.T) {
	fc := clockwork.NewFakeClock()
	fl := &flushRecorder{}
	r := newTestReporter(fc, fl)

	r.PlaybackStarted("mat-1")
	// Playback running but no user activity for over 2 minutes.
	fc.Advance(3 * time.Minute)
	r.Tick(context.Background())
	if len(fl.calls()) != 0 {
		t.Fatalf("idle time must not flush, got %+v", fl.calls())
	}

	// Activity arrives: the accumulated playback time flushes.
	r.RecordActivity()
	r.Tick(context.Background())
	calls := fl.calls()
	if len(calls) != 1 || calls[0].seconds != 180 {
		t.Fatalf("expected 180s flush after activity, got %+v", calls)
	}
}

func TestTick_NothingToFlush(t *testing.T) {
	fc := clockwork.NewFakeClock()
	fl := &flushRecorder{}
	r := newTestReporter(fc, fl)

	r.RecordActivity()
	r.Tick(context.Background())
	if len(fl.calls()) != 0 {
		t.Fatalf("no playback time: nothing should flush, got %+v", fl.calls())
	}
}

func TestPauseStopsAccrual(t *testing.T) {
	fc := clockwork.NewFakeClock()
	fl := &flushRecorder{}
	r := newTestReporter(fc, fl)

	r.PlaybackStarted("mat-1")
	fc.Advance(10 * time.Second)
	r.PlaybackStopped("mat-1")
	fc.Advance(50 * time.Second) // paused: must not count
	r.RecordActivity()
	r.Tick(context.Background())

	calls := fl.calls()
	if len(calls) != 1 || calls[0].seconds != 10 {
		t.Fatalf("expected 10s (playback only), got %+v", calls)
	}
}

func TestFlushFinal_AtMostOnce(t *testing.T) {
	fc := clockwork.NewFakeClock()
	fl := &flushRecorder{}
	r := newTestReporter(fc, fl)

	r.PlaybackStarted("mat-1")
	fc.Advance(7 * time.Second)

	// Browsers can fire both pagehide and beforeunload; both paths land here.
	seconds, err := r.FlushFinal(context.Background())
	if err != nil || seconds != 7 {
		t.Fatalf("first final flush: %d, %v", seconds, err)
	}
	seconds, err = r.FlushFinal(context.Background())
	if err != nil || seconds != 0 {
		t.Fatalf("repeat final flush must be a silent no-op, got %d, %v", seconds, err)
	}

	calls := fl.calls()
	if len(calls) != 1 {
		t.Fatalf("final flush must happen once, got %+v", calls)
	}
	if !calls[0].isFinal || calls[0].seconds != 7 {
		t.Fatalf("unexpected final call %+v", calls[0])
	}
	if !r.FinalSent() {
		t.Fatal("FinalSent should report true")
	}

	// Ticks after the final flush are dead.
	fc.Advance(time.Minute)
	r.RecordActivity()
	r.Tick(context.Background())
	if len(fl.calls()) != 1 {
		t.Fatal("tick after final flush must be a no-op")
	}
}

func TestFlushFinal_IgnoresActivityWindowAndNeverNegative(t *testing.T) {
	fc := clockwork.NewFakeClock()
	fl := &flushRecorder{}
	r := newTestReporter(fc, fl)

	// No playback, no activity at all.
	r.FlushFinal(context.Background())
	calls := fl.calls()
	if len(calls) != 1 {
		t.Fatalf("final flush always sends, got %+v", calls)
	}
	if calls[0].seconds < 0 {
		t.Fatalf("negative time spent: %d", calls[0].seconds)
	}
}

func TestFlushFinal_FailureReturnsAttemptedSeconds(t *testing.T) {
	fc := clockwork.NewFakeClock()
	fl := &flushRecorder{}
	r := newTestReporter(fc, fl)

	r.PlaybackStarted("mat-1")
	fc.Advance(12 * time.Second)

	fl.setFail(true)
	seconds, err := r.FlushFinal(context.Background())
	if err == nil {
		t.Fatal("expected send error")
	}
	if seconds != 12 {
		t.Fatalf("caller needs the watched time to requeue it, got %d", seconds)
	}
	if !r.FinalSent() {
		t.Fatal("a failed final flush still consumes the one attempt")
	}

	// The caller owns recovery; the reporter itself never resends.
	fl.setFail(false)
	seconds, err = r.FlushFinal(context.Background())
	if err != nil || seconds != 0 {
		t.Fatalf("repeat after failure must stay a no-op, got %d, %v", seconds, err)
	}
	if len(fl.calls()) != 0 {
		t.Fatalf("no successful sends expected, got %+v", fl.calls())
	}
}

func TestOtherMaterialEventsIgnored(t *testing.T) {
	fc := clockwork.NewFakeClock()
	fl := &flushRecorder{}
	r := newTestReporter(fc, fl)

	r.PlaybackStarted("mat-other")
	fc.Advance(30 * time.Second)
	r.RecordActivity()
	r.Tick(context.Background())
	if len(fl.calls()) != 0 {
		t.Fatalf("foreign material must not accrue, got %+v", fl.calls())
	}
}
