package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/snehjoshi/epochsim/internal/scheduler"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// recorder collects the labels of fired events together with the virtual
// time at which each fired.
type recorder struct {
	s     *scheduler.Scheduler
	order []string
	at    []time.Duration
}

func (r *recorder) fn(label string) func() {
	return func() {
		r.order = append(r.order, label)
		r.at = append(r.at, r.s.Now())
	}
}

func newRecorder() *recorder {
	return &recorder{s: scheduler.New()}
}

// ─── Tests ───────────────────────────────────────────────────────────────────

// TestScheduler_OrderedDelivery verifies that events fire in due-time order
// regardless of insertion order.
func TestScheduler_OrderedDelivery(t *testing.T) {
	r := newRecorder()
	r.s.After(60*time.Millisecond, r.fn("b"))
	r.s.After(30*time.Millisecond, r.fn("a"))
	r.s.After(90*time.Millisecond, r.fn("c"))

	if err := r.s.RunUntil(context.Background(), time.Second); err != nil {
		t.Fatalf("RunUntil: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(r.order) != len(want) {
		t.Fatalf("fired %d events, want %d", len(r.order), len(want))
	}
	for i := range want {
		if r.order[i] != want[i] {
			t.Errorf("event[%d]: want %s, got %s", i, want[i], r.order[i])
		}
	}
	if r.at[0] != 30*time.Millisecond {
		t.Errorf("first event fired at %v, want 30ms", r.at[0])
	}
}

// TestScheduler_SameTimeFIFO verifies the tie-break: events due at the same
// instant fire in the order they were scheduled.
func TestScheduler_SameTimeFIFO(t *testing.T) {
	r := newRecorder()
	for _, l := range []string{"first", "second", "third"} {
		r.s.At(time.Second, r.fn(l))
	}
	r.s.RunUntil(context.Background(), time.Second)

	want := []string{"first", "second", "third"}
	for i := range want {
		if r.order[i] != want[i] {
			t.Errorf("event[%d]: want %s, got %s", i, want[i], r.order[i])
		}
	}
}

// TestScheduler_SpawnRunsAfterQueuedSameTimeEvents verifies that Spawn from
// inside a callback queues behind events already due at the same instant.
func TestScheduler_SpawnRunsAfterQueuedSameTimeEvents(t *testing.T) {
	r := newRecorder()
	r.s.At(time.Second, func() {
		r.order = append(r.order, "parent")
		r.s.Spawn(r.fn("child"))
	})
	r.s.At(time.Second, r.fn("sibling"))
	r.s.RunUntil(context.Background(), 2*time.Second)

	want := []string{"parent", "sibling", "child"}
	for i := range want {
		if r.order[i] != want[i] {
			t.Errorf("event[%d]: want %s, got %s", i, want[i], r.order[i])
		}
	}
}

// TestScheduler_CancelPreventsDelivery verifies that a cancelled event never
// fires and that a second Cancel is a no-op.
func TestScheduler_CancelPreventsDelivery(t *testing.T) {
	r := newRecorder()
	id := r.s.After(300*time.Millisecond, r.fn("cancelled"))
	r.s.After(100*time.Millisecond, r.fn("kept"))

	if !r.s.Cancel(id) {
		t.Fatal("Cancel: want true for a pending event")
	}
	if r.s.Cancel(id) {
		t.Error("second Cancel: want false")
	}
	if r.s.Pending(id) {
		t.Error("Pending after Cancel: want false")
	}

	r.s.RunUntil(context.Background(), time.Second)
	if len(r.order) != 1 || r.order[0] != "kept" {
		t.Fatalf("fired %v, want [kept]", r.order)
	}
}

// TestScheduler_RunUntilLeavesLaterEvents verifies that RunUntil stops at the
// horizon, advances the clock to it, and can be resumed.
func TestScheduler_RunUntilLeavesLaterEvents(t *testing.T) {
	r := newRecorder()
	r.s.After(time.Second, r.fn("early"))
	r.s.After(10*time.Second, r.fn("late"))

	r.s.RunUntil(context.Background(), 5*time.Second)
	if r.s.Now() != 5*time.Second {
		t.Errorf("Now after RunUntil: want 5s, got %v", r.s.Now())
	}
	if r.s.Len() != 1 {
		t.Errorf("Len: want 1 pending, got %d", r.s.Len())
	}

	r.s.RunUntil(context.Background(), 20*time.Second)
	if len(r.order) != 2 || r.at[1] != 10*time.Second {
		t.Fatalf("resumed run fired %v at %v", r.order, r.at)
	}
}

// TestScheduler_PastScheduleClampsToNow verifies that At with a time in the
// past fires at the current instant, never moving the clock backwards.
func TestScheduler_PastScheduleClampsToNow(t *testing.T) {
	r := newRecorder()
	r.s.RunUntil(context.Background(), 10*time.Second)
	r.s.At(time.Second, r.fn("past"))
	r.s.After(-time.Second, r.fn("negative"))
	r.s.RunUntil(context.Background(), 10*time.Second)

	for i, at := range r.at {
		if at != 10*time.Second {
			t.Errorf("event[%d] fired at %v, want 10s", i, at)
		}
	}
}

// TestScheduler_RunUntilHonoursContext verifies that a cancelled context
// stops the run.
func TestScheduler_RunUntilHonoursContext(t *testing.T) {
	s := scheduler.New()
	var tick func()
	tick = func() { s.After(time.Millisecond, tick) }
	s.Spawn(tick)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.RunUntil(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunUntil: want context.Canceled, got %v", err)
	}
}
