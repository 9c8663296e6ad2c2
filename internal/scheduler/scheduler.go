package scheduler

import (
	"container/heap"
	"context"
	"time"
)

// TimerID identifies a scheduled event so it can be cancelled.
// The zero value never identifies a live event.
type TimerID uint64

// ctxCheckEvery is how many events RunUntil processes between context checks.
const ctxCheckEvery = 4096

// Scheduler is a discrete-event engine over a virtual clock.
//
// Usage:
//
//	s := scheduler.New()
//	s.After(30*time.Second, func() {
//	    // visibility timeout fired
//	})
//	if err := s.RunUntil(ctx, time.Hour); err != nil { ... }
//
// Scheduler is NOT safe for concurrent use. Every simulation owns exactly one
// Scheduler and drives it from a single goroutine; independent simulations may
// run in parallel on their own Schedulers.
type Scheduler struct {
	now    time.Duration
	seq    uint64
	nextID TimerID
	h      minHeap
	byID   map[TimerID]*item // id → item for O(log N) Cancel
	fired  uint64
}

// New creates a Scheduler whose clock reads zero.
func New() *Scheduler {
	h := make(minHeap, 0, 256)
	heap.Init(&h)
	return &Scheduler{
		h:    h,
		byID: make(map[TimerID]*item),
	}
}

// Now returns the current virtual time.
func (s *Scheduler) Now() time.Duration { return s.now }

// At schedules fn to run at virtual time t. A t in the past is treated as now.
func (s *Scheduler) At(t time.Duration, fn func()) TimerID {
	if t < s.now {
		t = s.now
	}
	s.seq++
	s.nextID++
	it := &item{
		id:  s.nextID,
		at:  t,
		seq: s.seq,
		fn:  fn,
	}
	heap.Push(&s.h, it)
	s.byID[it.id] = it
	return it.id
}

// After schedules fn to run d after the current virtual time.
// Negative durations are treated as zero.
func (s *Scheduler) After(d time.Duration, fn func()) TimerID {
	if d < 0 {
		d = 0
	}
	return s.At(s.now+d, fn)
}

// Spawn schedules fn at the current virtual time. It runs after every event
// already queued for this instant.
func (s *Scheduler) Spawn(fn func()) {
	s.At(s.now, fn)
}

// Cancel removes a pending event. It reports whether the event was still
// pending; cancelling a fired or unknown event is a no-op.
func (s *Scheduler) Cancel(id TimerID) bool {
	it, ok := s.byID[id]
	if !ok {
		return false
	}
	s.h.remove(it.heapIdx)
	delete(s.byID, id)
	return true
}

// Pending reports whether id is still scheduled.
func (s *Scheduler) Pending(id TimerID) bool {
	_, ok := s.byID[id]
	return ok
}

// Len returns the number of pending events.
func (s *Scheduler) Len() int { return len(s.h) }

// Fired returns the total number of events executed so far.
func (s *Scheduler) Fired() uint64 { return s.fired }

// Step pops the earliest event, advances the clock to its due time and runs
// it. It returns false when no events are pending.
func (s *Scheduler) Step() bool {
	if s.h.Len() == 0 {
		return false
	}
	it := heap.Pop(&s.h).(*item)
	delete(s.byID, it.id)
	s.now = it.at
	s.fired++
	it.fn()
	return true
}

// RunUntil executes every event due at or before until, then leaves the clock
// at until. Events scheduled for later stay pending, so RunUntil may be called
// again to continue the same simulation.
//
// ctx is consulted periodically; cancelling it stops the run early and
// returns ctx.Err().
func (s *Scheduler) RunUntil(ctx context.Context, until time.Duration) error {
	var n int
	for s.h.Len() > 0 && s.h[0].at <= until {
		n++
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		s.Step()
	}
	if until > s.now {
		s.now = until
	}
	return ctx.Err()
}
