package scheduler_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/snehjoshi/epochsim/internal/scheduler"
)

func newPool(t *testing.T, s *scheduler.Scheduler, capacity int) *scheduler.Pool {
	t.Helper()
	p, err := scheduler.NewPool(s, "test", capacity)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p
}

func TestPool_RejectsZeroCapacity(t *testing.T) {
	if _, err := scheduler.NewPool(scheduler.New(), "bad", 0); err == nil {
		t.Fatal("expected error for capacity 0")
	}
}

// TestPool_FIFOWaiters verifies that parked acquirers are resumed in arrival
// order and that each resumes exactly when a slot is released.
func TestPool_FIFOWaiters(t *testing.T) {
	s := scheduler.New()
	p := newPool(t, s, 1)

	var order []string
	var startedAt []time.Duration
	hold := func(label string, d time.Duration) func(scheduler.Token) {
		return func(tok scheduler.Token) {
			order = append(order, label)
			startedAt = append(startedAt, s.Now())
			s.After(d, func() {
				if err := p.Release(tok); err != nil {
					t.Errorf("Release(%s): %v", label, err)
				}
			})
		}
	}

	s.Spawn(func() {
		p.Acquire(hold("a", time.Second))
		p.Acquire(hold("b", time.Second))
		p.Acquire(hold("c", time.Second))
	})
	s.RunUntil(context.Background(), time.Minute)

	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("grant[%d]: want %s, got %s", i, want[i], order[i])
		}
		if startedAt[i] != time.Duration(i)*time.Second {
			t.Errorf("grant[%d] at %v, want %v", i, startedAt[i], time.Duration(i)*time.Second)
		}
	}
	if p.InUse() != 0 || p.QueueLen() != 0 {
		t.Errorf("pool not drained: in use %d, queued %d", p.InUse(), p.QueueLen())
	}
}

func TestPool_ReleaseUnknownToken(t *testing.T) {
	s := scheduler.New()
	p := newPool(t, s, 2)
	if err := p.Release(scheduler.Token{}); err == nil {
		t.Fatal("expected error releasing a token that was never granted")
	}
}

// TestPool_TimeWeightedStats checks the occupancy integrals on a hand-computed
// schedule: two servers, three 2s jobs arriving together.
//
//	t∈[0,2): busy 2, queue 1
//	t∈[2,4): busy 1, queue 0
func TestPool_TimeWeightedStats(t *testing.T) {
	s := scheduler.New()
	p := newPool(t, s, 2)

	job := func(tok scheduler.Token) {
		s.After(2*time.Second, func() { _ = p.Release(tok) })
	}
	s.Spawn(func() {
		p.Acquire(job)
		p.Acquire(job)
		p.Acquire(job)
	})
	s.RunUntil(context.Background(), 4*time.Second)

	st := p.Stats()
	if st.Window != 4*time.Second {
		t.Fatalf("Window: want 4s, got %v", st.Window)
	}
	if math.Abs(st.MeanBusy-1.5) > 1e-9 {
		t.Errorf("MeanBusy: want 1.5, got %f", st.MeanBusy)
	}
	if math.Abs(st.MeanQueueLen-0.5) > 1e-9 {
		t.Errorf("MeanQueueLen: want 0.5, got %f", st.MeanQueueLen)
	}
	if math.Abs(st.Utilization-0.75) > 1e-9 {
		t.Errorf("Utilization: want 0.75, got %f", st.Utilization)
	}
	if st.MaxQueueLen != 1 || st.Grants != 3 {
		t.Errorf("MaxQueueLen/Grants: want 1/3, got %d/%d", st.MaxQueueLen, st.Grants)
	}

	p.ResetStats()
	s.RunUntil(context.Background(), 6*time.Second)
	if st := p.Stats(); st.MeanBusy != 0 || st.Grants != 0 {
		t.Errorf("after ResetStats: want idle window, got %+v", st)
	}
}
