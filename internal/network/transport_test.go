package network_test

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/snehjoshi/epochsim/internal/metrics"
	"github.com/snehjoshi/epochsim/internal/network"
	"github.com/snehjoshi/epochsim/internal/scheduler"
)

func newTransport(t *testing.T, cfg network.Config, opts ...network.Option) (*network.Transport, *scheduler.Scheduler) {
	t.Helper()
	s := scheduler.New()
	tr, err := network.New(s, rand.New(rand.NewSource(11)), cfg, opts...)
	if err != nil {
		t.Fatalf("network.New: %v", err)
	}
	return tr, s
}

func drain(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	if err := s.RunUntil(context.Background(), 24*time.Hour); err != nil {
		t.Fatalf("RunUntil: %v", err)
	}
}

// TestTransmit_SingleAttemptRoundTrip: with a perfect link the round trip is
// exactly two legs (0.02 for D=0.01).
func TestTransmit_SingleAttemptRoundTrip(t *testing.T) {
	tr, s := newTransport(t, network.Config{OneWayDelay: 10 * time.Millisecond, MaxRetries: 3})

	var got network.Result
	tr.Transmit("m1", func(r network.Result) { got = r })
	drain(t, s)

	if !got.Delivered || got.Err != nil {
		t.Fatalf("want delivered, got %+v", got)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts: want 1, got %d", got.Attempts)
	}
	if got.Elapsed != 20*time.Millisecond {
		t.Errorf("Elapsed: want 20ms, got %v", got.Elapsed)
	}
}

// TestTransmit_ExpectedNetworkTime checks the amortised network time for
// D=0.01, p=0.2 against (2 + p/(1−p))·D and the ≈0.022 target.
func TestTransmit_ExpectedNetworkTime(t *testing.T) {
	const (
		d = 10 * time.Millisecond
		p = 0.2
		n = 20000
	)
	tr, s := newTransport(t, network.Config{OneWayDelay: d, FailureProbability: p, MaxRetries: 50})

	var total time.Duration
	var attempts int
	for i := 0; i < n; i++ {
		tr.Transmit(strconv.Itoa(i), func(r network.Result) {
			if !r.Delivered {
				t.Errorf("%s: unexpected failure after %d attempts", r.MessageID, r.Attempts)
			}
			total += r.Elapsed
			attempts += r.Attempts
		})
	}
	drain(t, s)

	mean := total.Seconds() / n
	model := (2 + p/(1-p)) * d.Seconds()
	if math.Abs(mean-model) > 0.02*model {
		t.Errorf("mean network time %.5fs, want %.5fs ±2%%", mean, model)
	}
	if math.Abs(mean-0.022) > 0.001 {
		t.Errorf("mean network time %.5fs, want ≈0.022s", mean)
	}
	if perMsg := float64(attempts) / n; math.Abs(perMsg-1/(1-p)) > 0.02 {
		t.Errorf("attempts per message %.4f, want %.4f", perMsg, 1/(1-p))
	}
}

// TestTransmit_ObserverSeesEveryAttempt verifies that rejected attempts are
// reported, in order, one leg apart.
func TestTransmit_ObserverSeesEveryAttempt(t *testing.T) {
	var seen []network.Attempt
	tr, s := newTransport(t,
		network.Config{OneWayDelay: time.Second, FailureProbability: 0.5, MaxRetries: 100},
		network.WithObserver(network.ObserverFunc(func(a network.Attempt) { seen = append(seen, a) })),
	)

	var res network.Result
	tr.Transmit("m1", func(r network.Result) { res = r })
	drain(t, s)

	if len(seen) != res.Attempts {
		t.Fatalf("observer saw %d attempts, result says %d", len(seen), res.Attempts)
	}
	for i, a := range seen {
		if a.Number != i+1 {
			t.Errorf("attempt[%d].Number = %d", i, a.Number)
		}
		if a.At != time.Duration(i+1)*time.Second {
			t.Errorf("attempt %d arrived at %v, want %v", a.Number, a.At, time.Duration(i+1)*time.Second)
		}
		last := i == len(seen)-1
		if a.Delivered != last {
			t.Errorf("attempt %d Delivered = %v", a.Number, a.Delivered)
		}
	}
	if want := time.Duration(res.Attempts+1) * time.Second; res.Elapsed != want {
		t.Errorf("Elapsed: want %v, got %v", want, res.Elapsed)
	}
}

func TestTransmit_FatalFailureAfterMaxRetries(t *testing.T) {
	var reg metrics.Registry
	var seen int
	tr, s := newTransport(t,
		network.Config{OneWayDelay: time.Second, FailureProbability: 0.999999, MaxRetries: 2},
		network.WithMetrics(&reg),
		network.WithObserver(network.ObserverFunc(func(network.Attempt) { seen++ })),
	)

	var res network.Result
	tr.Transmit("doomed", func(r network.Result) { res = r })
	drain(t, s)

	if res.Delivered {
		t.Fatal("want failure")
	}
	if !errors.Is(res.Err, network.ErrDeliveryFailed) {
		t.Fatalf("Err: want ErrDeliveryFailed, got %v", res.Err)
	}
	if res.Attempts != 3 || seen != 3 {
		t.Errorf("attempts: want 3 (1 + 2 retries), got %d / observed %d", res.Attempts, seen)
	}
	if res.Elapsed != 4*time.Second {
		t.Errorf("Elapsed: want 4s, got %v", res.Elapsed)
	}
	if reg.DeliveryFailures.Get(metrics.ScopeStage2) != 1 || reg.TransportAttempts.Get(metrics.OutcomeLost) != 3 {
		t.Errorf("metrics: failures %d, lost attempts %d",
			reg.DeliveryFailures.Get(metrics.ScopeStage2), reg.TransportAttempts.Get(metrics.OutcomeLost))
	}
	if _, _, failures := tr.Stats(); failures != 1 {
		t.Errorf("Stats failures: want 1, got %d", failures)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	s := scheduler.New()
	rng := rand.New(rand.NewSource(1))
	bad := []network.Config{
		{OneWayDelay: -time.Second},
		{OneWayDelay: 0},
		{OneWayDelay: time.Millisecond, FailureProbability: 1},
		{OneWayDelay: time.Millisecond, FailureProbability: -0.5},
		{OneWayDelay: time.Millisecond, MaxRetries: -1},
	}
	for _, cfg := range bad {
		if _, err := network.New(s, rng, cfg); err == nil {
			t.Errorf("New(%+v): expected error", cfg)
		}
	}
}
