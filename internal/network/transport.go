// Package network models the lossy link between the two pipeline stages.
//
// Timing of one transmission with one-way delay D:
//
//	attempt 1 ──D──► receiver ──D──► sender        (success: done at 2D)
//	attempt 1 ──D──► receiver  ✗ NACK
//	                attempt 2 ──D──► receiver ...   (retransmission overlaps the NACK leg)
//
// Each failed attempt adds one leg, so k failures before success cost
// (k+2)·D and the expected network time is (2 + p/(1−p))·D, 2.25·D for p=0.2.
//
// A sender that waited out the NACK before starting the next attempt would
// pay two legs per failure, (2k+2)·D, and 2.5·D on average for p=0.2. The
// link here retransmits as soon as the NACK is sent, which keeps the
// amortised time near (2+p)·D.
package network

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/snehjoshi/epochsim/internal/metrics"
	"github.com/snehjoshi/epochsim/internal/scheduler"
)

// ErrDeliveryFailed is reported when every allowed attempt was lost.
var ErrDeliveryFailed = errors.New("network: delivery failed after max retries")

// Config describes the link.
type Config struct {
	// OneWayDelay is D, the latency of one leg.
	OneWayDelay time.Duration
	// FailureProbability is p, the independent chance an attempt is rejected.
	FailureProbability float64
	// MaxRetries is the number of retransmissions after the first attempt.
	MaxRetries int
}

// Attempt describes one transmission attempt reaching the receiver.
type Attempt struct {
	MessageID string
	// Number is 1 for the first attempt.
	Number    int
	At        time.Duration
	Delivered bool
}

// Result is the sender-side outcome of one Transmit call.
type Result struct {
	MessageID string
	Attempts  int
	Started   time.Duration
	// Elapsed runs from Transmit to the final acknowledgement or NACK.
	Elapsed   time.Duration
	Delivered bool
	// Err is ErrDeliveryFailed when Delivered is false.
	Err error
}

// Observer is notified of every attempt as it reaches the receiver,
// including rejected ones.
type Observer interface {
	OnAttempt(a Attempt)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(a Attempt)

// OnAttempt calls f(a).
func (f ObserverFunc) OnAttempt(a Attempt) { f(a) }

// Option customises a Transport.
type Option func(*Transport)

// WithObserver registers o for every attempt.
func WithObserver(o Observer) Option {
	return func(t *Transport) { t.observer = o }
}

// WithMetrics counts attempts and fatal failures in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(t *Transport) { t.metrics = reg }
}

// WithLogger sets the transport's logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// Transport schedules transmissions on a simulation's virtual clock.
// Not safe for concurrent use.
type Transport struct {
	sched *scheduler.Scheduler
	rng   *rand.Rand
	cfg   Config

	observer Observer
	metrics  *metrics.Registry
	log      *slog.Logger

	attempts, lost, failures int64
}

// New validates cfg and returns a Transport.
func New(sched *scheduler.Scheduler, rng *rand.Rand, cfg Config, opts ...Option) (*Transport, error) {
	if sched == nil || rng == nil {
		return nil, errors.New("network: scheduler and random source are required")
	}
	if cfg.OneWayDelay <= 0 {
		return nil, fmt.Errorf("network: one-way delay must be positive, got %v", cfg.OneWayDelay)
	}
	if cfg.FailureProbability < 0 || cfg.FailureProbability >= 1 {
		return nil, fmt.Errorf("network: failure probability %g outside [0, 1)", cfg.FailureProbability)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("network: negative max retries %d", cfg.MaxRetries)
	}
	t := &Transport{
		sched: sched,
		rng:   rng,
		cfg:   cfg,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Config returns the link configuration.
func (t *Transport) Config() Config { return t.cfg }

// Transmit sends message id and calls done once with the outcome. At most
// MaxRetries+1 attempts are made.
func (t *Transport) Transmit(id string, done func(Result)) {
	start := t.sched.Now()
	t.sched.After(t.cfg.OneWayDelay, func() { t.arrive(id, 1, start, done) })
}

// arrive resolves attempt n at the receiver.
func (t *Transport) arrive(id string, n int, start time.Duration, done func(Result)) {
	ok := t.rng.Float64() >= t.cfg.FailureProbability
	t.attempts++
	if !ok {
		t.lost++
	}
	if t.metrics != nil {
		outcome := metrics.OutcomeDelivered
		if !ok {
			outcome = metrics.OutcomeLost
		}
		t.metrics.TransportAttempts.Inc(outcome)
	}
	if t.observer != nil {
		t.observer.OnAttempt(Attempt{MessageID: id, Number: n, At: t.sched.Now(), Delivered: ok})
	}

	switch {
	case ok:
		t.sched.After(t.cfg.OneWayDelay, func() {
			done(Result{
				MessageID: id,
				Attempts:  n,
				Started:   start,
				Elapsed:   t.sched.Now() - start,
				Delivered: true,
			})
		})
	case n > t.cfg.MaxRetries:
		t.sched.After(t.cfg.OneWayDelay, func() {
			t.failures++
			if t.metrics != nil {
				t.metrics.DeliveryFailures.Inc(metrics.ScopeStage2)
			}
			t.log.Debug("delivery failed", "id", id, "attempts", n)
			done(Result{
				MessageID: id,
				Attempts:  n,
				Started:   start,
				Elapsed:   t.sched.Now() - start,
				Err:       fmt.Errorf("%w: %s after %d attempts", ErrDeliveryFailed, id, n),
			})
		})
	default:
		t.sched.After(t.cfg.OneWayDelay, func() { t.arrive(id, n+1, start, done) })
	}
}

// Stats returns total attempts, rejected attempts and fatal failures.
func (t *Transport) Stats() (attempts, lost, failures int64) {
	return t.attempts, t.lost, t.failures
}
