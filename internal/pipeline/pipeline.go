// Package pipeline runs the two-stage tandem simulation:
//
//	arrivals ─► Stage 1 (n1 broker threads) ─► network.Transport ─► Stage 2 (n2 receiver threads) ─► depart
//	                 │                                │
//	                 └── optional broker.Broker        └── every attempt counts as a Stage-2 arrival
//
// A Pipeline is single-threaded: it owns one scheduler.Scheduler and all of
// its random streams are derived from run.seed, so a run is reproducible.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/snehjoshi/epochsim/internal/broker"
	"github.com/snehjoshi/epochsim/internal/config"
	"github.com/snehjoshi/epochsim/internal/dist"
	"github.com/snehjoshi/epochsim/internal/ids"
	"github.com/snehjoshi/epochsim/internal/metrics"
	"github.com/snehjoshi/epochsim/internal/network"
	"github.com/snehjoshi/epochsim/internal/scheduler"
	"github.com/snehjoshi/epochsim/internal/stats"
	"github.com/snehjoshi/epochsim/internal/types"
)

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger passed down to the broker and transport.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics attaches reg to the broker and transport. Counters cover the
// whole run, warm-up included.
func WithMetrics(reg *metrics.Registry) Option {
	return func(p *Pipeline) { p.metrics = reg }
}

// job is one message's trip through the pipeline.
type job struct {
	id      string
	arrived time.Duration
	s1Queue time.Duration
	s1Start time.Duration
	s2Queue time.Duration
	s2Start time.Duration
	held    *types.Message // broker copy received by the Stage-1 thread
}

// stage is one server pool plus its per-message samples.
type stage struct {
	pool    *scheduler.Pool
	svc     dist.Sampler
	wait    stats.Sample
	service stats.Sample
	resp    stats.Sample
	done    int64
}

func newStage(s *scheduler.Scheduler, name string, cfg config.StageConfig, rng *rand.Rand) (*stage, error) {
	kind, err := dist.ParseKind(cfg.Distribution)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	svc, err := dist.New(kind, cfg.ServiceRate, rng)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	pool, err := scheduler.NewPool(s, name, cfg.Servers)
	if err != nil {
		return nil, err
	}
	return &stage{pool: pool, svc: svc}, nil
}

func (st *stage) report() StageReport {
	ps := st.pool.Stats()
	return StageReport{
		Name:         st.pool.Name(),
		Servers:      st.pool.Capacity(),
		Completed:    st.done,
		Wait:         st.wait.Summary(),
		Service:      st.service.Summary(),
		Response:     st.resp.Summary(),
		MeanQueueLen: ps.MeanQueueLen,
		MaxQueueLen:  ps.MaxQueueLen,
		MeanBusy:     ps.MeanBusy,
		Utilization:  ps.Utilization,
	}
}

// Pipeline is one configured simulation run.
type Pipeline struct {
	cfg   *config.Config
	sched *scheduler.Scheduler

	arrivals dist.Sampler
	ids      *ids.Generator
	procRng  *rand.Rand

	stage1, stage2 *stage
	transport      *network.Transport
	broker         *broker.Broker

	metrics *metrics.Registry
	log     *slog.Logger

	inTransit map[string]*job

	// post-warm-up counters
	arrived, departed     int64
	stage2Attempts        int64
	fatal                 int64
	publishErrors         int64
	processingFailures    int64
	brokerMisses          int64
	network, endToEnd     stats.Sample
	networkAttempts       int64
	measuredTransmissions int64
}

// New validates cfg and wires every component. It fails with
// config.ErrInvalid or config.ErrUnstable when the configuration cannot
// reach a steady state.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:       cfg,
		sched:     scheduler.New(),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		inTransit: make(map[string]*job),
	}
	for _, o := range opts {
		o(p)
	}

	// Independent streams so that enabling one component does not shift the
	// draws of another.
	root := rand.New(rand.NewSource(cfg.Run.Seed))
	stream := func() *rand.Rand { return rand.New(rand.NewSource(root.Int63())) }
	arrivalRng, s1Rng, s2Rng, netRng, brokerRng := stream(), stream(), stream(), stream(), stream()
	p.procRng = stream()
	p.ids = ids.NewGenerator(stream(), ids.DefaultEpoch)

	var err error
	if p.arrivals, err = dist.New(dist.Exponential, cfg.Workload.ArrivalRate, arrivalRng); err != nil {
		return nil, fmt.Errorf("pipeline: arrivals: %w", err)
	}
	if p.stage1, err = newStage(p.sched, "stage1", cfg.Stage1, s1Rng); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if p.stage2, err = newStage(p.sched, "stage2", cfg.Stage2, s2Rng); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	p.transport, err = network.New(p.sched, netRng, network.Config{
		OneWayDelay:        cfg.Network.OneWayDelay,
		FailureProbability: cfg.Network.FailureProbability,
		MaxRetries:         cfg.Network.MaxRetries,
	},
		network.WithObserver(network.ObserverFunc(p.onAttempt)),
		network.WithMetrics(p.metrics),
		network.WithLogger(p.log),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	if cfg.Broker.Enabled {
		p.broker, err = broker.New(p.sched, brokerRng, cfg.Broker,
			broker.WithMetrics(p.metrics),
			broker.WithLogger(p.log),
		)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}
	return p, nil
}

// Scheduler exposes the virtual clock, mainly for tests.
func (p *Pipeline) Scheduler() *scheduler.Scheduler { return p.sched }

// Broker returns the coupled broker, or nil when broker.enabled is false.
func (p *Pipeline) Broker() *broker.Broker { return p.broker }

// Run simulates run.duration of virtual time and returns the post-warm-up
// report. It returns ctx.Err() if ctx is cancelled first.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	warm := p.cfg.Run.WarmUp
	end := p.cfg.Run.Duration

	p.sched.At(warm, func() {
		p.stage1.pool.ResetStats()
		p.stage2.pool.ResetStats()
		p.log.Debug("warm-up complete", "at", warm)
	})
	p.sched.After(p.arrivals.Sample(), p.arrive)

	p.log.Info("simulation started",
		"seed", p.cfg.Run.Seed, "duration", end, "warm_up", warm, "broker", p.broker != nil)
	if err := p.sched.RunUntil(ctx, end); err != nil {
		return nil, err
	}
	rep := p.report()
	p.log.Info("simulation finished",
		"events", p.sched.Fired(),
		"departed", rep.Departed,
		"e2e_mean", rep.EndToEnd.Mean,
		"stage2_attempt_rate", rep.Stage2AttemptRate)
	return rep, nil
}

func (p *Pipeline) measured(j *job) bool { return j.arrived >= p.cfg.Run.WarmUp }

// ─── Stage 1 ─────────────────────────────────────────────────────────────────

func (p *Pipeline) arrive() {
	now := p.sched.Now()
	if next := now + p.arrivals.Sample(); next < p.cfg.Run.Duration {
		p.sched.At(next, p.arrive)
	}

	id, err := p.ids.Next(now)
	if err != nil {
		p.log.Error("generate message id", "err", err)
		return
	}
	j := &job{id: id, arrived: now, s1Queue: now}
	if p.measured(j) {
		p.arrived++
	}

	if p.broker != nil {
		_, err := p.broker.Publish(broker.PublishRequest{
			ID:   id,
			Body: make([]byte, p.cfg.Workload.BodySize),
		})
		if err != nil {
			p.publishErrors++
			p.log.Warn("publish failed", "id", id, "err", err)
		}
	}

	p.stage1.pool.Acquire(func(tok scheduler.Token) { p.serveStage1(j, tok) })
}

func (p *Pipeline) serveStage1(j *job, tok scheduler.Token) {
	j.s1Start = p.sched.Now()
	if p.broker != nil {
		j.held = p.broker.Receive()
		if j.held == nil {
			p.brokerMisses++
		}
	}
	svc := p.stage1.svc.Sample()
	p.sched.After(svc, func() { p.finishStage1(j, tok) })
}

func (p *Pipeline) finishStage1(j *job, tok scheduler.Token) {
	now := p.sched.Now()
	if err := p.stage1.pool.Release(tok); err != nil {
		p.log.Error("stage1 release", "err", err)
	}
	if j.held != nil {
		if p.procRng.Float64() < p.cfg.Broker.ProcessingFailureProbability {
			// Left to its visibility timeout.
			if p.measured(j) {
				p.processingFailures++
			}
		} else {
			p.broker.Acknowledge(j.held)
		}
		j.held = nil
	}

	if p.measured(j) {
		p.stage1.done++
		p.stage1.wait.Add(j.s1Start - j.s1Queue)
		p.stage1.service.Add(now - j.s1Start)
		p.stage1.resp.Add(now - j.s1Queue)
	}

	p.inTransit[j.id] = j
	p.transport.Transmit(j.id, func(r network.Result) { p.transmitted(j, r) })
}

// ─── Network ─────────────────────────────────────────────────────────────────

// onAttempt sees every attempt reach the receiver. Each one is a Stage-2
// arrival for rate purposes; only the delivered one queues for a thread.
func (p *Pipeline) onAttempt(a network.Attempt) {
	if a.At >= p.cfg.Run.WarmUp {
		p.stage2Attempts++
	}
	if !a.Delivered {
		return
	}
	j, ok := p.inTransit[a.MessageID]
	if !ok {
		return
	}
	j.s2Queue = a.At
	p.stage2.pool.Acquire(func(tok scheduler.Token) { p.serveStage2(j, tok) })
}

func (p *Pipeline) transmitted(j *job, r network.Result) {
	delete(p.inTransit, j.id)
	if !p.measured(j) {
		return
	}
	p.measuredTransmissions++
	p.networkAttempts += int64(r.Attempts)
	if r.Err != nil {
		p.fatal++
		p.log.Debug("message lost", "id", j.id, "err", r.Err)
		return
	}
	p.network.Add(r.Elapsed)
}

// ─── Stage 2 ─────────────────────────────────────────────────────────────────

func (p *Pipeline) serveStage2(j *job, tok scheduler.Token) {
	j.s2Start = p.sched.Now()
	svc := p.stage2.svc.Sample()
	p.sched.After(svc, func() { p.depart(j, tok) })
}

func (p *Pipeline) depart(j *job, tok scheduler.Token) {
	now := p.sched.Now()
	if err := p.stage2.pool.Release(tok); err != nil {
		p.log.Error("stage2 release", "err", err)
	}
	if !p.measured(j) {
		return
	}
	p.stage2.done++
	p.stage2.wait.Add(j.s2Start - j.s2Queue)
	p.stage2.service.Add(now - j.s2Start)
	p.stage2.resp.Add(now - j.s2Queue)
	p.departed++
	p.endToEnd.Add(now - j.arrived)
}
