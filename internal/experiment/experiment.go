// Package experiment runs independent replications of the pipeline in
// parallel and aggregates them with 95% confidence intervals.
//
// Replication i uses seed run.seed+i. Each replication owns its scheduler
// and random streams, so runs share nothing but the logger and the metrics
// registry, both of which are safe for concurrent use.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/epochsim/internal/config"
	"github.com/snehjoshi/epochsim/internal/ids"
	"github.com/snehjoshi/epochsim/internal/metrics"
	"github.com/snehjoshi/epochsim/internal/pipeline"
	"github.com/snehjoshi/epochsim/internal/stats"
)

// Aggregate holds cross-replication means with 95% half-widths.
type Aggregate struct {
	EndToEndMean      stats.Interval `json:"end_to_end_mean"`
	EndToEndP99       stats.Interval `json:"end_to_end_p99"`
	NetworkTime       stats.Interval `json:"network_time"`
	Stage2AttemptRate stats.Interval `json:"stage2_attempt_rate"`
	Stage1Utilization stats.Interval `json:"stage1_utilization"`
	Stage2Utilization stats.Interval `json:"stage2_utilization"`
	Throughput        stats.Interval `json:"throughput"`
	FatalFailures     int64          `json:"fatal_failures"`
}

// Result is one experiment: the configuration it ran, every replication's
// report, and their aggregate.
type Result struct {
	RunID        string             `json:"run_id"`
	StartedAt    time.Time          `json:"started_at"`
	WallTime     time.Duration      `json:"wall_time"`
	Config       config.Config      `json:"config"`
	Replications []*pipeline.Report `json:"replications"`
	Aggregate    Aggregate          `json:"aggregate"`
}

type options struct {
	log     *slog.Logger
	metrics *metrics.Registry
}

// Option customises Run.
type Option func(*options)

// WithLogger sets the logger shared by every replication.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics accumulates every replication's counters into reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(o *options) { o.metrics = reg }
}

// Run executes cfg.Run.Replications replications, at most
// cfg.Run.Parallelism at a time (GOMAXPROCS when 0). The first failing
// replication cancels the rest.
func Run(ctx context.Context, cfg *config.Config, opts ...Option) (*Result, error) {
	if cfg == nil {
		return nil, errors.New("experiment: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, fn := range opts {
		fn(&o)
	}

	runID, err := ids.NewRunID()
	if err != nil {
		return nil, fmt.Errorf("experiment: %w", err)
	}
	log := o.log.With("run_id", runID)

	n := cfg.Run.Replications
	limit := cfg.Run.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	started := time.Now()
	reports := make([]*pipeline.Report, n)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		i := i
		rcfg := *cfg
		rcfg.Run.Seed = cfg.Run.Seed + int64(i)
		g.Go(func() error {
			p, err := pipeline.New(&rcfg,
				pipeline.WithLogger(log.With("replication", i)),
				pipeline.WithMetrics(o.metrics),
			)
			if err != nil {
				return fmt.Errorf("replication %d: %w", i, err)
			}
			rep, err := p.Run(gCtx)
			if err != nil {
				return fmt.Errorf("replication %d: %w", i, err)
			}
			rep.RunID = runID
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		RunID:        runID,
		StartedAt:    started.UTC(),
		WallTime:     time.Since(started),
		Config:       *cfg,
		Replications: reports,
		Aggregate:    Summarize(reports),
	}
	log.Info("experiment finished",
		"replications", n,
		"wall_time", res.WallTime,
		"e2e_mean", res.Aggregate.EndToEndMean.Mean,
		"e2e_half_width", res.Aggregate.EndToEndMean.HalfWidth)
	return res, nil
}

// Summarize aggregates reports. Nil entries are skipped.
func Summarize(reports []*pipeline.Report) Aggregate {
	pick := func(f func(*pipeline.Report) float64) stats.Interval {
		xs := make([]float64, 0, len(reports))
		for _, r := range reports {
			if r != nil {
				xs = append(xs, f(r))
			}
		}
		return stats.ConfidenceInterval95(xs)
	}
	var fatal int64
	for _, r := range reports {
		if r != nil {
			fatal += r.Network.FatalFailures
		}
	}
	return Aggregate{
		EndToEndMean:      pick(func(r *pipeline.Report) float64 { return r.EndToEnd.Mean }),
		EndToEndP99:       pick(func(r *pipeline.Report) float64 { return r.EndToEnd.P99 }),
		NetworkTime:       pick(func(r *pipeline.Report) float64 { return r.Network.Time.Mean }),
		Stage2AttemptRate: pick(func(r *pipeline.Report) float64 { return r.Stage2AttemptRate }),
		Stage1Utilization: pick(func(r *pipeline.Report) float64 { return r.Stage1.Utilization }),
		Stage2Utilization: pick(func(r *pipeline.Report) float64 { return r.Stage2.Utilization }),
		Throughput:        pick(func(r *pipeline.Report) float64 { return r.ThroughputRate }),
		FatalFailures:     fatal,
	}
}
