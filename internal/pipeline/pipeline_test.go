package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/snehjoshi/epochsim/internal/config"
	"github.com/snehjoshi/epochsim/internal/metrics"
	"github.com/snehjoshi/epochsim/internal/pipeline"
)

// ─── Helpers ──────────────────────────────────────────────────────────────────

func baseConfig(duration time.Duration) *config.Config {
	cfg := config.Default()
	cfg.Run.Duration = duration
	cfg.Run.WarmUp = duration / 20
	return cfg
}

func run(t *testing.T, cfg *config.Config, opts ...pipeline.Option) *pipeline.Report {
	t.Helper()
	p, err := pipeline.New(cfg, opts...)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	rep, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return rep
}

func within(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: want %.5f ±%.5f, got %.5f", name, want, tol, got)
	}
}

// ─── Construction ─────────────────────────────────────────────────────────────

// TestNew_StabilityCheck: n2=12 is accepted; n2=10 is rejected because the
// amplified Stage-2 load (125/s) exceeds its capacity even though Stage 1 is
// stable.
func TestNew_StabilityCheck(t *testing.T) {
	cfg := baseConfig(time.Minute)
	if _, err := pipeline.New(cfg); err != nil {
		t.Fatalf("n2=12: want accepted, got %v", err)
	}

	cfg.Stage2.Servers = 10
	_, err := pipeline.New(cfg)
	if !errors.Is(err, config.ErrUnstable) {
		t.Fatalf("n2=10: want ErrUnstable, got %v", err)
	}
}

func TestNew_RejectsInvalid(t *testing.T) {
	cfg := baseConfig(time.Minute)
	cfg.Stage1.Distribution = "pareto"
	if _, err := pipeline.New(cfg); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
	if _, err := pipeline.New(nil); err == nil {
		t.Fatal("nil config: expected error")
	}
}

// ─── Steady state ─────────────────────────────────────────────────────────────

// TestRun_LoadAmplification is the central property: Stage 2 sees every
// attempt, so its arrival rate converges to λ/(1−p) = 125/s while the
// delivered throughput stays at λ.
func TestRun_LoadAmplification(t *testing.T) {
	rep := run(t, baseConfig(400*time.Second))

	within(t, "arrival rate", rep.ArrivalRate, 100, 3)
	within(t, "stage2 attempt rate", rep.Stage2AttemptRate, 125, 125*0.03)
	within(t, "attempts per message", rep.Network.AttemptsPerMessage, 1.25, 0.02)
	within(t, "network time", rep.Network.Time.Mean, 0.022, 0.001)
	within(t, "stage1 utilization", rep.Stage1.Utilization, 100.0/120, 0.03)

	if rep.PredictedRho2 <= rep.Stage2.Utilization {
		t.Errorf("predicted ρ2 %.3f should bound the observed busy fraction %.3f",
			rep.PredictedRho2, rep.Stage2.Utilization)
	}
	if rep.Departed == 0 || rep.Departed > rep.Arrived {
		t.Errorf("departed %d of %d arrivals", rep.Departed, rep.Arrived)
	}
}

// TestRun_EndToEndDecomposes: a message's latency is its Stage-1 response,
// the one-way legs up to the delivered attempt, and its Stage-2 response.
func TestRun_EndToEndDecomposes(t *testing.T) {
	cfg := baseConfig(200 * time.Second)
	rep := run(t, cfg)

	d := cfg.Network.OneWayDelay.Seconds()
	want := rep.Stage1.Response.Mean + (rep.Network.Time.Mean - d) + rep.Stage2.Response.Mean
	within(t, "end-to-end mean", rep.EndToEnd.Mean, want, want*0.05)

	e := rep.EndToEnd
	if !(e.Min <= e.P50 && e.P50 <= e.P95 && e.P95 <= e.P99 && e.P99 <= e.Max) {
		t.Errorf("percentiles out of order: %+v", e)
	}
}

func TestRun_PerfectLinkHasNoAmplification(t *testing.T) {
	cfg := baseConfig(100 * time.Second)
	cfg.Network.FailureProbability = 0
	rep := run(t, cfg)

	if rep.Network.AttemptsPerMessage != 1 {
		t.Errorf("attempts per message: want 1, got %v", rep.Network.AttemptsPerMessage)
	}
	within(t, "network time", rep.Network.Time.Mean, 2*cfg.Network.OneWayDelay.Seconds(), 1e-9)
	within(t, "stage2 attempt rate", rep.Stage2AttemptRate, rep.ArrivalRate, 2)
}

func TestRun_FatalFailuresDropMessages(t *testing.T) {
	cfg := baseConfig(100 * time.Second)
	cfg.Network.FailureProbability = 0.5
	cfg.Network.MaxRetries = 0
	cfg.Stage2.Servers = 20 // Λ₂ = 200/s

	rep := run(t, cfg)
	if rep.Network.FatalFailures == 0 {
		t.Fatal("want fatal delivery failures with no retries")
	}
	within(t, "loss fraction",
		float64(rep.Network.FatalFailures)/float64(rep.Network.Transmissions), 0.5, 0.03)
	if rep.Network.AttemptsPerMessage != 1 {
		t.Errorf("attempts per message: want 1, got %v", rep.Network.AttemptsPerMessage)
	}
}

func TestRun_SameSeedSameReport(t *testing.T) {
	cfg := baseConfig(30 * time.Second)
	cfg.Broker.Enabled = true
	a := run(t, cfg)
	b := run(t, cfg)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("reports differ for the same seed:\n%+v\n%+v", a, b)
	}

	cfg.Run.Seed++
	if c := run(t, cfg); c.EndToEnd == a.EndToEnd {
		t.Error("different seeds produced identical latency summaries")
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	p, err := pipeline.New(baseConfig(time.Hour))
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

// ─── Broker coupling ──────────────────────────────────────────────────────────

func TestRun_BrokerCoupling(t *testing.T) {
	cfg := baseConfig(60 * time.Second)
	cfg.Broker.Enabled = true
	var reg metrics.Registry

	rep := run(t, cfg, pipeline.WithMetrics(&reg))
	b := rep.Broker
	if b == nil {
		t.Fatal("want broker section in report")
	}
	if b.Published == 0 || b.Acknowledged == 0 {
		t.Errorf("published %d acknowledged %d", b.Published, b.Acknowledged)
	}
	if b.DeadLettered != 0 || b.Redelivered != 0 {
		t.Errorf("no copy should expire when every receive is acknowledged: dead %d redelivered %d",
			b.DeadLettered, b.Redelivered)
	}
	if got := reg.AckOutcomes.Get(metrics.OutcomeMajority); got != b.Acknowledged {
		t.Errorf("metrics majority acks: want %d, got %d", b.Acknowledged, got)
	}
	if reg.TransportAttempts.Sum() == 0 {
		t.Error("transport attempts not counted in metrics")
	}
}

func TestRun_ProcessingFailuresDeadLetter(t *testing.T) {
	cfg := baseConfig(60 * time.Second)
	cfg.Broker.Enabled = true
	cfg.Broker.ProcessingFailureProbability = 0.99
	cfg.Broker.VisibilityTimeout = time.Second
	cfg.Broker.MaxReceiveCount = 1

	rep := run(t, cfg)
	b := rep.Broker
	if b.ProcessingFailures == 0 {
		t.Fatal("want processing failures")
	}
	if b.DeadLettered == 0 || b.DeadLetterDepth == 0 {
		t.Errorf("want dead-lettered copies, got %d (depth %d)", b.DeadLettered, b.DeadLetterDepth)
	}
	if b.Redelivered != 0 {
		t.Errorf("max_receive_count=1 never redelivers, got %d", b.Redelivered)
	}
}

func TestReport_WriteTable(t *testing.T) {
	cfg := baseConfig(20 * time.Second)
	cfg.Broker.Enabled = true
	rep := run(t, cfg)

	var buf bytes.Buffer
	if err := rep.WriteTable(&buf); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	for _, want := range []string{"stage2 attempt rate", "stage1", "stage2", "end-to-end", "dead-letter depth"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("table missing %q:\n%s", want, buf.String())
		}
	}
}
