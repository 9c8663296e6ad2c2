package dist_test

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/snehjoshi/epochsim/internal/dist"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]dist.Kind{
		"":              dist.Exponential,
		"Exponential":   dist.Exponential,
		"deterministic": dist.Deterministic,
		" uniform ":     dist.Uniform,
	} {
		got, err := dist.ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := dist.ParseKind("pareto"); err == nil {
		t.Error("ParseKind(pareto): expected error")
	}
}

func TestNew_RejectsNonPositiveRate(t *testing.T) {
	if _, err := dist.New(dist.Exponential, 0, rand.New(rand.NewSource(1))); err == nil {
		t.Fatal("expected error for rate 0")
	}
}

// TestSampler_MeanPreserved checks each kind's sample mean against 1/rate.
func TestSampler_MeanPreserved(t *testing.T) {
	rate := 12.0
	want := time.Duration(float64(time.Second) / rate)

	for _, kind := range []dist.Kind{dist.Exponential, dist.Deterministic, dist.Uniform} {
		s, err := dist.New(kind, rate, rand.New(rand.NewSource(5)))
		if err != nil {
			t.Fatalf("New(%s): %v", kind, err)
		}
		if s.Mean() != want {
			t.Errorf("%s Mean() = %v, want %v", kind, s.Mean(), want)
		}

		const n = 50000
		var sum float64
		minV, maxV := time.Duration(math.MaxInt64), time.Duration(0)
		for i := 0; i < n; i++ {
			v := s.Sample()
			if v < 0 {
				t.Fatalf("%s: negative sample %v", kind, v)
			}
			sum += float64(v)
			minV, maxV = min(minV, v), max(maxV, v)
		}
		mean := sum / n
		if math.Abs(mean-float64(want)) > 0.02*float64(want) {
			t.Errorf("%s sample mean %v, want %v ±2%%", kind, time.Duration(mean), want)
		}
		if kind == dist.Uniform && (minV < want/2 || maxV > want*3/2) {
			t.Errorf("uniform range [%v, %v] outside [%v, %v]", minV, maxV, want/2, want*3/2)
		}
		if kind == dist.Deterministic && minV != maxV {
			t.Errorf("deterministic samples vary: [%v, %v]", minV, maxV)
		}
	}
}
