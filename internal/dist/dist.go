// Package dist samples service and inter-arrival times.
package dist

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Kind names a sampling distribution.
type Kind string

const (
	// Exponential is memoryless (M/M/n service, Poisson arrivals).
	Exponential Kind = "exponential"
	// Deterministic always returns the mean.
	Deterministic Kind = "deterministic"
	// Uniform draws from [mean/2, 3·mean/2].
	Uniform Kind = "uniform"
)

// ParseKind normalises s. An empty string selects Exponential.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return Exponential, nil
	case Exponential, Deterministic, Uniform:
		return k, nil
	default:
		return "", fmt.Errorf("dist: unknown distribution %q", s)
	}
}

// Sampler draws durations with a fixed mean.
type Sampler interface {
	Sample() time.Duration
	Mean() time.Duration
}

// New returns a sampler of kind with rate events per second, drawing from rng.
func New(kind Kind, rate float64, rng *rand.Rand) (Sampler, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("dist: rate must be positive, got %g", rate)
	}
	mean := time.Duration(float64(time.Second) / rate)
	switch kind {
	case Exponential, "":
		return &exponential{mean: mean, rng: rng}, nil
	case Deterministic:
		return deterministic(mean), nil
	case Uniform:
		return &uniform{mean: mean, rng: rng}, nil
	default:
		return nil, fmt.Errorf("dist: unknown distribution %q", kind)
	}
}

type exponential struct {
	mean time.Duration
	rng  *rand.Rand
}

func (e *exponential) Sample() time.Duration {
	return time.Duration(e.rng.ExpFloat64() * float64(e.mean))
}

func (e *exponential) Mean() time.Duration { return e.mean }

type deterministic time.Duration

func (d deterministic) Sample() time.Duration { return time.Duration(d) }
func (d deterministic) Mean() time.Duration   { return time.Duration(d) }

type uniform struct {
	mean time.Duration
	rng  *rand.Rand
}

func (u *uniform) Sample() time.Duration {
	return time.Duration((0.5 + u.rng.Float64()) * float64(u.mean))
}

func (u *uniform) Mean() time.Duration { return u.mean }
