// Package stats summarises simulation samples.
package stats

import (
	"math"
	"sort"
	"time"
)

// Sample collects duration observations.
type Sample struct {
	vals   []float64 // seconds
	sum    float64
	sumSq  float64
	sorted bool
}

// Add records one observation.
func (s *Sample) Add(d time.Duration) {
	v := d.Seconds()
	s.vals = append(s.vals, v)
	s.sum += v
	s.sumSq += v * v
	s.sorted = false
}

// Reset discards every observation.
func (s *Sample) Reset() { *s = Sample{} }

// Count returns the number of observations.
func (s *Sample) Count() int { return len(s.vals) }

// Mean returns the arithmetic mean in seconds, 0 when empty.
func (s *Sample) Mean() float64 {
	if len(s.vals) == 0 {
		return 0
	}
	return s.sum / float64(len(s.vals))
}

// StdDev returns the sample standard deviation in seconds.
func (s *Sample) StdDev() float64 {
	n := float64(len(s.vals))
	if n < 2 {
		return 0
	}
	v := (s.sumSq - s.sum*s.sum/n) / (n - 1)
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Percentile returns the q-quantile (0 ≤ q ≤ 1) in seconds using linear
// interpolation between closest ranks.
func (s *Sample) Percentile(q float64) float64 {
	if len(s.vals) == 0 {
		return 0
	}
	if !s.sorted {
		sort.Float64s(s.vals)
		s.sorted = true
	}
	q = math.Max(0, math.Min(1, q))
	pos := q * float64(len(s.vals)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return s.vals[lo] + frac*(s.vals[hi]-s.vals[lo])
}

// Summary is a serialisable digest of a Sample, all values in seconds.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// Summary computes the digest.
func (s *Sample) Summary() Summary {
	if len(s.vals) == 0 {
		return Summary{}
	}
	return Summary{
		Count:  len(s.vals),
		Mean:   s.Mean(),
		StdDev: s.StdDev(),
		Min:    s.Percentile(0),
		Max:    s.Percentile(1),
		P50:    s.Percentile(0.50),
		P95:    s.Percentile(0.95),
		P99:    s.Percentile(0.99),
	}
}

// Interval is a mean with a symmetric confidence half-width.
type Interval struct {
	Mean      float64 `json:"mean"`
	HalfWidth float64 `json:"half_width"`
	N         int     `json:"n"`
}

// ConfidenceInterval95 returns the mean of xs and its 95% half-width using
// Student's t quantile for n−1 degrees of freedom.
func ConfidenceInterval95(xs []float64) Interval {
	n := len(xs)
	if n == 0 {
		return Interval{}
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(n)
	if n < 2 {
		return Interval{Mean: mean, N: n}
	}
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	sd := math.Sqrt(ss / float64(n-1))
	return Interval{
		Mean:      mean,
		HalfWidth: t975(n-1) * sd / math.Sqrt(float64(n)),
		N:         n,
	}
}

// t975 is the 0.975 quantile of Student's t distribution.
func t975(df int) float64 {
	table := [...]float64{
		0, 12.706, 4.303, 3.182, 2.776, 2.571, 2.447, 2.365, 2.306, 2.262, 2.228,
		2.201, 2.179, 2.160, 2.145, 2.131, 2.120, 2.110, 2.101, 2.093, 2.086,
		2.080, 2.074, 2.069, 2.064, 2.060, 2.056, 2.052, 2.048, 2.045, 2.042,
	}
	switch {
	case df < 1:
		return 0
	case df < len(table):
		return table[df]
	case df < 60:
		return 2.021
	case df < 120:
		return 2.000
	default:
		return 1.960
	}
}
