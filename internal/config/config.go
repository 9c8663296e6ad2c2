// Package config holds all configuration types and loading logic for epochsim.
// Fields are only ever added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every out-of-range or inconsistent configuration value.
var ErrInvalid = errors.New("config: invalid")

// ErrUnstable is returned when a stage's offered load meets or exceeds its
// capacity; such a queue grows without bound and no steady state exists.
var ErrUnstable = errors.New("config: unstable")

// Config is the root configuration for one simulation run.
type Config struct {
	Run      RunConfig      `yaml:"run"`
	Workload WorkloadConfig `yaml:"workload"`
	Stage1   StageConfig    `yaml:"stage1"`
	Stage2   StageConfig    `yaml:"stage2"`
	Network  NetworkConfig  `yaml:"network"`
	Broker   BrokerConfig   `yaml:"broker"`
	Log      LogConfig      `yaml:"log"`
}

// RunConfig controls the simulation horizon and replication.
type RunConfig struct {
	Seed int64 `yaml:"seed"`
	// Duration is the virtual run length including warm-up.
	Duration time.Duration `yaml:"duration"`
	// WarmUp is discarded from every statistic.
	WarmUp time.Duration `yaml:"warm_up"`
	// Replications is the number of independent runs (seed, seed+1, ...).
	Replications int `yaml:"replications"`
	// Parallelism caps concurrently running replications. 0 = GOMAXPROCS.
	Parallelism int `yaml:"parallelism"`
	// Archive is the bbolt file reports are saved to. Empty disables archiving.
	Archive string `yaml:"archive"`
}

// WorkloadConfig describes the producer side.
type WorkloadConfig struct {
	// ArrivalRate is λ in messages per second (Poisson arrivals).
	ArrivalRate float64 `yaml:"arrival_rate"`
	// BodySize is the payload size in bytes of each generated message.
	BodySize int `yaml:"body_size"`
}

// StageConfig describes one server pool of the tandem pipeline.
type StageConfig struct {
	// Servers is the thread count (n1 or n2).
	Servers int `yaml:"servers"`
	// ServiceRate is μ per server in messages per second.
	ServiceRate float64 `yaml:"service_rate"`
	// Distribution is "exponential", "deterministic" or "uniform".
	Distribution string `yaml:"distribution"`
}

// NetworkConfig describes the lossy link between the stages.
type NetworkConfig struct {
	// OneWayDelay is D.
	OneWayDelay time.Duration `yaml:"one_way_delay"`
	// FailureProbability is p ∈ [0,1).
	FailureProbability float64 `yaml:"failure_probability"`
	// MaxRetries bounds retransmissions after the first attempt.
	MaxRetries int `yaml:"max_retries"`
}

// BrokerConfig configures the replicated broker feeding Stage 1.
type BrokerConfig struct {
	// Enabled routes every arrival through the broker.
	Enabled           bool          `yaml:"enabled"`
	NumNodes          int           `yaml:"num_nodes"`
	VirtualNodes      int           `yaml:"virtual_nodes"`
	ReplicationFactor int           `yaml:"replication_factor"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	// MaxReceiveCount is the receive budget per copy. 0 = never dead-letter.
	MaxReceiveCount int `yaml:"max_receive_count"`
	// Ordering is "unordered" or "strict".
	Ordering string `yaml:"ordering"`
	// ProcessingFailureProbability is the chance a Stage-1 thread fails a
	// message and leaves it to its visibility timeout.
	ProcessingFailureProbability float64 `yaml:"processing_failure_probability"`
	// LookupCacheSize bounds the ring's memoised placements.
	LookupCacheSize int `yaml:"lookup_cache_size"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Seed:         1,
			Duration:     10 * time.Minute,
			WarmUp:       time.Minute,
			Replications: 1,
		},
		Workload: WorkloadConfig{
			ArrivalRate: 100,
			BodySize:    64,
		},
		Stage1: StageConfig{Servers: 10, ServiceRate: 12, Distribution: "exponential"},
		Stage2: StageConfig{Servers: 12, ServiceRate: 12, Distribution: "exponential"},
		Network: NetworkConfig{
			OneWayDelay:        10 * time.Millisecond,
			FailureProbability: 0.2,
			MaxRetries:         5,
		},
		Broker: BrokerConfig{
			Enabled:           false,
			NumNodes:          5,
			VirtualNodes:      100,
			ReplicationFactor: 3,
			VisibilityTimeout: 30 * time.Second,
			MaxReceiveCount:   3,
			Ordering:          "unordered",
			LookupCacheSize:   4096,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run epochsim with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	EPOCHSIM_SEED      sets run.seed
//	EPOCHSIM_DURATION  sets run.duration (Go duration string)
//	EPOCHSIM_ARCHIVE   sets run.archive
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EPOCHSIM_SEED"); v != "" {
		if s, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Run.Seed = s
		}
	}
	if v := os.Getenv("EPOCHSIM_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Run.Duration = d
		}
	}
	if v := os.Getenv("EPOCHSIM_ARCHIVE"); v != "" {
		cfg.Run.Archive = v
	}
}

// Utilization returns the offered load of each stage per server:
//
//	ρ₁ = λ / (n1·μ1)
//	ρ₂ = (λ / (1−p)) / (n2·μ2)
//
// Stage 2 sees every transmission attempt, hence the 1/(1−p) amplification.
// Zero capacity yields +Inf.
func (c *Config) Utilization() (rho1, rho2 float64) {
	lambda := c.Workload.ArrivalRate
	rho1 = ratio(lambda, float64(c.Stage1.Servers)*c.Stage1.ServiceRate)
	rho2 = ratio(c.Stage2ArrivalRate(), float64(c.Stage2.Servers)*c.Stage2.ServiceRate)
	return rho1, rho2
}

// Stage2ArrivalRate returns Λ₂ = λ/(1−p).
func (c *Config) Stage2ArrivalRate() float64 {
	return c.Workload.ArrivalRate / (1 - c.Network.FailureProbability)
}

func ratio(num, den float64) float64 {
	if den <= 0 {
		return math.Inf(1)
	}
	return num / den
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found, wrapping ErrInvalid or ErrUnstable.
func (c *Config) Validate() error {
	if err := c.validateFields(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	rho1, rho2 := c.Utilization()
	if rho1 >= 1 {
		return fmt.Errorf("%w: stage 1 utilization %.3f >= 1 (λ=%g, n1=%d, μ1=%g)",
			ErrUnstable, rho1, c.Workload.ArrivalRate, c.Stage1.Servers, c.Stage1.ServiceRate)
	}
	if rho2 >= 1 {
		return fmt.Errorf("%w: stage 2 utilization %.3f >= 1 (Λ₂=%g, n2=%d, μ2=%g)",
			ErrUnstable, rho2, c.Stage2ArrivalRate(), c.Stage2.Servers, c.Stage2.ServiceRate)
	}
	return nil
}

func (c *Config) validateFields() error {
	if c.Run.Duration <= 0 {
		return errors.New("run.duration must be positive")
	}
	if c.Run.WarmUp < 0 || c.Run.WarmUp >= c.Run.Duration {
		return errors.New("run.warm_up must be >= 0 and shorter than run.duration")
	}
	if c.Run.Replications < 1 {
		return errors.New("run.replications must be at least 1")
	}
	if c.Run.Parallelism < 0 {
		return errors.New("run.parallelism must be >= 0")
	}
	if c.Workload.ArrivalRate <= 0 {
		return errors.New("workload.arrival_rate must be positive")
	}
	if c.Workload.BodySize < 0 {
		return errors.New("workload.body_size must be >= 0")
	}
	stages := []struct {
		name string
		s    StageConfig
	}{{"stage1", c.Stage1}, {"stage2", c.Stage2}}
	for _, st := range stages {
		name, s := st.name, st.s
		if s.Servers < 1 {
			return fmt.Errorf("%s.servers must be at least 1", name)
		}
		if s.ServiceRate <= 0 {
			return fmt.Errorf("%s.service_rate must be positive", name)
		}
		switch strings.ToLower(s.Distribution) {
		case "", "exponential", "deterministic", "uniform":
		default:
			return fmt.Errorf(`%s.distribution must be one of "exponential", "deterministic", "uniform"`, name)
		}
	}
	if c.Network.OneWayDelay <= 0 {
		return errors.New("network.one_way_delay must be positive")
	}
	if c.Network.FailureProbability < 0 || c.Network.FailureProbability >= 1 {
		return errors.New("network.failure_probability must be in [0, 1)")
	}
	if c.Network.MaxRetries < 0 {
		return errors.New("network.max_retries must be >= 0")
	}
	b := c.Broker
	if b.NumNodes < 1 {
		return errors.New("broker.num_nodes must be at least 1")
	}
	if b.VirtualNodes < 1 {
		return errors.New("broker.virtual_nodes must be at least 1")
	}
	if b.ReplicationFactor < 1 {
		return errors.New("broker.replication_factor must be at least 1")
	}
	if b.VisibilityTimeout <= 0 {
		return errors.New("broker.visibility_timeout must be positive")
	}
	if b.MaxReceiveCount < 0 {
		return errors.New("broker.max_receive_count must be >= 0")
	}
	switch strings.ToLower(b.Ordering) {
	case "", "unordered", "strict", "fifo":
	default:
		return errors.New(`broker.ordering must be "unordered" or "strict"`)
	}
	if b.ProcessingFailureProbability < 0 || b.ProcessingFailureProbability >= 1 {
		return errors.New("broker.processing_failure_probability must be in [0, 1)")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return errors.New(`log.format must be "json" or "text"`)
	}
	return nil
}
