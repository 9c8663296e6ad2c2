package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/epochsim/internal/archive"
	"github.com/snehjoshi/epochsim/internal/config"
	"github.com/snehjoshi/epochsim/internal/experiment"
	"github.com/snehjoshi/epochsim/internal/metrics"
)

var runFlags struct {
	seed         int64
	duration     time.Duration
	replications int
	parallelism  int
	broker       bool
	archive      string
	metricsOut   string
	metricsAddr  string
	asJSON       bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the simulation and print its report",
	RunE:  runSimulation,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print the predicted utilisations",
	RunE:  checkConfig,
}

func init() {
	f := runCmd.Flags()
	f.Int64Var(&runFlags.seed, "seed", 0, "override run.seed")
	f.DurationVar(&runFlags.duration, "duration", 0, "override run.duration")
	f.IntVar(&runFlags.replications, "replications", 0, "override run.replications")
	f.IntVar(&runFlags.parallelism, "parallelism", 0, "override run.parallelism")
	f.BoolVar(&runFlags.broker, "broker", false, "route arrivals through the replicated broker")
	f.StringVar(&runFlags.archive, "archive", "", "override run.archive (bbolt file)")
	f.StringVar(&runFlags.metricsOut, "metrics-out", "", `write Prometheus text metrics to this file ("-" for stdout)`)
	f.StringVar(&runFlags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the run is in progress")
	f.BoolVar(&runFlags.asJSON, "json", false, "print the full result as JSON")

	rootCmd.AddCommand(runCmd, checkCmd)
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("seed") {
		cfg.Run.Seed = runFlags.seed
	}
	if f.Changed("duration") {
		cfg.Run.Duration = runFlags.duration
	}
	if f.Changed("replications") {
		cfg.Run.Replications = runFlags.replications
	}
	if f.Changed("parallelism") {
		cfg.Run.Parallelism = runFlags.parallelism
	}
	if f.Changed("broker") {
		cfg.Broker.Enabled = runFlags.broker
	}
	if f.Changed("archive") {
		cfg.Run.Archive = runFlags.archive
	}
}

func runSimulation(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Log)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := &metrics.Registry{}
	if runFlags.metricsAddr != "" {
		srv, addr, err := serveMetrics(runFlags.metricsAddr, reg)
		if err != nil {
			return err
		}
		logger.Info("metrics server listening", "addr", addr)
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				logger.Warn("metrics server shutdown", "err", err)
			}
		}()
	}
	res, err := experiment.Run(ctx, cfg,
		experiment.WithLogger(logger),
		experiment.WithMetrics(reg),
	)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}

	if cfg.Run.Archive != "" {
		a, err := archive.Open(cfg.Run.Archive)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.Save(res); err != nil {
			return fmt.Errorf("archive run %s: %w", res.RunID, err)
		}
		logger.Info("run archived", "run_id", res.RunID, "path", cfg.Run.Archive)
	}

	if runFlags.metricsOut != "" {
		if err := writeMetrics(reg, runFlags.metricsOut, cmd.OutOrStdout()); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if runFlags.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return printResult(out, res)
}

// serveMetrics exposes reg on addr and returns the bound address, which
// differs from addr when addr asks for an ephemeral port.
func serveMetrics(addr string, reg *metrics.Registry) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: reg.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server error", "err", err)
		}
	}()
	return srv, ln.Addr().String(), nil
}

func writeMetrics(reg *metrics.Registry, path string, stdout io.Writer) error {
	if path == "-" {
		return reg.WriteText(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := reg.WriteText(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return f.Close()
}

// printResult prints a single replication in full, or one line per
// replication followed by the confidence intervals.
func printResult(w io.Writer, res *experiment.Result) error {
	if len(res.Replications) == 1 {
		return res.Replications[0].WriteTable(w)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n\n", res.RunID)
	fmt.Fprintln(tw, "seed\tdeparted\tstage2 attempts/s\tnetwork\te2e mean\te2e p99\tlost")
	for _, r := range res.Replications {
		fmt.Fprintf(tw, "%d\t%d\t%.2f\t%.5fs\t%.5fs\t%.5fs\t%d\n",
			r.Seed, r.Departed, r.Stage2AttemptRate, r.Network.Time.Mean,
			r.EndToEnd.Mean, r.EndToEnd.P99, r.Network.FatalFailures)
	}
	a := res.Aggregate
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "metric\tmean\t±95%")
	for _, m := range []struct {
		name string
		mean float64
		hw   float64
	}{
		{"end-to-end mean (s)", a.EndToEndMean.Mean, a.EndToEndMean.HalfWidth},
		{"end-to-end p99 (s)", a.EndToEndP99.Mean, a.EndToEndP99.HalfWidth},
		{"network time (s)", a.NetworkTime.Mean, a.NetworkTime.HalfWidth},
		{"stage2 attempts/s", a.Stage2AttemptRate.Mean, a.Stage2AttemptRate.HalfWidth},
		{"stage1 utilization", a.Stage1Utilization.Mean, a.Stage1Utilization.HalfWidth},
		{"stage2 utilization", a.Stage2Utilization.Mean, a.Stage2Utilization.HalfWidth},
		{"throughput/s", a.Throughput.Mean, a.Throughput.HalfWidth},
	} {
		fmt.Fprintf(tw, "%s\t%.5f\t%.5f\n", m.name, m.mean, m.hw)
	}
	fmt.Fprintf(tw, "fatal delivery failures\t%d\t\n", a.FatalFailures)
	return tw.Flush()
}

func checkConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rho1, rho2 := cfg.Utilization()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "stage1 ρ1 = %.4f  (λ=%g, n1=%d, μ1=%g)\n",
		rho1, cfg.Workload.ArrivalRate, cfg.Stage1.Servers, cfg.Stage1.ServiceRate)
	fmt.Fprintf(out, "stage2 ρ2 = %.4f  (Λ2=%g, n2=%d, μ2=%g)\n",
		rho2, cfg.Stage2ArrivalRate(), cfg.Stage2.Servers, cfg.Stage2.ServiceRate)
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintln(out, "ok")
	return nil
}
