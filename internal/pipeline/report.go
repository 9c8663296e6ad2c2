package pipeline

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/snehjoshi/epochsim/internal/broker"
	"github.com/snehjoshi/epochsim/internal/stats"
)

// StageReport summarises one server pool over the measurement window.
// Durations are in seconds.
type StageReport struct {
	Name         string        `json:"name"`
	Servers      int           `json:"servers"`
	Completed    int64         `json:"completed"`
	Wait         stats.Summary `json:"wait"`
	Service      stats.Summary `json:"service"`
	Response     stats.Summary `json:"response"`
	MeanQueueLen float64       `json:"mean_queue_len"`
	MaxQueueLen  int           `json:"max_queue_len"`
	MeanBusy     float64       `json:"mean_busy"`
	Utilization  float64       `json:"utilization"`
}

// NetworkReport summarises the link between the stages.
type NetworkReport struct {
	// Time covers delivered messages only.
	Time               stats.Summary `json:"time"`
	Transmissions      int64         `json:"transmissions"`
	Attempts           int64         `json:"attempts"`
	AttemptsPerMessage float64       `json:"attempts_per_message"`
	FatalFailures      int64         `json:"fatal_failures"`
}

// BrokerReport is the broker's end-of-run state plus coupling counters.
type BrokerReport struct {
	broker.Stats
	ProcessingFailures int64 `json:"processing_failures"`
	PublishErrors      int64 `json:"publish_errors"`
	EmptyReceives      int64 `json:"empty_receives"`
}

// Report is the outcome of one run. Rates are per second of the
// measurement window (duration minus warm-up).
type Report struct {
	RunID  string  `json:"run_id,omitempty"`
	Seed   int64   `json:"seed"`
	Window float64 `json:"window_seconds"`

	// PredictedRho1 and PredictedRho2 are the analytic utilisations.
	PredictedRho1 float64 `json:"predicted_rho1"`
	PredictedRho2 float64 `json:"predicted_rho2"`

	Arrived  int64 `json:"arrived"`
	Departed int64 `json:"departed"`

	ArrivalRate       float64 `json:"arrival_rate"`
	Stage2AttemptRate float64 `json:"stage2_attempt_rate"`
	ThroughputRate    float64 `json:"throughput_rate"`

	Stage1   StageReport   `json:"stage1"`
	Stage2   StageReport   `json:"stage2"`
	Network  NetworkReport `json:"network"`
	EndToEnd stats.Summary `json:"end_to_end"`

	Broker *BrokerReport `json:"broker,omitempty"`
}

func (p *Pipeline) report() *Report {
	window := (p.cfg.Run.Duration - p.cfg.Run.WarmUp).Seconds()
	rho1, rho2 := p.cfg.Utilization()
	r := &Report{
		Seed:          p.cfg.Run.Seed,
		Window:        window,
		PredictedRho1: rho1,
		PredictedRho2: rho2,
		Arrived:       p.arrived,
		Departed:      p.departed,
		Stage1:        p.stage1.report(),
		Stage2:        p.stage2.report(),
		Network: NetworkReport{
			Time:          p.network.Summary(),
			Transmissions: p.measuredTransmissions,
			Attempts:      p.networkAttempts,
			FatalFailures: p.fatal,
		},
		EndToEnd: p.endToEnd.Summary(),
	}
	if window > 0 {
		r.ArrivalRate = float64(p.arrived) / window
		r.Stage2AttemptRate = float64(p.stage2Attempts) / window
		r.ThroughputRate = float64(p.departed) / window
	}
	if p.measuredTransmissions > 0 {
		r.Network.AttemptsPerMessage = float64(p.networkAttempts) / float64(p.measuredTransmissions)
	}
	if p.broker != nil {
		r.Broker = &BrokerReport{
			Stats:              p.broker.Stats(),
			ProcessingFailures: p.processingFailures,
			PublishErrors:      p.publishErrors,
			EmptyReceives:      p.brokerMisses,
		}
	}
	return r
}

// WriteTable renders r as an aligned plain-text table.
func (r *Report) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(format string, args ...any) { fmt.Fprintf(tw, format+"\n", args...) }

	if r.RunID != "" {
		row("run\t%s", r.RunID)
	}
	row("seed\t%d", r.Seed)
	row("window\t%.1fs", r.Window)
	row("arrived / departed\t%d / %d", r.Arrived, r.Departed)
	row("arrival rate\t%.2f/s", r.ArrivalRate)
	row("stage2 attempt rate\t%.2f/s", r.Stage2AttemptRate)
	row("throughput\t%.2f/s", r.ThroughputRate)
	row("")
	row("stage\tservers\trho (pred)\trho (obs)\tLq\twait\tservice\tresponse")
	for _, s := range []struct {
		st   StageReport
		pred float64
	}{{r.Stage1, r.PredictedRho1}, {r.Stage2, r.PredictedRho2}} {
		row("%s\t%d\t%.3f\t%.3f\t%.3f\t%.5fs\t%.5fs\t%.5fs",
			s.st.Name, s.st.Servers, s.pred, s.st.Utilization, s.st.MeanQueueLen,
			s.st.Wait.Mean, s.st.Service.Mean, s.st.Response.Mean)
	}
	row("")
	row("network mean\t%.5fs", r.Network.Time.Mean)
	row("attempts per message\t%.4f", r.Network.AttemptsPerMessage)
	row("fatal delivery failures\t%d", r.Network.FatalFailures)
	row("end-to-end mean / p50 / p95 / p99\t%.5fs / %.5fs / %.5fs / %.5fs",
		r.EndToEnd.Mean, r.EndToEnd.P50, r.EndToEnd.P95, r.EndToEnd.P99)
	if b := r.Broker; b != nil {
		row("")
		row("broker rf\t%d", b.ReplicationFactor)
		row("published / received / empty\t%d / %d / %d", b.Published, b.Received, b.EmptyReceives)
		row("acknowledged / ack failed\t%d / %d", b.Acknowledged, b.AckFailed)
		row("processing failures\t%d", b.ProcessingFailures)
		row("redelivered / dead-lettered copies\t%d / %d", b.Redelivered, b.DeadLettered)
		row("dead-letter depth\t%d", b.DeadLetterDepth)
		row("stored copies / unique\t%d / %d", b.StoredCopies, b.UniqueMessages)
	}
	return tw.Flush()
}
