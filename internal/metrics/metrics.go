// Package metrics provides a lightweight Prometheus-compatible counter
// registry for epochsim runs. Counters are plain atomics so one Registry can
// be shared by parallel replications.
//
// # Counter naming convention
//
// Every counter uses a string label key so that a single sync.Map can hold all
// label combinations without additional map nesting.
//
//	Published / Received / Deleted / DeadLettered / Redelivered  →  key = node index
//	AckOutcomes                                                  →  key = "majority" | "minority"
//	TransportAttempts                                            →  key = "delivered" | "lost"
//	DeliveryFailures / ReceiveMisses                             →  key = "stage2" | "broker"
//
// # Prometheus text output
//
// WriteText renders every non-empty family in the exposition format
// (text/plain; version=0.0.4). Handler serves the same text over HTTP.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Label values used by the simulation.
const (
	OutcomeMajority  = "majority"
	OutcomeMinority  = "minority"
	OutcomeDelivered = "delivered"
	OutcomeLost      = "lost"

	ScopeStage2 = "stage2"
	ScopeBroker = "broker"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Get returns the current value for key.
func (lc *labelCounter) Get(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Sum returns the total over every key.
func (lc *labelCounter) Sum() int64 {
	var total int64
	lc.Each(func(_ string, v int64) { total += v })
	return total
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all epochsim counters.
type Registry struct {
	// Per-node copy counters.  key = NodeKey(i)
	Published    labelCounter
	Received     labelCounter
	Deleted      labelCounter
	DeadLettered labelCounter
	Redelivered  labelCounter

	// Broker acknowledge outcomes.  key = OutcomeMajority | OutcomeMinority
	AckOutcomes labelCounter

	// Network transport attempts.  key = OutcomeDelivered | OutcomeLost
	TransportAttempts labelCounter

	// Fatal losses and empty polls.  key = ScopeStage2 | ScopeBroker
	DeliveryFailures labelCounter
	ReceiveMisses    labelCounter
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = r.WriteText(w)
	})
}

// WriteText writes every non-empty metric family to w. Lines within a family
// are sorted by label so output is stable across runs.
func (r *Registry) WriteText(w io.Writer) error {
	var b strings.Builder

	// ── per-node copy counters ────────────────────────────────────────────
	nodeFamilies := []struct {
		name, help string
		c          *labelCounter
	}{
		{"epochsim_copies_published_total", "Message copies stored on a node", &r.Published},
		{"epochsim_copies_received_total", "Copies handed to a consumer", &r.Received},
		{"epochsim_copies_deleted_total", "Copies deleted by acknowledge broadcast", &r.Deleted},
		{"epochsim_copies_dead_lettered_total", "Copies moved to the dead-letter sink", &r.DeadLettered},
		{"epochsim_copies_redelivered_total", "Copies made visible again by a visibility timeout", &r.Redelivered},
	}
	for _, f := range nodeFamilies {
		writeFamily(&b, f.name, f.help, "counter", labelled(f.c, "node"))
	}

	writeFamily(&b, "epochsim_acknowledge_total",
		"Broker acknowledgements by quorum outcome", "counter",
		labelled(&r.AckOutcomes, "outcome"))

	writeFamily(&b, "epochsim_transport_attempts_total",
		"Network transmission attempts by outcome", "counter",
		labelled(&r.TransportAttempts, "outcome"))

	writeFamily(&b, "epochsim_delivery_failures_total",
		"Messages lost after exhausting retransmissions", "counter",
		labelled(&r.DeliveryFailures, "scope"))

	writeFamily(&b, "epochsim_receive_misses_total",
		"Receive calls that found no deliverable copy", "counter",
		labelled(&r.ReceiveMisses, "scope"))

	_, err := io.WriteString(w, b.String())
	return err
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// labelled adapts a single-label counter to writeFamily's fill callback.
func labelled(c *labelCounter, label string) func(fn func(labels, val string)) {
	return func(fn func(labels, val string)) {
		c.Each(func(key string, val int64) {
			fn(fmt.Sprintf(`%s=%q`, label, key), strconv.FormatInt(val, 10))
		})
	}
}

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	sort.Strings(lines)
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// NodeKey builds the label key used by the per-node counters.
func NodeKey(node int) string {
	return strconv.Itoa(node)
}
