package metrics_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/snehjoshi/epochsim/internal/metrics"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

func TestRegistry_NodeCounters(t *testing.T) {
	var reg metrics.Registry

	key := metrics.NodeKey(2)
	reg.Published.Inc(key)
	reg.Published.Inc(key)
	reg.Published.Add(key, 3)
	reg.Published.Inc(metrics.NodeKey(0))

	if got := reg.Published.Get(key); got != 5 {
		t.Fatalf("Published[node 2] = %d, want 5", got)
	}
	if got := reg.Published.Sum(); got != 6 {
		t.Fatalf("Published sum = %d, want 6", got)
	}
	if got := reg.Received.Get(key); got != 0 {
		t.Fatalf("Received[node 2] = %d, want 0", got)
	}
}

// ─── Prometheus output format ─────────────────────────────────────────────────

func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestHandler_ContentType(t *testing.T) {
	var reg metrics.Registry
	reg.Published.Inc(metrics.NodeKey(0))

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
}

func TestHandler_EmptyRegistry(t *testing.T) {
	var reg metrics.Registry
	body := scrape(t, &reg)
	if body != "" {
		t.Fatalf("expected empty body for empty registry, got:\n%s", body)
	}
}

func TestWriteText_Families(t *testing.T) {
	var reg metrics.Registry
	reg.Published.Add(metrics.NodeKey(1), 10)
	reg.DeadLettered.Inc(metrics.NodeKey(1))
	reg.AckOutcomes.Add(metrics.OutcomeMajority, 7)
	reg.AckOutcomes.Inc(metrics.OutcomeMinority)
	reg.TransportAttempts.Add(metrics.OutcomeLost, 2)
	reg.DeliveryFailures.Inc(metrics.ScopeStage2)

	var buf bytes.Buffer
	if err := reg.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	body := buf.String()

	mustContain(t, body, "# TYPE epochsim_copies_published_total counter")
	mustContain(t, body, `epochsim_copies_published_total{node="1"} 10`)
	mustContain(t, body, `epochsim_copies_dead_lettered_total{node="1"} 1`)
	mustContain(t, body, `epochsim_acknowledge_total{outcome="majority"} 7`)
	mustContain(t, body, `epochsim_acknowledge_total{outcome="minority"} 1`)
	mustContain(t, body, `epochsim_transport_attempts_total{outcome="lost"} 2`)
	mustContain(t, body, `epochsim_delivery_failures_total{scope="stage2"} 1`)
	if strings.Contains(body, "epochsim_copies_received_total") {
		t.Error("empty family should be omitted")
	}
}

func TestWriteText_StableOrder(t *testing.T) {
	var reg metrics.Registry
	for i := 0; i < 8; i++ {
		reg.Published.Inc(metrics.NodeKey(i))
	}
	var a, b bytes.Buffer
	_ = reg.WriteText(&a)
	_ = reg.WriteText(&b)
	if a.String() != b.String() {
		t.Fatal("WriteText output differs between calls")
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func mustContain(t *testing.T, body, substr string) {
	t.Helper()
	if !strings.Contains(body, substr) {
		t.Errorf("expected body to contain %q\nbody:\n%s", substr, body)
	}
}

// ─── Concurrent safety ────────────────────────────────────────────────────────

func TestRegistry_ConcurrentInc(t *testing.T) {
	var reg metrics.Registry
	key := metrics.NodeKey(0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Published.Inc(key)
		}()
	}
	wg.Wait()

	if got := reg.Published.Get(key); got != 100 {
		t.Fatalf("concurrent Inc: got %d, want 100", got)
	}
}
