package selftelemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistry_CountersExposed(t *testing.T) {
	r := NewRegistry("testns")
	r.Received.WithLabelValues("traces").Add(5)
	r.ExportFailures.WithLabelValues("traces", "backend").Inc()
	r.ObserveLatency("traces", "backend", 42*time.Millisecond)

	mux := http.NewServeMux()
	r.InstallHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	body := string(raw)

	for _, want := range []string{
		`testns_pipeline_signals_received_total{pipeline="traces"} 5`,
		`testns_export_failures_total{exporter="backend",pipeline="traces"} 1`,
		`testns_export_latency_seconds_count{exporter="backend",pipeline="traces"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistry_Readiness(t *testing.T) {
	r := NewRegistry("")
	mux := http.NewServeMux()
	r.InstallHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	get := func(path string) int {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := get("/healthz"); got != http.StatusOK {
		t.Errorf("healthz = %d, want 200", got)
	}
	if got := get("/readyz"); got != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready = %d, want 503", got)
	}
	r.SetReady(true)
	if got := get("/readyz"); got != http.StatusOK {
		t.Errorf("readyz after ready = %d, want 200", got)
	}
	r.SetReady(false)
	if got := get("/readyz"); got != http.StatusServiceUnavailable {
		t.Errorf("readyz after unready = %d, want 503", got)
	}
}
