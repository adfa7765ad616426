// Package selftelemetry exposes the router's own delivery metrics and
// health endpoints.
package selftelemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	Received         *prometheus.CounterVec
	Dropped          *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	BatchesFlushed   *prometheus.CounterVec
	BatchesDelivered *prometheus.CounterVec
	BatchesFailed    *prometheus.CounterVec
	ExportSuccess    *prometheus.CounterVec
	ExportFailures   *prometheus.CounterVec
	ExportLatency    *prometheus.HistogramVec
	DrainTimeouts    *prometheus.CounterVec

	reg   *prometheus.Registry
	ready atomic.Bool
}

func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = "teleroute"
	}
	r := &Registry{reg: prometheus.NewRegistry()}
	r.Received = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "pipeline_signals_received_total"}, []string{"pipeline"})
	r.Dropped = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "pipeline_signals_dropped_total"}, []string{"pipeline", "reason"})
	r.DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "receiver_decode_errors_total"}, []string{"receiver", "signal"})
	r.BatchesFlushed = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "pipeline_batches_flushed_total"}, []string{"pipeline"})
	r.BatchesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "pipeline_batches_delivered_total"}, []string{"pipeline"})
	r.BatchesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "pipeline_batches_failed_total"}, []string{"pipeline"})
	r.ExportSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "export_success_total"}, []string{"pipeline", "exporter"})
	r.ExportFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "export_failures_total"}, []string{"pipeline", "exporter"})
	r.ExportLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "export_latency_seconds", Buckets: prometheus.DefBuckets}, []string{"pipeline", "exporter"})
	r.DrainTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "pipeline_drain_timeouts_total"}, []string{"pipeline"})
	r.reg.MustRegister(
		r.Received, r.Dropped, r.DecodeErrors,
		r.BatchesFlushed, r.BatchesDelivered, r.BatchesFailed,
		r.ExportSuccess, r.ExportFailures, r.ExportLatency,
		r.DrainTimeouts,
	)
	return r
}

// InstallHandlers wires /metrics, /healthz and /readyz onto mux.
func (r *Registry) InstallHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if r.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		} else {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
		}
	})
}

func (r *Registry) SetReady(v bool) { r.ready.Store(v) }

func (r *Registry) ObserveLatency(pipeline, exporter string, d time.Duration) {
	r.ExportLatency.WithLabelValues(pipeline, exporter).Observe(d.Seconds())
}

// Gather exposes the underlying registry for tests.
func (r *Registry) Gather() prometheus.Gatherer { return r.reg }
