// Package promexport exposes metric batches for Prometheus scraping.
// Exported batches update an in-memory series snapshot that a collector
// serves on a local /metrics endpoint.
package promexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"

	"github.com/platformbuilds/teleroute/internal/pipeline"
)

// Config configures the scrape endpoint.
type Config struct {
	Name      string
	Listen    string
	Namespace string
}

type series struct {
	name       string
	labelNames []string
	labelVals  []string
	value      float64
	counter    bool
}

// Exporter keeps the latest value per series and serves them to scrapes.
type Exporter struct {
	cfg Config
	log *slog.Logger

	mu     sync.RWMutex
	series map[string]series

	reg    *prometheus.Registry
	server *http.Server
	lnAddr string
}

func New(cfg Config, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	e := &Exporter{
		cfg:    cfg,
		log:    log.With("exporter", cfg.Name, "transport", "prometheus"),
		series: make(map[string]series),
		reg:    prometheus.NewRegistry(),
	}
	e.reg.MustRegister(collector{e})
	return e
}

func (e *Exporter) Name() string { return e.cfg.Name }

// Start binds the scrape listener and begins serving.
func (e *Exporter) Start(context.Context) error {
	ln, err := net.Listen("tcp", e.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.cfg.Listen, err)
	}
	e.lnAddr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{}))
	e.server = &http.Server{Handler: mux}

	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("scrape server stopped", "error", err)
		}
	}()
	e.log.Info("serving scrape endpoint", "addr", e.lnAddr)
	return nil
}

// Addr returns the bound listener address.
func (e *Exporter) Addr() string { return e.lnAddr }

// Export folds the batch into the series snapshot. Updating local state
// cannot fail transiently, so non-metric batches are the only error.
func (e *Exporter) Export(_ context.Context, b *pipeline.Batch) error {
	if b.Type() != pipeline.SignalMetrics {
		return pipeline.NewTerminalError(fmt.Errorf("prometheus exposition cannot carry %s", b.Type()))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	md := b.Metrics()
	rms := md.ResourceMetrics()
	for i := 0; i < rms.Len(); i++ {
		sms := rms.At(i).ScopeMetrics()
		for j := 0; j < sms.Len(); j++ {
			ms := sms.At(j).Metrics()
			for k := 0; k < ms.Len(); k++ {
				e.record(ms.At(k))
			}
		}
	}
	return nil
}

func (e *Exporter) record(m pmetric.Metric) {
	name := sanitize(m.Name())
	if e.cfg.Namespace != "" {
		name = e.cfg.Namespace + "_" + name
	}
	switch m.Type() {
	case pmetric.MetricTypeGauge:
		dps := m.Gauge().DataPoints()
		for i := 0; i < dps.Len(); i++ {
			e.store(name, dps.At(i), false)
		}
	case pmetric.MetricTypeSum:
		monotonic := m.Sum().IsMonotonic()
		dps := m.Sum().DataPoints()
		for i := 0; i < dps.Len(); i++ {
			e.store(name, dps.At(i), monotonic)
		}
	}
}

func (e *Exporter) store(name string, dp pmetric.NumberDataPoint, counter bool) {
	var v float64
	switch dp.ValueType() {
	case pmetric.NumberDataPointValueTypeInt:
		v = float64(dp.IntValue())
	default:
		v = dp.DoubleValue()
	}

	names := make([]string, 0, dp.Attributes().Len())
	byName := make(map[string]string, dp.Attributes().Len())
	dp.Attributes().Range(func(k string, val pcommon.Value) bool {
		k = sanitize(k)
		names = append(names, k)
		byName[k] = val.AsString()
		return true
	})
	sort.Strings(names)
	vals := make([]string, len(names))
	for i, n := range names {
		vals[i] = byName[n]
	}

	key := name + "\x00" + strings.Join(names, "\x00") + "\x00" + strings.Join(vals, "\x00")
	e.series[key] = series{name: name, labelNames: names, labelVals: vals, value: v, counter: counter}
}

// Shutdown stops the scrape server.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return e.server.Shutdown(shutCtx)
}

// collector snapshots the series map for each scrape.
type collector struct {
	e *Exporter
}

func (c collector) Describe(chan<- *prometheus.Desc) {}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	c.e.mu.RLock()
	defer c.e.mu.RUnlock()
	for _, s := range c.e.series {
		typ := prometheus.GaugeValue
		if s.counter {
			typ = prometheus.CounterValue
		}
		desc := prometheus.NewDesc(s.name, "", s.labelNames, nil)
		m, err := prometheus.NewConstMetric(desc, typ, s.value, s.labelVals...)
		if err != nil {
			continue
		}
		ch <- m
	}
}

func sanitize(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

var _ pipeline.Exporter = (*Exporter)(nil)
