// Package remotewrite exports metric batches to a Prometheus remote_write
// endpoint. Samples are converted to prompb time series, snappy-compressed
// and pushed with the remote write protocol headers.
package remotewrite

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"

	"github.com/platformbuilds/teleroute/internal/pipeline"
)

// Config configures one remote_write endpoint.
type Config struct {
	Name     string
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration

	// Tenant is sent as X-Scope-OrgID for multi-tenant stores.
	Tenant string
}

// Exporter pushes metric batches via Prometheus remote_write. Trace and
// log batches are rejected as terminal, the pipeline wiring never routes
// them here.
type Exporter struct {
	cfg    Config
	log    *slog.Logger
	client *http.Client
}

func New(cfg Config, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Exporter{
		cfg: cfg,
		log: log.With("exporter", cfg.Name, "transport", "remotewrite"),
	}
}

func (e *Exporter) Name() string { return e.cfg.Name }

func (e *Exporter) Start(context.Context) error {
	e.client = &http.Client{Timeout: e.cfg.Timeout}
	e.log.Info("remote write exporter ready", "endpoint", e.cfg.Endpoint)
	return nil
}

// Export converts the metric batch and makes one delivery attempt.
func (e *Exporter) Export(ctx context.Context, b *pipeline.Batch) error {
	if e.client == nil {
		return pipeline.NewTransientError(fmt.Errorf("exporter %s not started", e.cfg.Name))
	}
	if b.Type() != pipeline.SignalMetrics {
		return pipeline.NewTerminalError(fmt.Errorf("remote write cannot carry %s", b.Type()))
	}

	series := Convert(b.Metrics())
	if len(series) == 0 {
		return nil
	}

	wr := &prompb.WriteRequest{Timeseries: series}
	raw, err := wr.Marshal()
	if err != nil {
		return pipeline.NewTerminalError(fmt.Errorf("marshal write request: %w", err))
	}
	compressed := snappy.Encode(nil, raw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(compressed))
	if err != nil {
		return pipeline.NewTerminalError(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if e.cfg.Tenant != "" {
		req.Header.Set("X-Scope-OrgID", e.cfg.Tenant)
	}
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return pipeline.NewTransientError(fmt.Errorf("post remote write: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("remote write http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5 {
		return pipeline.NewTransientError(err)
	}
	return pipeline.NewTerminalError(err)
}

func (e *Exporter) Shutdown(context.Context) error {
	if e.client != nil {
		e.client.CloseIdleConnections()
	}
	return nil
}

// Convert flattens pdata metrics into prompb time series. Gauges and sums
// map to plain samples, histograms contribute _sum, _count and _bucket
// series with the cumulative le convention.
func Convert(md pmetric.Metrics) []prompb.TimeSeries {
	var out []prompb.TimeSeries
	rms := md.ResourceMetrics()
	for i := 0; i < rms.Len(); i++ {
		rm := rms.At(i)
		resAttrs := rm.Resource().Attributes()
		sms := rm.ScopeMetrics()
		for j := 0; j < sms.Len(); j++ {
			ms := sms.At(j).Metrics()
			for k := 0; k < ms.Len(); k++ {
				out = append(out, convertMetric(ms.At(k), resAttrs)...)
			}
		}
	}
	return out
}

func convertMetric(m pmetric.Metric, resAttrs pcommon.Map) []prompb.TimeSeries {
	name := sanitizeName(m.Name())
	var out []prompb.TimeSeries

	switch m.Type() {
	case pmetric.MetricTypeGauge:
		dps := m.Gauge().DataPoints()
		for i := 0; i < dps.Len(); i++ {
			out = append(out, numberSeries(name, dps.At(i), resAttrs))
		}
	case pmetric.MetricTypeSum:
		dps := m.Sum().DataPoints()
		for i := 0; i < dps.Len(); i++ {
			out = append(out, numberSeries(name, dps.At(i), resAttrs))
		}
	case pmetric.MetricTypeHistogram:
		dps := m.Histogram().DataPoints()
		for i := 0; i < dps.Len(); i++ {
			out = append(out, histogramSeries(name, dps.At(i), resAttrs)...)
		}
	}
	return out
}

func numberSeries(name string, dp pmetric.NumberDataPoint, resAttrs pcommon.Map) prompb.TimeSeries {
	var v float64
	switch dp.ValueType() {
	case pmetric.NumberDataPointValueTypeInt:
		v = float64(dp.IntValue())
	default:
		v = dp.DoubleValue()
	}
	return prompb.TimeSeries{
		Labels:  buildLabels(name, dp.Attributes(), resAttrs, nil),
		Samples: []prompb.Sample{{Value: v, Timestamp: dp.Timestamp().AsTime().UnixMilli()}},
	}
}

func histogramSeries(name string, dp pmetric.HistogramDataPoint, resAttrs pcommon.Map) []prompb.TimeSeries {
	ts := dp.Timestamp().AsTime().UnixMilli()
	out := []prompb.TimeSeries{
		{
			Labels:  buildLabels(name+"_sum", dp.Attributes(), resAttrs, nil),
			Samples: []prompb.Sample{{Value: dp.Sum(), Timestamp: ts}},
		},
		{
			Labels:  buildLabels(name+"_count", dp.Attributes(), resAttrs, nil),
			Samples: []prompb.Sample{{Value: float64(dp.Count()), Timestamp: ts}},
		},
	}

	bounds := dp.ExplicitBounds()
	counts := dp.BucketCounts()
	var cumulative uint64
	for i := 0; i < counts.Len(); i++ {
		cumulative += counts.At(i)
		le := "+Inf"
		if i < bounds.Len() {
			le = fmt.Sprintf("%g", bounds.At(i))
		}
		out = append(out, prompb.TimeSeries{
			Labels:  buildLabels(name+"_bucket", dp.Attributes(), resAttrs, map[string]string{"le": le}),
			Samples: []prompb.Sample{{Value: float64(cumulative), Timestamp: ts}},
		})
	}
	return out
}

func buildLabels(name string, attrs pcommon.Map, resAttrs pcommon.Map, extra map[string]string) []prompb.Label {
	labels := map[string]string{model.MetricNameLabel: name}
	resAttrs.Range(func(k string, v pcommon.Value) bool {
		labels[sanitizeName(k)] = v.AsString()
		return true
	})
	attrs.Range(func(k string, v pcommon.Value) bool {
		labels[sanitizeName(k)] = v.AsString()
		return true
	})
	for k, v := range extra {
		labels[k] = v
	}

	out := make([]prompb.Label, 0, len(labels))
	for k, v := range labels {
		out = append(out, prompb.Label{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// sanitizeName rewrites a metric or label name into the Prometheus
// character set.
func sanitizeName(s string) string {
	if s == "" {
		return s
	}
	if model.LabelName(s).IsValid() {
		return s
	}
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
