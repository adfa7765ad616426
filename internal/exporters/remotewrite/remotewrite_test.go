package remotewrite

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"

	"github.com/platformbuilds/teleroute/internal/pipeline"
)

func sampleGauge(name string, value float64, attrs map[string]string) pmetric.Metrics {
	md := pmetric.NewMetrics()
	m := md.ResourceMetrics().AppendEmpty().ScopeMetrics().AppendEmpty().Metrics().AppendEmpty()
	m.SetName(name)
	dp := m.SetEmptyGauge().DataPoints().AppendEmpty()
	dp.SetDoubleValue(value)
	dp.SetTimestamp(pcommon.NewTimestampFromTime(time.Unix(100, 0)))
	for k, v := range attrs {
		dp.Attributes().PutStr(k, v)
	}
	return md
}

func metricBatch(md pmetric.Metrics) *pipeline.Batch {
	b := pipeline.NewBatch(pipeline.SignalMetrics)
	b.Append(pipeline.NewMetricSignal(md, "test"))
	return b
}

func findSeries(series []prompb.TimeSeries, name string) *prompb.TimeSeries {
	for i := range series {
		for _, l := range series[i].Labels {
			if l.Name == "__name__" && l.Value == name {
				return &series[i]
			}
		}
	}
	return nil
}

func TestConvert_Gauge(t *testing.T) {
	series := Convert(sampleGauge("cpu.usage", 0.75, map[string]string{"core": "0"}))
	require.Len(t, series, 1)

	ts := findSeries(series, "cpu_usage")
	require.NotNil(t, ts, "gauge name should be sanitized to cpu_usage")
	require.Len(t, ts.Samples, 1)
	assert.Equal(t, 0.75, ts.Samples[0].Value)
	assert.Equal(t, int64(100_000), ts.Samples[0].Timestamp)

	var core string
	for _, l := range ts.Labels {
		if l.Name == "core" {
			core = l.Value
		}
	}
	assert.Equal(t, "0", core)
}

func TestConvert_Sum(t *testing.T) {
	md := pmetric.NewMetrics()
	m := md.ResourceMetrics().AppendEmpty().ScopeMetrics().AppendEmpty().Metrics().AppendEmpty()
	m.SetName("requests_total")
	sum := m.SetEmptySum()
	sum.SetIsMonotonic(true)
	dp := sum.DataPoints().AppendEmpty()
	dp.SetIntValue(42)
	dp.SetTimestamp(pcommon.NewTimestampFromTime(time.Unix(200, 0)))

	series := Convert(md)
	require.Len(t, series, 1)
	assert.Equal(t, 42.0, series[0].Samples[0].Value)
}

func TestConvert_Histogram(t *testing.T) {
	md := pmetric.NewMetrics()
	m := md.ResourceMetrics().AppendEmpty().ScopeMetrics().AppendEmpty().Metrics().AppendEmpty()
	m.SetName("latency")
	dp := m.SetEmptyHistogram().DataPoints().AppendEmpty()
	dp.SetTimestamp(pcommon.NewTimestampFromTime(time.Unix(300, 0)))
	dp.SetSum(12.5)
	dp.SetCount(10)
	dp.ExplicitBounds().FromRaw([]float64{0.1, 1})
	dp.BucketCounts().FromRaw([]uint64{4, 5, 1})

	series := Convert(md)

	sum := findSeries(series, "latency_sum")
	require.NotNil(t, sum)
	assert.Equal(t, 12.5, sum.Samples[0].Value)

	count := findSeries(series, "latency_count")
	require.NotNil(t, count)
	assert.Equal(t, 10.0, count.Samples[0].Value)

	// Buckets are cumulative: 4, 9, 10.
	var buckets []float64
	for i := range series {
		for _, l := range series[i].Labels {
			if l.Name == "__name__" && l.Value == "latency_bucket" {
				buckets = append(buckets, series[i].Samples[0].Value)
			}
		}
	}
	assert.Equal(t, []float64{4, 9, 10}, buckets)
}

func TestConvert_ResourceAttributesBecomeLabels(t *testing.T) {
	md := sampleGauge("up", 1, nil)
	md.ResourceMetrics().At(0).Resource().Attributes().PutStr("service.name", "checkout")

	series := Convert(md)
	require.Len(t, series, 1)

	var svc string
	for _, l := range series[0].Labels {
		if l.Name == "service_name" {
			svc = l.Value
		}
	}
	assert.Equal(t, "checkout", svc)
}

func TestExport_WireFormat(t *testing.T) {
	var gotEncoding, gotVersion, gotTenant string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		gotVersion = r.Header.Get("X-Prometheus-Remote-Write-Version")
		gotTenant = r.Header.Get("X-Scope-OrgID")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(Config{Name: "rw", Endpoint: srv.URL, Tenant: "team-a"}, nil)
	require.NoError(t, e.Start(context.Background()))
	defer e.Shutdown(context.Background())

	require.NoError(t, e.Export(context.Background(), metricBatch(sampleGauge("up", 1, nil))))

	assert.Equal(t, "snappy", gotEncoding)
	assert.Equal(t, "0.1.0", gotVersion)
	assert.Equal(t, "team-a", gotTenant)

	raw, err := snappy.Decode(nil, gotBody)
	require.NoError(t, err)
	var wr prompb.WriteRequest
	require.NoError(t, wr.Unmarshal(raw))
	require.Len(t, wr.Timeseries, 1)
}

func TestExport_StatusClassification(t *testing.T) {
	for _, tc := range []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		e := New(Config{Name: "rw", Endpoint: srv.URL}, nil)
		require.NoError(t, e.Start(context.Background()))

		err := e.Export(context.Background(), metricBatch(sampleGauge("up", 1, nil)))
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		var transient *pipeline.TransientError
		assert.Equal(t, tc.transient, errors.As(err, &transient), "status %d", tc.status)
	}
}

func TestExport_RejectsNonMetricBatch(t *testing.T) {
	e := New(Config{Name: "rw", Endpoint: "http://127.0.0.1:1"}, nil)
	require.NoError(t, e.Start(context.Background()))

	err := e.Export(context.Background(), pipeline.NewBatch(pipeline.SignalTraces))
	var terminal *pipeline.TerminalError
	assert.True(t, errors.As(err, &terminal))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "http_server_duration", sanitizeName("http.server.duration"))
	assert.Equal(t, "already_valid", sanitizeName("already_valid"))
	assert.Equal(t, "_0bad", sanitizeName("00bad"))
}
