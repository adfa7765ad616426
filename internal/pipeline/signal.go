// Package pipeline routes telemetry signals from receivers through the
// batching stage to a fan-out of independent exporters.
package pipeline

import (
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/ptrace"
)

// SignalType identifies the telemetry signal carried by a pipeline.
type SignalType string

const (
	SignalTraces  SignalType = "traces"
	SignalMetrics SignalType = "metrics"
	SignalLogs    SignalType = "logs"
)

// Signal is one received unit of telemetry: the decoded payload of a single
// export request. Signals are immutable once constructed and are consumed
// when appended to a Batch.
type Signal interface {
	// Type returns the signal type (traces, metrics, logs).
	Type() SignalType

	// Resource returns the resource attributes of the first resource entry.
	Resource() pcommon.Resource

	// Timestamp returns the primary timestamp of this signal.
	Timestamp() time.Time

	// ItemCount returns the number of spans, data points or log records.
	ItemCount() int

	// Receiver returns the name of the receiver that produced this signal.
	Receiver() string

	appendTo(b *Batch)
}

// TraceSignal wraps ptrace.Traces as a Signal.
type TraceSignal struct {
	traces    ptrace.Traces
	timestamp time.Time
	receiver  string
}

// NewTraceSignal creates a trace signal, taking ownership of td.
func NewTraceSignal(td ptrace.Traces, receiver string) *TraceSignal {
	ts := &TraceSignal{traces: td, timestamp: time.Now(), receiver: receiver}
	if td.ResourceSpans().Len() > 0 {
		rs := td.ResourceSpans().At(0)
		if rs.ScopeSpans().Len() > 0 && rs.ScopeSpans().At(0).Spans().Len() > 0 {
			ts.timestamp = rs.ScopeSpans().At(0).Spans().At(0).StartTimestamp().AsTime()
		}
	}
	return ts
}

func (s *TraceSignal) Type() SignalType     { return SignalTraces }
func (s *TraceSignal) Timestamp() time.Time { return s.timestamp }
func (s *TraceSignal) ItemCount() int       { return s.traces.SpanCount() }
func (s *TraceSignal) Receiver() string     { return s.receiver }
func (s *TraceSignal) Resource() pcommon.Resource {
	if s.traces.ResourceSpans().Len() > 0 {
		return s.traces.ResourceSpans().At(0).Resource()
	}
	return pcommon.NewResource()
}
func (s *TraceSignal) appendTo(b *Batch) {
	s.traces.ResourceSpans().MoveAndAppendTo(b.traces.ResourceSpans())
}

// MetricSignal wraps pmetric.Metrics as a Signal.
type MetricSignal struct {
	metrics   pmetric.Metrics
	timestamp time.Time
	receiver  string
}

// NewMetricSignal creates a metric signal, taking ownership of md.
func NewMetricSignal(md pmetric.Metrics, receiver string) *MetricSignal {
	return &MetricSignal{metrics: md, timestamp: time.Now(), receiver: receiver}
}

func (s *MetricSignal) Type() SignalType     { return SignalMetrics }
func (s *MetricSignal) Timestamp() time.Time { return s.timestamp }
func (s *MetricSignal) ItemCount() int       { return s.metrics.DataPointCount() }
func (s *MetricSignal) Receiver() string     { return s.receiver }
func (s *MetricSignal) Resource() pcommon.Resource {
	if s.metrics.ResourceMetrics().Len() > 0 {
		return s.metrics.ResourceMetrics().At(0).Resource()
	}
	return pcommon.NewResource()
}
func (s *MetricSignal) appendTo(b *Batch) {
	s.metrics.ResourceMetrics().MoveAndAppendTo(b.metrics.ResourceMetrics())
}

// LogSignal wraps plog.Logs as a Signal.
type LogSignal struct {
	logs      plog.Logs
	timestamp time.Time
	receiver  string
}

// NewLogSignal creates a log signal, taking ownership of ld.
func NewLogSignal(ld plog.Logs, receiver string) *LogSignal {
	ls := &LogSignal{logs: ld, timestamp: time.Now(), receiver: receiver}
	if ld.ResourceLogs().Len() > 0 {
		rl := ld.ResourceLogs().At(0)
		if rl.ScopeLogs().Len() > 0 && rl.ScopeLogs().At(0).LogRecords().Len() > 0 {
			ls.timestamp = rl.ScopeLogs().At(0).LogRecords().At(0).Timestamp().AsTime()
		}
	}
	return ls
}

func (s *LogSignal) Type() SignalType     { return SignalLogs }
func (s *LogSignal) Timestamp() time.Time { return s.timestamp }
func (s *LogSignal) ItemCount() int       { return s.logs.LogRecordCount() }
func (s *LogSignal) Receiver() string     { return s.receiver }
func (s *LogSignal) Resource() pcommon.Resource {
	if s.logs.ResourceLogs().Len() > 0 {
		return s.logs.ResourceLogs().At(0).Resource()
	}
	return pcommon.NewResource()
}
func (s *LogSignal) appendTo(b *Batch) {
	s.logs.ResourceLogs().MoveAndAppendTo(b.logs.ResourceLogs())
}

var (
	_ Signal = (*TraceSignal)(nil)
	_ Signal = (*MetricSignal)(nil)
	_ Signal = (*LogSignal)(nil)
)

// Batch is an ordered accumulation of same-type signals. It is owned by the
// batcher until flushed, after which ownership passes to the coordinator.
type Batch struct {
	signal  SignalType
	traces  ptrace.Traces
	metrics pmetric.Metrics
	logs    plog.Logs
	items   int
	signals int
}

// NewBatch creates an empty batch for the given signal type.
func NewBatch(t SignalType) *Batch {
	b := &Batch{signal: t}
	switch t {
	case SignalTraces:
		b.traces = ptrace.NewTraces()
	case SignalMetrics:
		b.metrics = pmetric.NewMetrics()
	case SignalLogs:
		b.logs = plog.NewLogs()
	}
	return b
}

// Append moves the signal's payload into the batch. Signals are appended in
// receipt order and the batch preserves that order.
func (b *Batch) Append(s Signal) {
	b.items += s.ItemCount()
	b.signals++
	s.appendTo(b)
}

// Type returns the batch signal type.
func (b *Batch) Type() SignalType { return b.signal }

// Items returns the number of spans, data points or log records.
func (b *Batch) Items() int { return b.items }

// Signals returns the number of signals appended.
func (b *Batch) Signals() int { return b.signals }

// Traces returns the accumulated trace payload.
func (b *Batch) Traces() ptrace.Traces { return b.traces }

// Metrics returns the accumulated metric payload.
func (b *Batch) Metrics() pmetric.Metrics { return b.metrics }

// Logs returns the accumulated log payload.
func (b *Batch) Logs() plog.Logs { return b.logs }
