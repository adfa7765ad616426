package otlp

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/platformbuilds/teleroute/internal/pipeline"
)

type captureConsumer struct {
	mu      sync.Mutex
	traces  []ptrace.Traces
	metrics []pmetric.Metrics
	logs    []plog.Logs
	err     error
}

func (c *captureConsumer) ConsumeTraces(_ context.Context, td ptrace.Traces) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.traces = append(c.traces, td)
	return nil
}

func (c *captureConsumer) ConsumeMetrics(_ context.Context, md pmetric.Metrics) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.metrics = append(c.metrics, md)
	return nil
}

func (c *captureConsumer) ConsumeLogs(_ context.Context, ld plog.Logs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.logs = append(c.logs, ld)
	return nil
}

func (c *captureConsumer) traceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.traces)
}

func sampleTraces(spans int) ptrace.Traces {
	td := ptrace.NewTraces()
	ss := td.ResourceSpans().AppendEmpty().ScopeSpans().AppendEmpty()
	for i := 0; i < spans; i++ {
		ss.Spans().AppendEmpty().SetName("op")
	}
	return td
}

func startGRPC(t *testing.T, cfg GRPCConfig, cons Consumer) *GRPCServer {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	srv := NewGRPCServer(cfg, cons, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func dialGRPC(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCServer_ExportTraces(t *testing.T) {
	cons := &captureConsumer{}
	srv := startGRPC(t, GRPCConfig{}, cons)
	conn := dialGRPC(t, srv.Addr())

	client := ptraceotlp.NewGRPCClient(conn)
	_, err := client.Export(context.Background(), ptraceotlp.NewExportRequestFromTraces(sampleTraces(3)))
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	if got := cons.traceCount(); got != 1 {
		t.Fatalf("consumed payloads = %d, want 1", got)
	}
	if got := cons.traces[0].SpanCount(); got != 3 {
		t.Errorf("span count = %d, want 3", got)
	}
}

func TestGRPCServer_EmptyRequestSkipsConsumer(t *testing.T) {
	cons := &captureConsumer{}
	srv := startGRPC(t, GRPCConfig{}, cons)
	conn := dialGRPC(t, srv.Addr())

	client := ptraceotlp.NewGRPCClient(conn)
	_, err := client.Export(context.Background(), ptraceotlp.NewExportRequest())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if got := cons.traceCount(); got != 0 {
		t.Errorf("consumed payloads = %d, want 0 for empty request", got)
	}
}

func TestGRPCServer_BearerAuth(t *testing.T) {
	cons := &captureConsumer{}
	srv := startGRPC(t, GRPCConfig{AuthToken: "hunter2"}, cons)
	conn := dialGRPC(t, srv.Addr())
	client := ptraceotlp.NewGRPCClient(conn)

	t.Run("missing token", func(t *testing.T) {
		_, err := client.Export(context.Background(), ptraceotlp.NewExportRequestFromTraces(sampleTraces(1)))
		if status.Code(err) != codes.Unauthenticated {
			t.Errorf("code = %s, want Unauthenticated", status.Code(err))
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer nope")
		_, err := client.Export(ctx, ptraceotlp.NewExportRequestFromTraces(sampleTraces(1)))
		if status.Code(err) != codes.Unauthenticated {
			t.Errorf("code = %s, want Unauthenticated", status.Code(err))
		}
	})

	t.Run("valid token", func(t *testing.T) {
		ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer hunter2")
		_, err := client.Export(ctx, ptraceotlp.NewExportRequestFromTraces(sampleTraces(1)))
		if err != nil {
			t.Fatalf("export: %v", err)
		}
		if got := cons.traceCount(); got != 1 {
			t.Errorf("consumed payloads = %d, want 1", got)
		}
	})
}

func TestGRPCServer_BackpressureMapping(t *testing.T) {
	cons := &captureConsumer{err: pipeline.ErrQueueFull}
	srv := startGRPC(t, GRPCConfig{}, cons)
	conn := dialGRPC(t, srv.Addr())
	client := ptraceotlp.NewGRPCClient(conn)

	_, err := client.Export(context.Background(), ptraceotlp.NewExportRequestFromTraces(sampleTraces(1)))
	if status.Code(err) != codes.ResourceExhausted {
		t.Errorf("code = %s, want ResourceExhausted", status.Code(err))
	}

	cons.mu.Lock()
	cons.err = pipeline.ErrNotRunning
	cons.mu.Unlock()
	_, err = client.Export(context.Background(), ptraceotlp.NewExportRequestFromTraces(sampleTraces(1)))
	if status.Code(err) != codes.Unavailable {
		t.Errorf("code = %s, want Unavailable", status.Code(err))
	}
}
