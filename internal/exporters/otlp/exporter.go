// Package otlp exports batches over OTLP/gRPC. It is the push sink for
// OTLP-native backends and for trace stores that ingest OTLP directly.
package otlp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/platformbuilds/teleroute/internal/pipeline"
)

// TLSConfig configures client-side transport security.
type TLSConfig struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// Config configures one OTLP/gRPC endpoint.
type Config struct {
	Name     string
	Endpoint string
	Insecure bool
	TLS      TLSConfig
	Headers  map[string]string
	Timeout  time.Duration
	Gzip     bool

	// BlockOnConnect makes Start fail when the endpoint is unreachable.
	// Set for exporters marked required.
	BlockOnConnect bool
}

// Exporter pushes trace, metric and log batches over a shared gRPC
// connection. The connection supports concurrent dispatches.
type Exporter struct {
	cfg Config
	log *slog.Logger

	conn    *grpc.ClientConn
	traces  ptraceotlp.GRPCClient
	metrics pmetricotlp.GRPCClient
	logs    plogotlp.GRPCClient

	mu      sync.RWMutex
	running bool
}

// New creates the exporter. Start dials the endpoint.
func New(cfg Config, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Exporter{
		cfg: cfg,
		log: log.With("exporter", cfg.Name, "transport", "grpc"),
	}
}

func (e *Exporter) Name() string { return e.cfg.Name }

// Start establishes the gRPC connection. With BlockOnConnect the dial is
// synchronous and bounded by the configured timeout.
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	opts, err := e.dialOptions()
	if err != nil {
		return fmt.Errorf("dial options: %w", err)
	}
	if e.cfg.BlockOnConnect {
		opts = append(opts, grpc.WithBlock())
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, e.cfg.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", e.cfg.Endpoint, err)
	}

	e.conn = conn
	e.traces = ptraceotlp.NewGRPCClient(conn)
	e.metrics = pmetricotlp.NewGRPCClient(conn)
	e.logs = plogotlp.NewGRPCClient(conn)
	e.running = true
	e.log.Info("connected to OTLP endpoint", "endpoint", e.cfg.Endpoint)
	return nil
}

func (e *Exporter) dialOptions() ([]grpc.DialOption, error) {
	var opts []grpc.DialOption

	if e.cfg.TLS.Enable && !e.cfg.Insecure {
		creds, err := buildTLS(e.cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if e.cfg.Gzip {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(gzip.Name)))
	}

	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, grpc.WithDefaultCallOptions(
		grpc.MaxCallRecvMsgSize(16*1024*1024),
		grpc.MaxCallSendMsgSize(16*1024*1024),
	))
	return opts, nil
}

func buildTLS(t TLSConfig) (credentials.TransportCredentials, error) {
	cfg := &tls.Config{InsecureSkipVerify: t.InsecureSkipVerify}
	if t.CAFile != "" {
		b, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(b) {
			return nil, errors.New("parse CA certificate")
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" && t.KeyFile != "" {
		crt, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{crt}
	}
	return credentials.NewTLS(cfg), nil
}

// Export makes one delivery attempt for the batch. Retry classification is
// surfaced through the error type; the pipeline owns the retry loop.
func (e *Exporter) Export(ctx context.Context, b *pipeline.Batch) error {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return pipeline.NewTransientError(fmt.Errorf("exporter %s not connected", e.cfg.Name))
	}

	if len(e.cfg.Headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(e.cfg.Headers))
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var err error
	switch b.Type() {
	case pipeline.SignalTraces:
		_, err = e.traces.Export(ctx, ptraceotlp.NewExportRequestFromTraces(b.Traces()))
	case pipeline.SignalMetrics:
		_, err = e.metrics.Export(ctx, pmetricotlp.NewExportRequestFromMetrics(b.Metrics()))
	case pipeline.SignalLogs:
		_, err = e.logs.Export(ctx, plogotlp.NewExportRequestFromLogs(b.Logs()))
	default:
		return pipeline.NewTerminalError(fmt.Errorf("unsupported signal type %s", b.Type()))
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify maps gRPC status codes onto the transient/terminal taxonomy.
func classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return pipeline.NewTransientError(err)
	}
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.Canceled, codes.DeadlineExceeded, codes.Unavailable, codes.ResourceExhausted:
		return pipeline.NewTransientError(fmt.Errorf("grpc %s: %s", st.Code(), st.Message()))
	default:
		return pipeline.NewTerminalError(fmt.Errorf("grpc %s: %s", st.Code(), st.Message()))
	}
}

// Shutdown closes the connection.
func (e *Exporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
		e.conn = nil
	}
	return nil
}

var _ pipeline.Exporter = (*Exporter)(nil)
