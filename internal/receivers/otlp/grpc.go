// Package otlp receives telemetry over the OTLP wire protocols, gRPC on
// the standard 4317 port layout and HTTP on 4318. Decoded payloads are
// handed to a Consumer, the receiver owns no routing.
package otlp

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/platformbuilds/teleroute/internal/pipeline"
)

// Consumer accepts decoded telemetry from a receiver. Implementations
// must be safe for concurrent use, both receivers dispatch from many
// connection goroutines.
type Consumer interface {
	ConsumeTraces(ctx context.Context, td ptrace.Traces) error
	ConsumeMetrics(ctx context.Context, md pmetric.Metrics) error
	ConsumeLogs(ctx context.Context, ld plog.Logs) error
}

// TLSConfig configures server-side transport security.
type TLSConfig struct {
	Enable   bool
	CertFile string
	KeyFile  string
}

// GRPCConfig configures the OTLP/gRPC receiver.
type GRPCConfig struct {
	Name           string
	Listen         string
	TLS            TLSConfig
	AuthToken      string
	MaxRecvMsgSize int
}

// GRPCServer serves the three OTLP export services on one listener.
type GRPCServer struct {
	cfg      GRPCConfig
	log      *slog.Logger
	consumer Consumer

	server *grpc.Server
	lnAddr string
}

// NewGRPCServer creates the receiver. Start binds the listener.
func NewGRPCServer(cfg GRPCConfig, consumer Consumer, log *slog.Logger) *GRPCServer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxRecvMsgSize <= 0 {
		cfg.MaxRecvMsgSize = 16 * 1024 * 1024
	}
	return &GRPCServer{
		cfg:      cfg,
		log:      log.With("receiver", cfg.Name, "protocol", "grpc"),
		consumer: consumer,
	}
}

// Start binds the listener and serves in the background.
func (s *GRPCServer) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.lnAddr = ln.Addr().String()

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(s.cfg.MaxRecvMsgSize),
	}
	if s.cfg.TLS.Enable {
		crt, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("load server certificate: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(&tls.Config{Certificates: []tls.Certificate{crt}})))
	}
	if s.cfg.AuthToken != "" {
		opts = append(opts, grpc.UnaryInterceptor(bearerInterceptor(s.cfg.AuthToken)))
	}

	s.server = grpc.NewServer(opts...)
	ptraceotlp.RegisterGRPCServer(s.server, &traceService{consumer: s.consumer})
	pmetricotlp.RegisterGRPCServer(s.server, &metricService{consumer: s.consumer})
	plogotlp.RegisterGRPCServer(s.server, &logService{consumer: s.consumer})

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("grpc server stopped", "error", err)
		}
	}()
	s.log.Info("listening for OTLP gRPC", "addr", s.lnAddr)
	return nil
}

// Addr returns the bound listener address.
func (s *GRPCServer) Addr() string { return s.lnAddr }

// Shutdown stops the server, gracefully while the context allows it.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	case <-time.After(5 * time.Second):
		s.server.Stop()
	}
	return nil
}

func bearerInterceptor(token string) grpc.UnaryServerInterceptor {
	want := []byte("Bearer " + token)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		vals := md.Get("authorization")
		if len(vals) == 0 || subtle.ConstantTimeCompare([]byte(vals[0]), want) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid authorization token")
		}
		return handler(ctx, req)
	}
}

// consumeStatus maps consumer errors onto gRPC status codes so senders
// can distinguish backpressure from a stopped pipeline.
func consumeStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, "ingest queue full")
	case errors.Is(err, pipeline.ErrNotRunning):
		return status.Error(codes.Unavailable, "pipeline not running")
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

type traceService struct {
	ptraceotlp.UnimplementedGRPCServer
	consumer Consumer
}

func (s *traceService) Export(ctx context.Context, req ptraceotlp.ExportRequest) (ptraceotlp.ExportResponse, error) {
	td := req.Traces()
	if td.SpanCount() == 0 {
		return ptraceotlp.NewExportResponse(), nil
	}
	if err := s.consumer.ConsumeTraces(ctx, td); err != nil {
		return ptraceotlp.NewExportResponse(), consumeStatus(err)
	}
	return ptraceotlp.NewExportResponse(), nil
}

type metricService struct {
	pmetricotlp.UnimplementedGRPCServer
	consumer Consumer
}

func (s *metricService) Export(ctx context.Context, req pmetricotlp.ExportRequest) (pmetricotlp.ExportResponse, error) {
	md := req.Metrics()
	if md.DataPointCount() == 0 {
		return pmetricotlp.NewExportResponse(), nil
	}
	if err := s.consumer.ConsumeMetrics(ctx, md); err != nil {
		return pmetricotlp.NewExportResponse(), consumeStatus(err)
	}
	return pmetricotlp.NewExportResponse(), nil
}

type logService struct {
	plogotlp.UnimplementedGRPCServer
	consumer Consumer
}

func (s *logService) Export(ctx context.Context, req plogotlp.ExportRequest) (plogotlp.ExportResponse, error) {
	ld := req.Logs()
	if ld.LogRecordCount() == 0 {
		return plogotlp.NewExportResponse(), nil
	}
	if err := s.consumer.ConsumeLogs(ctx, ld); err != nil {
		return plogotlp.NewExportResponse(), consumeStatus(err)
	}
	return plogotlp.NewExportResponse(), nil
}
