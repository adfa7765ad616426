// Package service assembles the router from its configuration: receivers
// feeding per-signal pipelines feeding exporter fan-outs, plus the
// self-telemetry endpoint. The component graph is built once at startup.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/teleroute/internal/config"
	"github.com/platformbuilds/teleroute/internal/exporters/otlp"
	"github.com/platformbuilds/teleroute/internal/exporters/otlphttp"
	"github.com/platformbuilds/teleroute/internal/exporters/promexport"
	"github.com/platformbuilds/teleroute/internal/exporters/remotewrite"
	"github.com/platformbuilds/teleroute/internal/pipeline"
	otlprecv "github.com/platformbuilds/teleroute/internal/receivers/otlp"
	"github.com/platformbuilds/teleroute/internal/selftelemetry"
)

// Service owns the lifecycle of every component. Start brings the graph
// up in dependency order, Shutdown drains it in reverse.
type Service struct {
	cfg       *config.Config
	log       *slog.Logger
	telemetry *selftelemetry.Registry

	pipelines map[pipeline.SignalType]*pipeline.Pipeline

	// routes records which receiver names feed which signal pipeline.
	routes map[pipeline.SignalType]map[string]bool

	grpcServers []*otlprecv.GRPCServer
	httpServers []*otlprecv.HTTPServer

	telemetrySrv  *http.Server
	telemetryAddr string
}

// New builds the component graph from a validated configuration.
func New(cfg *config.Config, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		cfg:       cfg,
		log:       log,
		telemetry: selftelemetry.NewRegistry(cfg.SelfTelemetry.NS),
		pipelines: make(map[pipeline.SignalType]*pipeline.Pipeline),
		routes:    make(map[pipeline.SignalType]map[string]bool),
	}

	for name, pl := range cfg.Pipelines {
		signal := pipeline.SignalType(name)

		bindings := make([]pipeline.ExporterBinding, 0, len(pl.Exporters))
		for _, expName := range pl.Exporters {
			ec := cfg.Exporters[expName]
			exp, err := s.buildExporter(expName, ec)
			if err != nil {
				return nil, fmt.Errorf("exporter %s: %w", expName, err)
			}
			bindings = append(bindings, pipeline.ExporterBinding{
				Exporter: exp,
				Required: ec.Required,
				Retry:    retryConfig(ec.Retry),
			})
		}

		batch := pipeline.BatchConfig{}
		if len(pl.Processors) > 0 {
			pc := cfg.Processors[pl.Processors[0]]
			batch = pipeline.BatchConfig{
				MaxBatchSize: pc.MaxBatchSize,
				FlushTimeout: pc.FlushTimeoutDuration(),
				QueueSize:    pc.QueueSize,
			}
		}

		s.pipelines[signal] = pipeline.New(pipeline.Config{
			Signal:       signal,
			Batch:        batch,
			Exporters:    bindings,
			Policy:       pipeline.ParsePolicy(pl.DeliveryPolicy),
			DrainTimeout: cfg.DrainTimeout(),
		}, log, s.telemetry)

		s.routes[signal] = make(map[string]bool, len(pl.Receivers))
		for _, r := range pl.Receivers {
			s.routes[signal][r] = true
		}
	}

	if err := s.buildReceivers(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) buildExporter(name string, ec config.Exporter) (pipeline.Exporter, error) {
	switch ec.Type {
	case "otlp":
		return otlp.New(otlp.Config{
			Name:     name,
			Endpoint: ec.Endpoint,
			Insecure: ec.Insecure,
			TLS: otlp.TLSConfig{
				Enable:             ec.TLS.Enable,
				CAFile:             ec.TLS.CAFile,
				CertFile:           ec.TLS.CertFile,
				KeyFile:            ec.TLS.KeyFile,
				InsecureSkipVerify: ec.TLS.InsecureSkipVerify,
			},
			Headers:        ec.Headers,
			Timeout:        ec.TimeoutDuration(),
			Gzip:           ec.Gzip,
			BlockOnConnect: ec.Required,
		}, s.log), nil
	case "otlphttp":
		return otlphttp.New(otlphttp.Config{
			Name:     name,
			Endpoint: ec.Endpoint,
			TLS: otlphttp.TLSConfig{
				Enable:             ec.TLS.Enable,
				CAFile:             ec.TLS.CAFile,
				CertFile:           ec.TLS.CertFile,
				KeyFile:            ec.TLS.KeyFile,
				InsecureSkipVerify: ec.TLS.InsecureSkipVerify,
			},
			Headers:  ec.Headers,
			Timeout:  ec.TimeoutDuration(),
			Gzip:     ec.Gzip,
			Encoding: ec.Encoding,
			Org:      ec.Org,
			Stream:   ec.Stream,
		}, s.log), nil
	case "remotewrite":
		return remotewrite.New(remotewrite.Config{
			Name:     name,
			Endpoint: ec.Endpoint,
			Headers:  ec.Headers,
			Timeout:  ec.TimeoutDuration(),
			Tenant:   ec.Tenant,
		}, s.log), nil
	case "prometheus":
		return promexport.New(promexport.Config{
			Name:      name,
			Listen:    ec.Listen,
			Namespace: ec.Namespace,
		}, s.log), nil
	default:
		return nil, fmt.Errorf("unknown exporter type %q", ec.Type)
	}
}

func retryConfig(r config.Retry) pipeline.RetryConfig {
	if r == (config.Retry{}) {
		return pipeline.DefaultRetryConfig()
	}
	return pipeline.RetryConfig{
		Enabled:         r.Enabled,
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialIntervalDuration(),
		MaxInterval:     r.MaxIntervalDuration(),
		Multiplier:      r.Multiplier,
		Jitter:          r.Jitter,
	}
}

func (s *Service) buildReceivers() error {
	// A receiver only feeds the pipelines that list it, so each gets its
	// own consumer carrying its name.
	used := make(map[string]bool)
	for _, recvs := range s.routes {
		for r := range recvs {
			used[r] = true
		}
	}

	for name, rc := range s.cfg.Receivers {
		if !used[name] {
			s.log.Warn("receiver defined but not referenced by any pipeline", "receiver", name)
			continue
		}
		cons := &consumer{svc: s, receiver: name}
		if rc.GRPC.Enabled {
			listen := rc.GRPC.Listen
			if listen == "" {
				listen = ":4317"
			}
			s.grpcServers = append(s.grpcServers, otlprecv.NewGRPCServer(otlprecv.GRPCConfig{
				Name:   name,
				Listen: listen,
				TLS: otlprecv.TLSConfig{
					Enable:   rc.GRPC.TLS.Enable,
					CertFile: rc.GRPC.TLS.CertFile,
					KeyFile:  rc.GRPC.TLS.KeyFile,
				},
				AuthToken:      rc.GRPC.AuthToken,
				MaxRecvMsgSize: rc.GRPC.MaxRecvMsgSize,
			}, cons, s.log))
		}
		if rc.HTTP.Enabled {
			listen := rc.HTTP.Listen
			if listen == "" {
				listen = ":4318"
			}
			srv := otlprecv.NewHTTPServer(otlprecv.HTTPConfig{
				Name:   name,
				Listen: listen,
				TLS: otlprecv.TLSConfig{
					Enable:   rc.HTTP.TLS.Enable,
					CertFile: rc.HTTP.TLS.CertFile,
					KeyFile:  rc.HTTP.TLS.KeyFile,
				},
				AuthToken: rc.HTTP.AuthToken,
			}, cons, s.log)
			recvName := name
			srv.DecodeErrors = func(signal pipeline.SignalType) {
				s.telemetry.DecodeErrors.WithLabelValues(recvName, string(signal)).Inc()
			}
			s.httpServers = append(s.httpServers, srv)
		}
	}
	return nil
}

// consumer routes decoded payloads from one named receiver into the
// signal pipelines that list it.
type consumer struct {
	svc      *Service
	receiver string
}

func (c *consumer) ConsumeTraces(ctx context.Context, td ptrace.Traces) error {
	return c.svc.offer(pipeline.SignalTraces, c.receiver, pipeline.NewTraceSignal(td, c.receiver))
}

func (c *consumer) ConsumeMetrics(ctx context.Context, md pmetric.Metrics) error {
	return c.svc.offer(pipeline.SignalMetrics, c.receiver, pipeline.NewMetricSignal(md, c.receiver))
}

func (c *consumer) ConsumeLogs(ctx context.Context, ld plog.Logs) error {
	return c.svc.offer(pipeline.SignalLogs, c.receiver, pipeline.NewLogSignal(ld, c.receiver))
}

func (s *Service) offer(signal pipeline.SignalType, receiver string, sig pipeline.Signal) error {
	p := s.pipelines[signal]
	if p == nil || !s.routes[signal][receiver] {
		s.telemetry.Dropped.WithLabelValues(string(signal), "no_pipeline").Inc()
		return nil
	}
	return p.Offer(sig)
}

// Pipeline exposes a signal pipeline, mainly for tests and stats.
func (s *Service) Pipeline(signal pipeline.SignalType) *pipeline.Pipeline {
	return s.pipelines[signal]
}

// GRPCAddrs returns the bound gRPC receiver addresses, available after Start.
func (s *Service) GRPCAddrs() []string {
	addrs := make([]string, 0, len(s.grpcServers))
	for _, srv := range s.grpcServers {
		addrs = append(addrs, srv.Addr())
	}
	return addrs
}

// TelemetryAddr returns the bound self-telemetry address, available after Start.
func (s *Service) TelemetryAddr() string { return s.telemetryAddr }

// HTTPAddrs returns the bound HTTP receiver addresses, available after Start.
func (s *Service) HTTPAddrs() []string {
	addrs := make([]string, 0, len(s.httpServers))
	for _, srv := range s.httpServers {
		addrs = append(addrs, srv.Addr())
	}
	return addrs
}

// Start brings up exporters and pipelines first, then receivers, then the
// self-telemetry endpoint. A required exporter that cannot connect fails
// the whole start.
func (s *Service) Start(ctx context.Context) error {
	started := make([]*pipeline.Pipeline, 0, len(s.pipelines))
	for signal, p := range s.pipelines {
		if err := p.Start(ctx); err != nil {
			for _, prev := range started {
				prev.Drain(ctx)
			}
			return fmt.Errorf("start %s pipeline: %w", signal, err)
		}
		started = append(started, p)
	}

	for _, srv := range s.grpcServers {
		if err := srv.Start(ctx); err != nil {
			s.Shutdown(ctx)
			return fmt.Errorf("start grpc receiver: %w", err)
		}
	}
	for _, srv := range s.httpServers {
		if err := srv.Start(ctx); err != nil {
			s.Shutdown(ctx)
			return fmt.Errorf("start http receiver: %w", err)
		}
	}

	if err := s.startTelemetry(); err != nil {
		s.Shutdown(ctx)
		return err
	}

	s.telemetry.SetReady(true)
	s.log.Info("service running",
		"pipelines", len(s.pipelines),
		"grpc_receivers", len(s.grpcServers),
		"http_receivers", len(s.httpServers))
	return nil
}

func (s *Service) startTelemetry() error {
	ln, err := net.Listen("tcp", s.cfg.SelfTelemetry.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.SelfTelemetry.Listen, err)
	}
	s.telemetryAddr = ln.Addr().String()
	mux := http.NewServeMux()
	s.telemetry.InstallHandlers(mux)
	s.telemetrySrv = &http.Server{Handler: mux}
	go func() {
		if err := s.telemetrySrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("telemetry server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown stops intake, drains every pipeline concurrently and then
// releases the remaining listeners. Drain errors are collected, a slow
// pipeline does not block the others past the drain timeout.
func (s *Service) Shutdown(ctx context.Context) error {
	s.telemetry.SetReady(false)

	for _, srv := range s.grpcServers {
		srv.Shutdown(ctx)
	}
	for _, srv := range s.httpServers {
		srv.Shutdown(ctx)
	}

	var g errgroup.Group
	for signal, p := range s.pipelines {
		signal, p := signal, p
		g.Go(func() error {
			if err := p.Drain(ctx); err != nil {
				return fmt.Errorf("drain %s pipeline: %w", signal, err)
			}
			return nil
		})
	}
	err := g.Wait()

	if s.telemetrySrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.telemetrySrv.Shutdown(shutCtx)
	}
	return err
}

// Run starts the service and blocks until the context is cancelled, then
// shuts down within the configured drain timeout.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.log.Info("shutting down", "drain_timeout", s.cfg.DrainTimeout())

	shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout()+5*time.Second)
	defer cancel()
	return s.Shutdown(shutCtx)
}

var _ otlprecv.Consumer = (*consumer)(nil)
