// Package otlphttp exports batches over OTLP/HTTP with protobuf or JSON
// payloads. It suits backends that front OTLP ingestion with an HTTP
// gateway and tenant headers.
package otlphttp

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"

	"github.com/platformbuilds/teleroute/internal/pipeline"
)

// TLSConfig configures client transport security.
type TLSConfig struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// Config configures one OTLP/HTTP endpoint.
type Config struct {
	Name     string
	Endpoint string
	TLS      TLSConfig
	Headers  map[string]string
	Timeout  time.Duration
	Gzip     bool

	// Encoding selects the payload format, "proto" (default) or "json".
	Encoding string

	// Org and Stream are sent as organization and stream-name headers
	// when set, for multi-tenant ingestion gateways.
	Org    string
	Stream string
}

// Exporter pushes batches to an OTLP/HTTP endpoint.
type Exporter struct {
	cfg    Config
	log    *slog.Logger
	client *http.Client
}

// New creates the exporter. Start validates TLS material and builds the
// HTTP client.
func New(cfg Config, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "proto"
	}
	return &Exporter{
		cfg: cfg,
		log: log.With("exporter", cfg.Name, "transport", "http"),
	}
}

func (e *Exporter) Name() string { return e.cfg.Name }

func (e *Exporter) Start(context.Context) error {
	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     60 * time.Second,
	}
	if e.cfg.TLS.Enable {
		tc, err := buildTLS(e.cfg.TLS)
		if err != nil {
			return fmt.Errorf("tls config: %w", err)
		}
		transport.TLSClientConfig = tc
	}
	e.client = &http.Client{
		Transport: transport,
		Timeout:   e.cfg.Timeout,
	}
	e.log.Info("OTLP HTTP exporter ready", "endpoint", e.cfg.Endpoint, "encoding", e.cfg.Encoding)
	return nil
}

func buildTLS(t TLSConfig) (*tls.Config, error) {
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
	return cfg, nil
}

// Export makes one delivery attempt for the batch.
func (e *Exporter) Export(ctx context.Context, b *pipeline.Batch) error {
	if e.client == nil {
		return pipeline.NewTransientError(fmt.Errorf("exporter %s not started", e.cfg.Name))
	}

	body, path, err := e.encode(b)
	if err != nil {
		return pipeline.NewTerminalError(fmt.Errorf("encode batch: %w", err))
	}

	payload, encoding, err := e.prepareBody(body)
	if err != nil {
		return pipeline.NewTerminalError(fmt.Errorf("compress body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.buildURL(path), bytes.NewReader(payload))
	if err != nil {
		return pipeline.NewTerminalError(fmt.Errorf("build request: %w", err))
	}
	if e.cfg.Encoding == "json" {
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Header.Set("Content-Type", "application/x-protobuf")
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}
	if e.cfg.Org != "" {
		req.Header.Set("organization", e.cfg.Org)
	}
	if e.cfg.Stream != "" {
		req.Header.Set("stream-name", e.cfg.Stream)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return pipeline.NewTransientError(fmt.Errorf("post %s: %w", path, err))
	}
	defer resp.Body.Close()
	return handleResponse(resp)
}

func (e *Exporter) encode(b *pipeline.Batch) ([]byte, string, error) {
	json := e.cfg.Encoding == "json"
	switch b.Type() {
	case pipeline.SignalTraces:
		req := ptraceotlp.NewExportRequestFromTraces(b.Traces())
		if json {
			body, err := req.MarshalJSON()
			return body, "/v1/traces", err
		}
		body, err := req.MarshalProto()
		return body, "/v1/traces", err
	case pipeline.SignalMetrics:
		req := pmetricotlp.NewExportRequestFromMetrics(b.Metrics())
		if json {
			body, err := req.MarshalJSON()
			return body, "/v1/metrics", err
		}
		body, err := req.MarshalProto()
		return body, "/v1/metrics", err
	case pipeline.SignalLogs:
		req := plogotlp.NewExportRequestFromLogs(b.Logs())
		if json {
			body, err := req.MarshalJSON()
			return body, "/v1/logs", err
		}
		body, err := req.MarshalProto()
		return body, "/v1/logs", err
	default:
		return nil, "", fmt.Errorf("unsupported signal type %s", b.Type())
	}
}

func (e *Exporter) prepareBody(body []byte) ([]byte, string, error) {
	if !e.cfg.Gzip {
		return body, "", nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, "", err
	}
	if err := zw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "gzip", nil
}

func (e *Exporter) buildURL(path string) string {
	base := strings.TrimSuffix(e.cfg.Endpoint, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		if e.cfg.TLS.Enable {
			base = "https://" + base
		} else {
			base = "http://" + base
		}
	}
	return base + path
}

// handleResponse maps HTTP status codes onto the transient/terminal
// taxonomy. 429 and 5xx are retryable, any other non-2xx is not.
func handleResponse(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5 {
		return pipeline.NewTransientError(err)
	}
	return pipeline.NewTerminalError(err)
}

// Shutdown releases idle connections.
func (e *Exporter) Shutdown(context.Context) error {
	if e.client != nil {
		e.client.CloseIdleConnections()
	}
	return nil
}

var _ pipeline.Exporter = (*Exporter)(nil)
