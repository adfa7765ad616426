package otlp

import (
	"compress/gzip"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"

	"github.com/platformbuilds/teleroute/internal/pipeline"
)

// DecodeError marks a malformed payload on one request. It never affects
// the connection or other requests.
type DecodeError struct {
	Signal pipeline.SignalType
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.Signal, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HTTPConfig configures the OTLP/HTTP receiver.
type HTTPConfig struct {
	Name      string
	Listen    string
	TLS       TLSConfig
	AuthToken string
}

// HTTPServer serves the OTLP/HTTP signal endpoints. Both protobuf and
// JSON request bodies are accepted, gzip per Content-Encoding.
type HTTPServer struct {
	cfg      HTTPConfig
	log      *slog.Logger
	consumer Consumer

	// DecodeErrors is invoked for every malformed payload, when set.
	DecodeErrors func(signal pipeline.SignalType)

	server *http.Server
	lnAddr string
}

// NewHTTPServer creates the receiver. Start binds the listener.
func NewHTTPServer(cfg HTTPConfig, consumer Consumer, log *slog.Logger) *HTTPServer {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPServer{
		cfg:      cfg,
		log:      log.With("receiver", cfg.Name, "protocol", "http"),
		consumer: consumer,
	}
}

// Start binds the listener and serves in the background.
func (s *HTTPServer) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.lnAddr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/traces", s.handleTraces)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/logs", s.handleLogs)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var serveErr error
		if s.cfg.TLS.Enable {
			serveErr = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			serveErr = s.server.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", serveErr)
		}
	}()
	s.log.Info("listening for OTLP HTTP", "addr", s.lnAddr)
	return nil
}

// Addr returns the bound listener address.
func (s *HTTPServer) Addr() string { return s.lnAddr }

// Shutdown drains in-flight requests until the context expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleTraces(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, pipeline.SignalTraces, func(body []byte, json bool) error {
		req := ptraceotlp.NewExportRequest()
		var err error
		if json {
			err = req.UnmarshalJSON(body)
		} else {
			err = req.UnmarshalProto(body)
		}
		if err != nil {
			return &DecodeError{Signal: pipeline.SignalTraces, Err: err}
		}
		td := req.Traces()
		if td.SpanCount() == 0 {
			return nil
		}
		return s.consumer.ConsumeTraces(r.Context(), td)
	}, func(json bool) ([]byte, error) {
		resp := ptraceotlp.NewExportResponse()
		if json {
			return resp.MarshalJSON()
		}
		return resp.MarshalProto()
	})
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, pipeline.SignalMetrics, func(body []byte, json bool) error {
		req := pmetricotlp.NewExportRequest()
		var err error
		if json {
			err = req.UnmarshalJSON(body)
		} else {
			err = req.UnmarshalProto(body)
		}
		if err != nil {
			return &DecodeError{Signal: pipeline.SignalMetrics, Err: err}
		}
		md := req.Metrics()
		if md.DataPointCount() == 0 {
			return nil
		}
		return s.consumer.ConsumeMetrics(r.Context(), md)
	}, func(json bool) ([]byte, error) {
		resp := pmetricotlp.NewExportResponse()
		if json {
			return resp.MarshalJSON()
		}
		return resp.MarshalProto()
	})
}

func (s *HTTPServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, pipeline.SignalLogs, func(body []byte, json bool) error {
		req := plogotlp.NewExportRequest()
		var err error
		if json {
			err = req.UnmarshalJSON(body)
		} else {
			err = req.UnmarshalProto(body)
		}
		if err != nil {
			return &DecodeError{Signal: pipeline.SignalLogs, Err: err}
		}
		ld := req.Logs()
		if ld.LogRecordCount() == 0 {
			return nil
		}
		return s.consumer.ConsumeLogs(r.Context(), ld)
	}, func(json bool) ([]byte, error) {
		resp := plogotlp.NewExportResponse()
		if json {
			return resp.MarshalJSON()
		}
		return resp.MarshalProto()
	})
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request, signal pipeline.SignalType, consume func(body []byte, json bool) error, respond func(json bool) ([]byte, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "invalid authorization token", http.StatusUnauthorized)
		return
	}

	isJSON := strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")

	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := consume(body, isJSON); err != nil {
		var decodeErr *DecodeError
		switch {
		case errors.As(err, &decodeErr):
			if s.DecodeErrors != nil {
				s.DecodeErrors(signal)
			}
			s.log.Warn("rejected malformed payload", "signal", signal, "error", decodeErr.Err)
			http.Error(w, decodeErr.Error(), http.StatusBadRequest)
		case errors.Is(err, pipeline.ErrQueueFull):
			http.Error(w, "ingest queue full", http.StatusTooManyRequests)
		case errors.Is(err, pipeline.ErrNotRunning):
			http.Error(w, "pipeline not running", http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	resp, err := respond(isJSON)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if isJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/x-protobuf")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func (s *HTTPServer) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	got := r.Header.Get("Authorization")
	want := "Bearer " + s.cfg.AuthToken
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func readBody(r *http.Request) ([]byte, error) {
	reader := io.Reader(r.Body)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer zr.Close()
		reader = zr
	}
	body, err := io.ReadAll(io.LimitReader(reader, 32*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
