package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Error reports invalid or incomplete pipeline wiring. It is fatal at
// startup: the process must not reach the running state with a broken graph.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "config: " + e.Msg }

func errorf(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

type TLS struct {
	Enable             bool   `yaml:"enable"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Receiver configures one OTLP ingest surface. Both protocols feed the same
// logical pipelines.
type Receiver struct {
	GRPC GRPCServer `yaml:"grpc"`
	HTTP HTTPServer `yaml:"http"`
}

type GRPCServer struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen"`
	TLS            TLS    `yaml:"tls"`
	AuthToken      string `yaml:"auth_token"`
	MaxRecvMsgSize int    `yaml:"max_recv_msg_size"`
}

type HTTPServer struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	TLS       TLS    `yaml:"tls"`
	AuthToken string `yaml:"auth_token"`
}

// Processor holds batching parameters. Batching is the only processing stage.
type Processor struct {
	MaxBatchSize int    `yaml:"max_batch_size"`
	FlushTimeout string `yaml:"flush_timeout"`
	QueueSize    int    `yaml:"queue_size"`
}

func (p Processor) FlushTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(p.FlushTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Exporter describes one downstream sink. Type selects the wire protocol:
// otlp (gRPC push), otlphttp (generic HTTP push), remotewrite (Prometheus
// remote_write push), prometheus (pull exposition endpoint).
type Exporter struct {
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	TLS      TLS               `yaml:"tls"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  string            `yaml:"timeout"`
	Gzip     bool              `yaml:"gzip"`

	// Required exporters must be reachable at startup; the pipeline fails
	// fast otherwise.
	Required bool `yaml:"required"`

	// otlphttp only.
	Encoding string `yaml:"encoding"` // protobuf|json
	Org      string `yaml:"org"`
	Stream   string `yaml:"stream"`

	// remotewrite only.
	Tenant string `yaml:"tenant"`

	// prometheus only.
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`

	Retry Retry `yaml:"retry"`
}

func (e Exporter) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(e.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

type Retry struct {
	Enabled         bool    `yaml:"enabled"`
	MaxAttempts     int     `yaml:"max_attempts"`
	InitialInterval string  `yaml:"initial_interval"`
	MaxInterval     string  `yaml:"max_interval"`
	Multiplier      float64 `yaml:"multiplier"`
	Jitter          float64 `yaml:"jitter"`
}

func (r Retry) InitialIntervalDuration() time.Duration {
	d, err := time.ParseDuration(r.InitialInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

func (r Retry) MaxIntervalDuration() time.Duration {
	d, err := time.ParseDuration(r.MaxInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Pipeline binds one signal type to its receiver, processor and exporter
// names. The graph is resolved once at startup and never changes.
type Pipeline struct {
	Receivers  []string `yaml:"receivers"`
	Processors []string `yaml:"processors"`
	Exporters  []string `yaml:"exporters"`

	// DeliveryPolicy is at_least_one (default) or all_required.
	DeliveryPolicy string `yaml:"delivery_policy"`
}

type Config struct {
	Service struct {
		Name         string `yaml:"name"`
		DrainTimeout string `yaml:"drain_timeout"`
	} `yaml:"service"`
	SelfTelemetry struct {
		Listen string `yaml:"listen"`
		NS     string `yaml:"prometheus_namespace"`
	} `yaml:"selfTelemetry"`
	Receivers  map[string]Receiver  `yaml:"receivers"`
	Processors map[string]Processor `yaml:"processors"`
	Exporters  map[string]Exporter  `yaml:"exporters"`
	Pipelines  map[string]Pipeline  `yaml:"pipelines"`
}

func (c *Config) DrainTimeout() time.Duration {
	d, err := time.ParseDuration(c.Service.DrainTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv substitutes ${VAR} references from the process environment.
// Credentials reach the config this way and are never written into the file.
func ExpandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(raw []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(ExpandEnv(raw), &c); err != nil {
		return nil, errorf("parse: %v", err)
	}
	if c.SelfTelemetry.Listen == "" {
		c.SelfTelemetry.Listen = ":19090"
	}
	if c.Service.Name == "" {
		c.Service.Name = "teleroute"
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var signalTypes = map[string]bool{"traces": true, "metrics": true, "logs": true}

// Validate checks the pipeline graph against the declared components.
// A pipeline that names an undefined receiver, processor or exporter is a
// startup failure, not a runtime surprise.
func (c *Config) Validate() error {
	if len(c.Pipelines) == 0 {
		return errorf("no pipelines defined")
	}
	for _, name := range sortedKeys(c.Pipelines) {
		pl := c.Pipelines[name]
		if !signalTypes[name] {
			return errorf("pipeline %q: unknown signal type (want traces|metrics|logs)", name)
		}
		if len(pl.Receivers) == 0 {
			return errorf("pipeline %q: no receivers", name)
		}
		if len(pl.Exporters) == 0 {
			return errorf("pipeline %q: no exporters", name)
		}
		for _, r := range pl.Receivers {
			if _, ok := c.Receivers[r]; !ok {
				return errorf("pipeline %q references undefined receiver %q", name, r)
			}
		}
		for _, p := range pl.Processors {
			if _, ok := c.Processors[p]; !ok {
				return errorf("pipeline %q references undefined processor %q", name, p)
			}
		}
		for _, e := range pl.Exporters {
			if _, ok := c.Exporters[e]; !ok {
				return errorf("pipeline %q references undefined exporter %q", name, e)
			}
		}
		switch pl.DeliveryPolicy {
		case "", "at_least_one", "all_required":
		default:
			return errorf("pipeline %q: unknown delivery_policy %q", name, pl.DeliveryPolicy)
		}
	}
	for _, name := range sortedKeys(c.Exporters) {
		exp := c.Exporters[name]
		switch exp.Type {
		case "otlp", "otlphttp", "remotewrite":
			if exp.Endpoint == "" {
				return errorf("exporter %q: endpoint required", name)
			}
		case "prometheus":
			if exp.Listen == "" {
				return errorf("exporter %q: listen required", name)
			}
		default:
			return errorf("exporter %q: unknown type %q", name, exp.Type)
		}
	}
	for _, name := range sortedKeys(c.Receivers) {
		rc := c.Receivers[name]
		if !rc.GRPC.Enabled && !rc.HTTP.Enabled {
			return errorf("receiver %q: no protocol enabled", name)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
