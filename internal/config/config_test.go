package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
service:
  name: router-test
  drain_timeout: 3s
receivers:
  otlp:
    grpc:
      enabled: true
      listen: ":4317"
    http:
      enabled: true
      listen: ":4318"
processors:
  batch:
    max_batch_size: 512
    flush_timeout: 2s
    queue_size: 100
exporters:
  backend:
    type: otlp
    endpoint: collector:4317
    required: true
    retry:
      enabled: true
      max_attempts: 5
      initial_interval: 500ms
pipelines:
  traces:
    receivers: [otlp]
    processors: [batch]
    exporters: [backend]
`

func TestParse_Valid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "router-test", cfg.Service.Name)
	assert.Equal(t, 3*time.Second, cfg.DrainTimeout())
	assert.Equal(t, 512, cfg.Processors["batch"].MaxBatchSize)
	assert.Equal(t, 2*time.Second, cfg.Processors["batch"].FlushTimeoutDuration())

	exp := cfg.Exporters["backend"]
	assert.Equal(t, "otlp", exp.Type)
	assert.True(t, exp.Required)
	assert.Equal(t, 5, exp.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, exp.Retry.InitialIntervalDuration())
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
receivers:
  otlp:
    grpc:
      enabled: true
exporters:
  backend:
    type: otlp
    endpoint: collector:4317
pipelines:
  traces:
    receivers: [otlp]
    exporters: [backend]
`))
	require.NoError(t, err)

	assert.Equal(t, "teleroute", cfg.Service.Name)
	assert.Equal(t, ":19090", cfg.SelfTelemetry.Listen)
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout())
	assert.Equal(t, 10*time.Second, cfg.Exporters["backend"].TimeoutDuration())
	assert.Equal(t, 30*time.Second, cfg.Exporters["backend"].Retry.MaxIntervalDuration())
}

func TestParse_UndefinedExporterReference(t *testing.T) {
	_, err := Parse([]byte(`
receivers:
  otlp:
    grpc:
      enabled: true
exporters:
  backend:
    type: otlp
    endpoint: collector:4317
pipelines:
  traces:
    receivers: [otlp]
    exporters: [jaeger]
`))
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), `undefined exporter "jaeger"`)
}

func TestParse_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no pipelines",
			yaml: `service: {name: x}`,
			want: "no pipelines defined",
		},
		{
			name: "unknown signal type",
			yaml: `
receivers: {otlp: {grpc: {enabled: true}}}
exporters: {backend: {type: otlp, endpoint: c:4317}}
pipelines: {spans: {receivers: [otlp], exporters: [backend]}}`,
			want: "unknown signal type",
		},
		{
			name: "undefined receiver",
			yaml: `
exporters: {backend: {type: otlp, endpoint: c:4317}}
pipelines: {traces: {receivers: [nope], exporters: [backend]}}`,
			want: `undefined receiver "nope"`,
		},
		{
			name: "undefined processor",
			yaml: `
receivers: {otlp: {grpc: {enabled: true}}}
exporters: {backend: {type: otlp, endpoint: c:4317}}
pipelines: {traces: {receivers: [otlp], processors: [nope], exporters: [backend]}}`,
			want: `undefined processor "nope"`,
		},
		{
			name: "bad delivery policy",
			yaml: `
receivers: {otlp: {grpc: {enabled: true}}}
exporters: {backend: {type: otlp, endpoint: c:4317}}
pipelines: {traces: {receivers: [otlp], exporters: [backend], delivery_policy: quorum}}`,
			want: "unknown delivery_policy",
		},
		{
			name: "exporter missing endpoint",
			yaml: `
receivers: {otlp: {grpc: {enabled: true}}}
exporters: {backend: {type: otlp}}
pipelines: {traces: {receivers: [otlp], exporters: [backend]}}`,
			want: "endpoint required",
		},
		{
			name: "prometheus missing listen",
			yaml: `
receivers: {otlp: {grpc: {enabled: true}}}
exporters: {scrape: {type: prometheus}}
pipelines: {metrics: {receivers: [otlp], exporters: [scrape]}}`,
			want: "listen required",
		},
		{
			name: "unknown exporter type",
			yaml: `
receivers: {otlp: {grpc: {enabled: true}}}
exporters: {backend: {type: kafka, endpoint: c:9092}}
pipelines: {traces: {receivers: [otlp], exporters: [backend]}}`,
			want: "unknown type",
		},
		{
			name: "receiver without protocol",
			yaml: `
receivers: {otlp: {}}
exporters: {backend: {type: otlp, endpoint: c:4317}}
pipelines: {traces: {receivers: [otlp], exporters: [backend]}}`,
			want: "no protocol enabled",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			var cfgErr *Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("ROUTER_TEST_TOKEN", "s3cret")
	t.Setenv("ROUTER_TEST_TENANT", "team-a")

	out := ExpandEnv([]byte("token: ${ROUTER_TEST_TOKEN}\ntenant: ${ROUTER_TEST_TENANT}\nkeep: $NOT_A_REF"))
	assert.Equal(t, "token: s3cret\ntenant: team-a\nkeep: $NOT_A_REF", string(out))
}

func TestExpandEnv_UnsetVariable(t *testing.T) {
	out := ExpandEnv([]byte("token: ${ROUTER_TEST_DEFINITELY_UNSET}"))
	assert.Equal(t, "token: ", string(out))
}

func TestParse_EnvSubstitutionInConfig(t *testing.T) {
	t.Setenv("ROUTER_TEST_ENDPOINT", "collector:4317")

	cfg, err := Parse([]byte(`
receivers:
  otlp:
    grpc:
      enabled: true
exporters:
  backend:
    type: otlp
    endpoint: ${ROUTER_TEST_ENDPOINT}
pipelines:
  traces:
    receivers: [otlp]
    exporters: [backend]
`))
	require.NoError(t, err)
	assert.Equal(t, "collector:4317", cfg.Exporters["backend"].Endpoint)
}
