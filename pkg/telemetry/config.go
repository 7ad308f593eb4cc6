package telemetry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains the telemetry configuration for one glueflow invocation.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool

	// TimeFormat is unix or rfc3339.
	TimeFormat string `validate:"omitempty,oneof=unix rfc3339"`
}

// TracingConfig configures span export. Spans cover deployments, workflow
// executions and AWS calls.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address, e.g. "localhost:4317".
	Endpoint string

	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int     `validate:"gte=0"`
	ExportTimeout      time.Duration

	Headers  map[string]string
	Insecure bool
}

// MetricsConfig configures the per-invocation registry and, for the
// long-running commands, the endpoint serving it.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string
	Namespace     string `validate:"required"`

	// DefaultHistogramBuckets are the duration buckets in seconds, sized
	// for job runs that take minutes.
	DefaultHistogramBuckets []float64
}

// DefaultConfig returns the configuration used by the CLI.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "glueflow",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "glueflow",
			DefaultHistogramBuckets: []float64{
				0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200,
			},
		},
	}
}

// ApplyEnv overrides the configuration from environment variables:
//
//	GLUEFLOW_LOG_LEVEL (or LOG_LEVEL)   log level
//	GLUEFLOW_LOG_FORMAT                 console or json
//	GLUEFLOW_TRACE_EXPORTER             enables tracing with otlp or stdout
//	GLUEFLOW_TRACE_SAMPLE               sampling rate between 0 and 1
//	OTEL_EXPORTER_OTLP_ENDPOINT         collector address
//	OTEL_EXPORTER_OTLP_HEADERS          comma separated key=value pairs
//	GLUEFLOW_METRICS_ADDR               metrics listen address
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(names ...string) string {
		for _, name := range names {
			if v, ok := lookup(name); ok && v != "" {
				return v
			}
		}
		return ""
	}

	if v := get("GLUEFLOW_LOG_LEVEL", "LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := get("GLUEFLOW_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := get("GLUEFLOW_TRACE_EXPORTER"); v != "" {
		c.Tracing.Enabled = v != "none"
		c.Tracing.Exporter = v
	}
	if v := get("GLUEFLOW_TRACE_SAMPLE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GLUEFLOW_TRACE_SAMPLE: %w", err)
		}
		c.Tracing.SamplingRate = rate
	}
	if v := get("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		// the grpc exporter wants host:port
		v = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
		c.Tracing.Endpoint = v
	}
	if v := get("OTEL_EXPORTER_OTLP_HEADERS"); v != "" {
		if c.Tracing.Headers == nil {
			c.Tracing.Headers = make(map[string]string)
		}
		for _, pair := range strings.Split(v, ",") {
			key, val, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("OTEL_EXPORTER_OTLP_HEADERS: malformed pair %q", pair)
			}
			c.Tracing.Headers[strings.TrimSpace(key)] = strings.TrimSpace(val)
		}
	}
	if v := get("GLUEFLOW_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddress = v
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid telemetry config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}
	return nil
}
