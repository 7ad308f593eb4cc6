package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openfroyo/glueflow/pkg/engine"
)

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid: %v", err)
	}

	tests := map[string]func(c *Config){
		"no service":    func(c *Config) { c.ServiceName = "" },
		"no version":    func(c *Config) { c.ServiceVersion = "" },
		"bad level":     func(c *Config) { c.Logging.Level = "loud" },
		"bad format":    func(c *Config) { c.Logging.Format = "xml" },
		"bad exporter":  func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" },
		"otlp endpoint": func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" },
		"sampling":      func(c *Config) { c.Tracing.SamplingRate = 1.5 },
		"metrics addr":  func(c *Config) { c.Metrics.ListenAddress = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	env := map[string]string{
		"LOG_LEVEL":                   "DEBUG",
		"GLUEFLOW_LOG_FORMAT":         "json",
		"GLUEFLOW_TRACE_EXPORTER":     "otlp",
		"GLUEFLOW_TRACE_SAMPLE":       "0.25",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "http://collector:4317",
		"OTEL_EXPORTER_OTLP_HEADERS":  "api-key=secret, team=data",
		"GLUEFLOW_METRICS_ADDR":       "127.0.0.1:9100",
	}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" || cfg.Tracing.SamplingRate != 0.25 {
		t.Errorf("unexpected tracing config: %+v", cfg.Tracing)
	}
	if cfg.Tracing.Endpoint != "collector:4317" {
		t.Errorf("expected the scheme to be stripped, got %s", cfg.Tracing.Endpoint)
	}
	if cfg.Tracing.Headers["api-key"] != "secret" || cfg.Tracing.Headers["team"] != "data" {
		t.Errorf("unexpected headers: %v", cfg.Tracing.Headers)
	}
	if cfg.Metrics.ListenAddress != "127.0.0.1:9100" {
		t.Errorf("unexpected metrics address: %s", cfg.Metrics.ListenAddress)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected the result to be valid: %v", err)
	}

	env = map[string]string{"GLUEFLOW_TRACE_SAMPLE": "half"}
	if err := DefaultConfig().ApplyEnv(lookup); err == nil {
		t.Error("expected a bad sampling rate to fail")
	}
	env = map[string]string{"OTEL_EXPORTER_OTLP_HEADERS": "novalue"}
	if err := DefaultConfig().ApplyEnv(lookup); err == nil {
		t.Error("expected a malformed header to fail")
	}
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.NewComponentLogger("apply").
		WithStack("CdhelloWorldV2Stack", "basic").
		WithDeploymentID("dep-1").
		WithExecution("MyStateMachine", "exec-1").
		Info("deploying")
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %s", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("failed to decode log line: %v", err)
	}
	for key, want := range map[string]string{
		"component":     "apply",
		"stack":         "CdhelloWorldV2Stack",
		"variant":       "basic",
		"deployment_id": "dep-1",
		"state_machine": "MyStateMachine",
		"execution":     "exec-1",
		"message":       "deploying",
		"level":         "info",
	} {
		if entry[key] != want {
			t.Errorf("expected %s=%s, got %v", key, want, entry[key])
		}
	}
}

func TestLogger_Context(t *testing.T) {
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &bytes.Buffer{})
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("expected the attached logger back")
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected a default logger")
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	if m.Registry() != nil {
		t.Error("expected no registry when disabled")
	}

	m.RecordDeploymentStarted()
	m.RecordDeploymentFinished("basic", "complete", time.Second)
	m.RecordPolicyViolation("p", "error")
	m.RecordScheduleTick("GlueJobSchedule", true)
	m.RecordAPIError("glue", "x")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestMetrics_Record(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordDeploymentStarted()
	m.RecordDeploymentFinished("catalog", "complete", 2*time.Second)
	m.RecordScheduleTick("GlueJobSchedule", false)
	m.RecordScheduleTick("GlueJobSchedule", true)
	m.RecordWorkflowExecution("succeeded")
	m.RecordAPICall("glue", "StartJobRun", 10*time.Millisecond)

	if got := testutil.ToFloat64(m.deployments.WithLabelValues("catalog", "complete")); got != 1 {
		t.Errorf("expected 1 deployment, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeDeployments); got != 0 {
		t.Errorf("expected no active deployments, got %v", got)
	}
	if got := testutil.ToFloat64(m.scheduleTicks.WithLabelValues("GlueJobSchedule")); got != 2 {
		t.Errorf("expected 2 ticks, got %v", got)
	}
	if got := testutil.ToFloat64(m.scheduleOverlaps.WithLabelValues("GlueJobSchedule")); got != 1 {
		t.Errorf("expected 1 overlap, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "glueflow_workflow_executions_total") {
		t.Errorf("expected workflow counter in exposition, got %s", rec.Body.String())
	}
}

type recordingSink struct {
	events []*engine.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, event *engine.Event) error {
	s.events = append(s.events, event)
	return s.err
}

func TestEventPublisher(t *testing.T) {
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &bytes.Buffer{})
	metrics, _ := NewMetrics(DefaultConfig().Metrics)

	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("disk full")}
	pub := NewEventPublisher(logger, metrics, good, nil, bad)

	var seen []engine.EventType
	pub.Subscribe(func(e engine.Event) { seen = append(seen, e.Type) })

	err := pub.Publish(context.Background(), &engine.Event{
		Type:    engine.EventTypePolicyViolation,
		RunID:   "run-1",
		Message: "job role is too broad",
		Details: map[string]interface{}{"policy": "least-privilege", "severity": "error"},
	})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected sink error to surface, got %v", err)
	}

	if len(good.events) != 1 || len(bad.events) != 1 {
		t.Fatalf("expected every sink to receive the event, got %d/%d", len(good.events), len(bad.events))
	}
	event := good.events[0]
	if event.ID == "" || event.Timestamp.IsZero() {
		t.Error("expected ID and timestamp to be filled")
	}
	if event.Level != "error" {
		t.Errorf("expected error level, got %s", event.Level)
	}
	if len(seen) != 1 || pub.Published() != 1 {
		t.Errorf("expected one delivery, got %v / %d", seen, pub.Published())
	}
	if got := testutil.ToFloat64(metrics.policyViolations.WithLabelValues("least-privilege", "error")); got != 1 {
		t.Errorf("expected violation to be counted, got %v", got)
	}

	if err := pub.Publish(context.Background(), nil); err != nil {
		t.Errorf("expected nil event to be ignored, got %v", err)
	}
}

func TestRecordAWSCall(t *testing.T) {
	calls := 0
	err := RecordAWSCall(context.Background(), "sts", "GetCallerIdentity", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("expected pass-through without telemetry, got %v after %d calls", err, calls)
	}

	tel, err := NewTelemetry(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())
	ctx := tel.WithContext(context.Background())

	throttled := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
	err = RecordAWSCall(ctx, "glue", "StartJobRun", func(context.Context) error { return throttled })
	if !errors.Is(err, throttled) {
		t.Errorf("expected the call error back, got %v", err)
	}

	if got := testutil.ToFloat64(tel.Metrics.apiCalls.WithLabelValues("glue", "StartJobRun")); got != 1 {
		t.Errorf("expected 1 call, got %v", got)
	}
	if got := testutil.ToFloat64(tel.Metrics.apiErrors.WithLabelValues("glue", "ThrottlingException")); got != 1 {
		t.Errorf("expected 1 throttling error, got %v", got)
	}
	if FromTelemetryContext(ctx) != tel {
		t.Error("expected telemetry in context")
	}
}

func TestStartOperation(t *testing.T) {
	ic := StartOperation(context.Background(), "synth")
	if ic.Span != nil {
		t.Error("expected no span without telemetry")
	}
	ic.End(nil)

	tel, err := NewTelemetry(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	ctx := tel.WithContext(context.Background())
	ic = StartOperation(ctx, "synth", AttrStackName.String("CdhelloWorldV2Stack"))
	if ic.Span == nil {
		t.Fatal("expected a span")
	}
	ic.End(errors.New("boom"))
	if ic.Timer.Duration() < 0 {
		t.Error("expected a running timer")
	}
}
