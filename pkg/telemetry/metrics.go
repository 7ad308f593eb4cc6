package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for glueflow.
type Metrics struct {
	config MetricsConfig

	// Deployment metrics
	deployments        *prometheus.CounterVec
	deploymentDuration *prometheus.HistogramVec
	activeDeployments  prometheus.Gauge

	// Plan unit metrics
	planUnitsExecuted *prometheus.CounterVec
	planUnitDuration  *prometheus.HistogramVec

	policyViolations *prometheus.CounterVec

	// Schedule and workflow metrics
	scheduleTicks      *prometheus.CounterVec
	scheduleOverlaps   *prometheus.CounterVec
	workflowExecutions *prometheus.CounterVec

	// AWS API metrics
	apiCalls    *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
	apiErrors   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Total number of deployments by final status",
			},
			[]string{"variant", "status"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of deployments in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Current number of deployments in progress",
			},
		),

		planUnitsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_units_executed_total",
				Help:      "Total number of plan units executed",
			},
			[]string{"operation", "status"},
		),
		planUnitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_unit_duration_seconds",
				Help:      "Duration of plan unit execution in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "resource_kind"},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations",
			},
			[]string{"policy", "severity"},
		),

		scheduleTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_ticks_total",
				Help:      "Total number of schedule firings",
			},
			[]string{"rule"},
		),
		scheduleOverlaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_overlaps_total",
				Help:      "Firings that started while a previous execution was still running",
			},
			[]string{"rule"},
		),
		workflowExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_executions_total",
				Help:      "Total number of state machine executions",
			},
			[]string{"status"},
		),

		apiCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aws_api_calls_total",
				Help:      "Total number of AWS API calls",
			},
			[]string{"service", "operation"},
		),
		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "aws_api_call_duration_seconds",
				Help:      "Duration of AWS API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"service", "operation"},
		),
		apiErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aws_api_errors_total",
				Help:      "Total number of AWS API errors by error code",
			},
			[]string{"service", "code"},
		),
	}

	registry.MustRegister(
		m.deployments,
		m.deploymentDuration,
		m.activeDeployments,
		m.planUnitsExecuted,
		m.planUnitDuration,
		m.policyViolations,
		m.scheduleTicks,
		m.scheduleOverlaps,
		m.workflowExecutions,
		m.apiCalls,
		m.apiDuration,
		m.apiErrors,
	)

	return m, nil
}

// Registry returns the registry backing the collectors, or nil when metrics
// are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Deployment Metrics

// RecordDeploymentStarted marks a deployment as in progress.
func (m *Metrics) RecordDeploymentStarted() {
	if m.activeDeployments == nil {
		return
	}
	m.activeDeployments.Inc()
}

// RecordDeploymentFinished records the final status of a deployment.
func (m *Metrics) RecordDeploymentFinished(variant, status string, duration time.Duration) {
	if m.deployments == nil {
		return
	}
	m.deployments.WithLabelValues(variant, status).Inc()
	m.deploymentDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeDeployments.Dec()
}

// RecordPlanUnitExecution records the execution of a plan unit.
func (m *Metrics) RecordPlanUnitExecution(operation, status string, duration time.Duration, resourceKind string) {
	if m.planUnitsExecuted == nil {
		return
	}
	m.planUnitsExecuted.WithLabelValues(operation, status).Inc()
	m.planUnitDuration.WithLabelValues(operation, resourceKind).Observe(duration.Seconds())
}

// RecordPolicyViolation counts one violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// Schedule Metrics

// RecordScheduleTick counts a firing of the named rule.
func (m *Metrics) RecordScheduleTick(rule string, overlapping bool) {
	if m.scheduleTicks == nil {
		return
	}
	m.scheduleTicks.WithLabelValues(rule).Inc()
	if overlapping {
		m.scheduleOverlaps.WithLabelValues(rule).Inc()
	}
}

// RecordWorkflowExecution counts a state machine execution by status.
func (m *Metrics) RecordWorkflowExecution(status string) {
	if m.workflowExecutions == nil {
		return
	}
	m.workflowExecutions.WithLabelValues(status).Inc()
}

// AWS Metrics

// RecordAPICall records an AWS API call with its duration.
func (m *Metrics) RecordAPICall(service, operation string, duration time.Duration) {
	if m.apiCalls == nil {
		return
	}
	m.apiCalls.WithLabelValues(service, operation).Inc()
	m.apiDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordAPIError records a failed AWS API call by error code.
func (m *Metrics) RecordAPIError(service, code string) {
	if m.apiErrors == nil {
		return
	}
	m.apiErrors.WithLabelValues(service, code).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("serving metrics on %s%s", m.config.ListenAddress, path)
	return nil
}
