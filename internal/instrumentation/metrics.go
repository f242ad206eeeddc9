package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrResult  = "result"
	attrReason  = "reason"
	attrTool    = "tool"
	attrClient  = "client_id"
	attrOutcome = "outcome"
	attrBackend = "backend"
)

// Metrics provides methods for recording observability metrics.
// All Record methods are safe to call on a nil or zero Metrics.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Session lifecycle
	activeSessions      metric.Int64UpDownCounter
	sessionsClosedTotal metric.Int64Counter
	projectionLoadTime  metric.Float64Histogram
	activeTransports    metric.Int64UpDownCounter

	// OAuth metrics
	oauthFlowsTotal     metric.Int64Counter
	oauthExchangesTotal metric.Int64Counter
	oauthRevocations    metric.Int64Counter
	oauthRegistrations  metric.Int64Counter

	// MCP Tool metrics
	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram
	evalOutcomesTotal    metric.Int64Counter

	// detailedLabels controls whether high-cardinality labels are included
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The detailedLabels parameter controls whether high-cardinality labels are included.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.activeSessions, err = meter.Int64UpDownCounter(
		"active_sessions",
		metric.WithDescription("Number of live record sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_sessions gauge: %w", err)
	}

	m.sessionsClosedTotal, err = meter.Int64Counter(
		"sessions_closed_total",
		metric.WithDescription("Total number of closed record sessions by reason"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions_closed_total counter: %w", err)
	}

	m.projectionLoadTime, err = meter.Float64Histogram(
		"projection_load_duration_seconds",
		metric.WithDescription("Time to build a session's relational projection"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create projection_load_duration_seconds histogram: %w", err)
	}

	m.activeTransports, err = meter.Int64UpDownCounter(
		"active_transports",
		metric.WithDescription("Number of bound MCP transports"),
		metric.WithUnit("{transport}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_transports gauge: %w", err)
	}

	m.oauthFlowsTotal, err = meter.Int64Counter(
		"oauth_flows_total",
		metric.WithDescription("Total number of authorization flows by result"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_flows_total counter: %w", err)
	}

	m.oauthExchangesTotal, err = meter.Int64Counter(
		"oauth_token_exchanges_total",
		metric.WithDescription("Total number of authorization code exchanges by result"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_token_exchanges_total counter: %w", err)
	}

	m.oauthRevocations, err = meter.Int64Counter(
		"oauth_revocations_total",
		metric.WithDescription("Total number of token revocation requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_revocations_total counter: %w", err)
	}

	m.oauthRegistrations, err = meter.Int64Counter(
		"oauth_client_registrations_total",
		metric.WithDescription("Total number of dynamic client registrations by result"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_client_registrations_total counter: %w", err)
	}

	m.toolInvocationsTotal, err = meter.Int64Counter(
		"mcp_tool_invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_invocations_total counter: %w", err)
	}

	m.toolDuration, err = meter.Float64Histogram(
		"mcp_tool_duration_seconds",
		metric.WithDescription("MCP tool execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_duration_seconds histogram: %w", err)
	}

	m.evalOutcomesTotal, err = meter.Int64Counter(
		"eval_outcomes_total",
		metric.WithDescription("Total number of sandboxed eval runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eval_outcomes_total counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// SessionOpened records a newly reachable session and how long its projection took to build.
func (m *Metrics) SessionOpened(ctx context.Context, backend string, loadTime time.Duration) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
	if m.projectionLoadTime != nil {
		m.projectionLoadTime.Record(ctx, loadTime.Seconds(), metric.WithAttributes(attribute.String(attrBackend, backend)))
	}
}

// SessionClosed records a session teardown with its reason
// (revoked, idle, orphaned, shutdown).
func (m *Metrics) SessionClosed(ctx context.Context, reason string) {
	if m == nil || m.activeSessions == nil || m.sessionsClosedTotal == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
	m.sessionsClosedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrReason, NormalizeCloseReason(reason))))
}

// TransportAttached increments the bound transport gauge.
func (m *Metrics) TransportAttached(ctx context.Context) {
	if m == nil || m.activeTransports == nil {
		return
	}
	m.activeTransports.Add(ctx, 1)
}

// TransportDetached decrements the bound transport gauge.
func (m *Metrics) TransportDetached(ctx context.Context) {
	if m == nil || m.activeTransports == nil {
		return
	}
	m.activeTransports.Add(ctx, -1)
}

// RecordFlow records the outcome of an authorization flow step.
// Result is one of "success", "failure", "expired".
func (m *Metrics) RecordFlow(ctx context.Context, result string) {
	if m == nil || m.oauthFlowsTotal == nil {
		return
	}
	m.oauthFlowsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordTokenExchange records an authorization code exchange with result.
func (m *Metrics) RecordTokenExchange(ctx context.Context, result string) {
	if m == nil || m.oauthExchangesTotal == nil {
		return
	}
	m.oauthExchangesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordRevocation records a revocation request. Revocation always answers 200,
// so no result label is kept.
func (m *Metrics) RecordRevocation(ctx context.Context) {
	if m == nil || m.oauthRevocations == nil {
		return
	}
	m.oauthRevocations.Add(ctx, 1)
}

// RecordRegistration records a dynamic client registration attempt.
func (m *Metrics) RecordRegistration(ctx context.Context, result string) {
	if m == nil || m.oauthRegistrations == nil {
		return
	}
	m.oauthRegistrations.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordToolInvocation records an MCP tool invocation with tool name, status, and duration.
// The client id is only attached when detailed labels are enabled.
func (m *Metrics) RecordToolInvocation(ctx context.Context, toolName, status, clientID string, duration time.Duration) {
	if m == nil || m.toolInvocationsTotal == nil || m.toolDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrTool, toolName),
		attribute.String(attrStatus, status),
	}
	if m.detailedLabels && clientID != "" {
		attrs = append(attrs, attribute.String(attrClient, clientID))
	}

	m.toolInvocationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordEvalOutcome records how a sandboxed eval run ended
// (ok, timeout, exception, syntax, non_serializable, oversize).
func (m *Metrics) RecordEvalOutcome(ctx context.Context, outcome string) {
	if m == nil || m.evalOutcomesTotal == nil {
		return
	}
	m.evalOutcomesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrOutcome, outcome)))
}
