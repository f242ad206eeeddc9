// Package instrumentation provides OpenTelemetry instrumentation for the
// health record MCP server.
//
// # Metrics
//
// Server/HTTP:
//   - http_requests_total, http_request_duration_seconds
//
// Sessions and transports:
//   - active_sessions: live record sessions
//   - sessions_closed_total: closed sessions by reason (revoked, idle, orphaned, shutdown)
//   - projection_load_duration_seconds: time to build the relational projection
//   - active_transports: bound MCP transports
//
// OAuth:
//   - oauth_flows_total, oauth_token_exchanges_total,
//     oauth_revocations_total, oauth_client_registrations_total
//
// Tools:
//   - mcp_tool_invocations_total, mcp_tool_duration_seconds
//   - eval_outcomes_total: sandbox runs by outcome
//
// Session ids are never used as labels. Client ids are only attached to tool
// metrics when METRICS_DETAILED_LABELS is set.
//
// # Tracing
//
// Spans are created for tool invocations (tool.<name>) and authorization
// server steps (oauth.<step>).
//
// # Configuration
//
// Instrumentation is configured from the environment (see Config):
//   - INSTRUMENTATION_ENABLED (default: true)
//   - METRICS_EXPORTER: prometheus, otlp, stdout (default: prometheus)
//   - TRACING_EXPORTER: otlp, stdout, none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_TRACES_SAMPLER_ARG, OTEL_SERVICE_NAME
//   - AUDIT_LOGGING_ENABLED, AUDIT_LOGGING_INCLUDE_ARGUMENTS
package instrumentation
