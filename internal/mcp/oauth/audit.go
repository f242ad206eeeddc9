package oauth

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/health-record-mcp/internal/logging"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Token events
	AuditEventTokenIssued  AuditEventType = "token_issued"
	AuditEventTokenRevoked AuditEventType = "token_revoked"
	AuditEventAuthFailure  AuditEventType = "auth_failure"

	// Flow events
	AuditEventFlowStarted   AuditEventType = "flow_started"
	AuditEventFlowCompleted AuditEventType = "flow_completed"
	AuditEventFlowFailed    AuditEventType = "flow_failed"

	// Client registration events
	AuditEventClientRegistered AuditEventType = "client_registered"

	// Security events
	AuditEventRateLimitExceeded AuditEventType = "rate_limit_exceeded"
	AuditEventInvalidPKCE       AuditEventType = "invalid_pkce"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	// Timestamp when the event occurred
	Timestamp time.Time

	// EventType is the type of audit event
	EventType AuditEventType

	// ClientID is the client identifier
	ClientID string

	// SessionHash correlates the event with a session without exposing its id
	SessionHash string

	// IPAddress is the source IP address (for security monitoring)
	IPAddress string

	// Success indicates if the operation succeeded
	Success bool

	// ErrorMessage contains error details if Success is false
	ErrorMessage string

	// Metadata contains additional context-specific data
	Metadata map[string]string
}

// AuditLogger writes security audit records for OAuth events.
// A nil *AuditLogger discards everything.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger: logger,
	}
}

// LogEvent logs an audit event with structured logging
func (a *AuditLogger) LogEvent(event AuditEvent) {
	if a == nil {
		return
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("event_type", string(event.EventType)),
		slog.Time("timestamp", event.Timestamp),
		slog.Bool("success", event.Success),
	}

	if event.ClientID != "" {
		attrs = append(attrs, logging.ClientID(event.ClientID))
	}
	if event.SessionHash != "" {
		attrs = append(attrs, slog.String(logging.KeySessionHash, event.SessionHash))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error", event.ErrorMessage))
	}

	for key, value := range event.Metadata {
		attrs = append(attrs, slog.String("meta_"+key, value))
	}

	a.logger.LogAttrs(context.Background(), level, "audit_event", attrs...)
}

// LogTokenIssued logs when a code is exchanged for an access token
func (a *AuditLogger) LogTokenIssued(sessionID, clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		Timestamp:   time.Now(),
		EventType:   AuditEventTokenIssued,
		ClientID:    clientID,
		SessionHash: logging.HashID(sessionID),
		IPAddress:   ipAddress,
		Success:     true,
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *AuditLogger) LogTokenRevoked(sessionID, clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		Timestamp:   time.Now(),
		EventType:   AuditEventTokenRevoked,
		ClientID:    clientID,
		SessionHash: logging.HashID(sessionID),
		IPAddress:   ipAddress,
		Success:     true,
	})
}

// LogAuthFailure logs a client authentication or grant failure
func (a *AuditLogger) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(AuditEvent{
		Timestamp:    time.Now(),
		EventType:    AuditEventAuthFailure,
		ClientID:     clientID,
		IPAddress:    ipAddress,
		Success:      false,
		ErrorMessage: reason,
	})
}

// LogFlowStarted logs a new authorization flow
func (a *AuditLogger) LogFlowStarted(clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		Timestamp: time.Now(),
		EventType: AuditEventFlowStarted,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Success:   true,
	})
}

// LogFlowCompleted logs a retriever callback that produced a session
func (a *AuditLogger) LogFlowCompleted(sessionID, clientID, ipAddress string, resources int) {
	a.LogEvent(AuditEvent{
		Timestamp:   time.Now(),
		EventType:   AuditEventFlowCompleted,
		ClientID:    clientID,
		SessionHash: logging.HashID(sessionID),
		IPAddress:   ipAddress,
		Success:     true,
		Metadata: map[string]string{
			"resources": itoa(resources),
		},
	})
}

// LogFlowFailed logs a rejected authorization or callback request
func (a *AuditLogger) LogFlowFailed(clientID, ipAddress, code string) {
	a.LogEvent(AuditEvent{
		Timestamp:    time.Now(),
		EventType:    AuditEventFlowFailed,
		ClientID:     clientID,
		IPAddress:    ipAddress,
		Success:      false,
		ErrorMessage: code,
	})
}

// LogRateLimitExceeded logs when rate limit is exceeded
func (a *AuditLogger) LogRateLimitExceeded(ipAddress, path string) {
	a.LogEvent(AuditEvent{
		Timestamp:    time.Now(),
		EventType:    AuditEventRateLimitExceeded,
		IPAddress:    ipAddress,
		Success:      false,
		ErrorMessage: "Rate limit exceeded",
		Metadata: map[string]string{
			"path": path,
		},
	})
}

// LogInvalidPKCE logs when PKCE validation fails
func (a *AuditLogger) LogInvalidPKCE(clientID, ipAddress, reason string) {
	a.LogEvent(AuditEvent{
		Timestamp:    time.Now(),
		EventType:    AuditEventInvalidPKCE,
		ClientID:     clientID,
		IPAddress:    ipAddress,
		Success:      false,
		ErrorMessage: reason,
	})
}

// LogClientRegistered logs when a new client is registered
func (a *AuditLogger) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(AuditEvent{
		Timestamp: time.Now(),
		EventType: AuditEventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Success:   true,
		Metadata: map[string]string{
			"client_type": clientType,
		},
	})
}
