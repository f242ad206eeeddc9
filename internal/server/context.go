package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/teemow/health-record-mcp/internal/config"
	"github.com/teemow/health-record-mcp/internal/instrumentation"
	"github.com/teemow/health-record-mcp/internal/session"
	"github.com/teemow/health-record-mcp/internal/transport"
)

// ServerContext holds the collaborators shared by the MCP server, its HTTP
// surface and the tool handlers.
type ServerContext struct {
	ctx         context.Context
	cancel      context.CancelFunc
	sessions    *session.Store
	binder      *transport.Binder
	tools       config.ToolsConfig
	metrics     *instrumentation.Metrics
	auditLogger *instrumentation.AuditLogger
	logger      *slog.Logger
	mu          sync.RWMutex
	shutdown    bool
}

// Option configures a ServerContext.
type Option func(*ServerContext)

// WithMetrics sets the metrics recorder used by tools and HTTP middleware.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(sc *ServerContext) { sc.metrics = m }
}

// WithAuditLogger sets the tool invocation audit logger.
func WithAuditLogger(al *instrumentation.AuditLogger) Option {
	return func(sc *ServerContext) { sc.auditLogger = al }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(sc *ServerContext) { sc.logger = l }
}

// WithToolsConfig overrides the tool limits.
func WithToolsConfig(tc config.ToolsConfig) Option {
	return func(sc *ServerContext) { sc.tools = tc }
}

// DefaultToolsConfig returns the tool limits used when none are configured.
func DefaultToolsConfig() config.ToolsConfig {
	return config.ToolsConfig{
		EvalTimeout:      config.DefaultEvalTimeout,
		QueryTimeout:     config.DefaultQueryTimeout,
		QueryMaxRows:     config.DefaultQueryMaxRows,
		MaxResponseBytes: config.DefaultMaxResponseBytes,
	}
}

// NewServerContext creates a new server context
func NewServerContext(ctx context.Context, sessions *session.Store, binder *transport.Binder, opts ...Option) *ServerContext {
	shutdownCtx, cancel := context.WithCancel(ctx)
	sc := &ServerContext{
		ctx:      shutdownCtx,
		cancel:   cancel,
		sessions: sessions,
		binder:   binder,
		tools:    DefaultToolsConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// Context returns the server context
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Sessions returns the session store.
func (sc *ServerContext) Sessions() *session.Store {
	return sc.sessions
}

// Binder returns the transport binder.
func (sc *ServerContext) Binder() *transport.Binder {
	return sc.binder
}

// Tools returns the tool limits.
func (sc *ServerContext) Tools() config.ToolsConfig {
	return sc.tools
}

// Metrics returns the metrics recorder, which may be nil.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	return sc.metrics
}

// AuditLogger returns the audit logger, which may be nil.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger {
	return sc.auditLogger
}

// Logger returns the logger
func (sc *ServerContext) Logger() *slog.Logger {
	return sc.logger
}

// IsShutdown returns whether the server has been shutdown
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown cancels the server context and closes every open session.
func (sc *ServerContext) Shutdown(ctx context.Context) error {
	sc.mu.Lock()
	if sc.shutdown {
		sc.mu.Unlock()
		return nil
	}
	sc.shutdown = true
	sc.mu.Unlock()

	sc.cancel()
	if sc.sessions == nil {
		return nil
	}
	return sc.sessions.Shutdown(ctx)
}
