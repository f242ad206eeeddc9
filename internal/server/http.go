package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/health-record-mcp/internal/mcp/oauth"
)

// MCP transport endpoints.
const (
	PathSSE      = "/mcp-sse"
	PathMessages = "/mcp-messages"
)

const (
	// DefaultReadHeaderTimeout bounds how long a client may take to send headers.
	DefaultReadHeaderTimeout = 10 * time.Second

	// DefaultIdleTimeout closes idle keep-alive connections.
	DefaultIdleTimeout = 120 * time.Second
)

// HTTPConfig configures the public HTTP listener.
type HTTPConfig struct {
	// Addr is the listen address (e.g., ":8080").
	Addr string

	// BaseURL is the public URL clients reach the server at. The SSE endpoint
	// event advertises message URLs under it.
	BaseURL string
}

// HTTPServer serves the OAuth endpoints, the MCP SSE transport and the health
// probes on one listener.
type HTTPServer struct {
	sc         *ServerContext
	oauth      *oauth.Handler
	sse        *mcpserver.SSEServer
	health     *HealthChecker
	handler    http.Handler
	httpServer *http.Server
	addr       string

	// streamCtx parents every SSE request so Shutdown can end them all.
	streamCtx     context.Context
	cancelStreams context.CancelFunc
}

// NewHTTPServer builds the HTTP surface around an MCP server created by
// NewMCPServer and the OAuth handler whose tokens it accepts.
func NewHTTPServer(sc *ServerContext, mcpServer *mcpserver.MCPServer, oauthHandler *oauth.Handler, cfg HTTPConfig) *HTTPServer {
	streamCtx, cancel := context.WithCancel(context.Background())
	s := &HTTPServer{
		sc:    sc,
		oauth: oauthHandler,
		sse: mcpserver.NewSSEServer(mcpServer,
			mcpserver.WithBaseURL(cfg.BaseURL),
			mcpserver.WithSSEEndpoint(PathSSE),
			mcpserver.WithMessageEndpoint(PathMessages),
		),
		health:        NewHealthChecker(sc),
		addr:          cfg.Addr,
		streamCtx:     streamCtx,
		cancelStreams: cancel,
	}
	s.handler = s.routes()
	return s
}

func (s *HTTPServer) routes() http.Handler {
	mux := http.NewServeMux()
	limit := s.oauth.RateLimitMiddleware

	// OAuth 2.1 authorization server and protected resource
	mux.Handle(oauth.PathAuthorizationServerMetadata, s.instrument(oauth.PathAuthorizationServerMetadata,
		limit(http.HandlerFunc(s.oauth.ServeAuthorizationServerMetadata))))
	mux.Handle(oauth.PathProtectedResourceMetadata, s.instrument(oauth.PathProtectedResourceMetadata,
		limit(http.HandlerFunc(s.oauth.ServeProtectedResourceMetadata))))
	mux.Handle(oauth.PathAuthorize, s.instrument(oauth.PathAuthorize,
		limit(http.HandlerFunc(s.oauth.ServeAuthorization))))
	mux.Handle(oauth.PathRetrieverCallback, s.instrument(oauth.PathRetrieverCallback,
		limit(http.HandlerFunc(s.oauth.ServeRetrieverCallback))))
	mux.Handle(oauth.PathToken, s.instrument(oauth.PathToken,
		limit(http.HandlerFunc(s.oauth.ServeToken))))
	mux.Handle(oauth.PathRegister, s.instrument(oauth.PathRegister,
		limit(http.HandlerFunc(s.oauth.ServeDynamicClientRegistration))))
	mux.Handle(oauth.PathRevoke, s.instrument(oauth.PathRevoke,
		limit(http.HandlerFunc(s.oauth.ServeTokenRevocation))))

	// MCP over SSE
	mux.Handle(PathSSE, s.instrument(PathSSE, s.oauth.RequireBearer(s.serveStream())))
	mux.Handle(PathMessages, s.instrument(PathMessages, s.requireTransport(s.sse)))

	s.health.RegisterHealthEndpoints(mux)
	return mux
}

// serveStream runs the SSE handler under a context that ends when either the
// client disconnects, the transport is detached or the server shuts down.
func (s *HTTPServer) serveStream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(s.streamCtx, cancel)
		defer stop()

		s.sse.ServeHTTP(w, r.WithContext(withStreamCancel(ctx, cancel)))
	})
}

// requireTransport rejects messages for transport ids the binder does not know.
func (s *HTTPServer) requireTransport(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.sc.Binder().Has(r.URL.Query().Get("sessionId")) {
			http.Error(w, "no such session or transport disconnected", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records the request count and latency under the route pattern.
func (s *HTTPServer) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.sc.Metrics().RecordHTTPRequest(r.Context(), r.Method, route, rec.status, time.Since(start))
	})
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Health returns the health checker behind the probe endpoints.
func (s *HTTPServer) Health() *HealthChecker {
	return s.health
}

// Addr returns the configured listen address.
func (s *HTTPServer) Addr() string {
	return s.addr
}

// Start listens on the configured address and blocks until Shutdown.
// It returns nil after a clean shutdown.
func (s *HTTPServer) Start() error {
	// No write timeout: SSE responses stay open for the life of the transport.
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}

	s.sc.Logger().Info("starting HTTP server", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown marks the server not ready, ends open SSE streams and waits for
// in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)
	s.cancelStreams()
	defer s.oauth.Stop()

	if s.httpServer == nil {
		return nil
	}
	s.sc.Logger().Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder captures the response status. It forwards Flush so SSE
// streaming keeps working through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
