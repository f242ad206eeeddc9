package oauth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// Handler implements the OAuth 2.1 endpoints for the MCP server.
// It is the authorization server that brokers the record retrieval and the
// resource server that validates the tokens it issued.
type Handler struct {
	config      *Config
	clientStore *ClientStore
	flowStore   *FlowStore
	cookies     *CookieSigner
	policy      ClientPolicy
	broker      *Broker
	issuer      *Issuer
	rateLimiter *RateLimiter // Optional IP-based rate limiter for protecting endpoints
	audit       *AuditLogger // nil when audit logging is disabled
	logger      *slog.Logger
}

// NewHandler creates a new OAuth handler backed by sessions
func NewHandler(config *Config, sessions SessionStore) (*Handler, error) {
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}

	// Allow HTTP only for loopback addresses (development)
	parsedURL, err := url.Parse(config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}
	if parsedURL.Scheme != "https" && !isLoopback(parsedURL.Hostname()) {
		return nil, fmt.Errorf("issuer must use HTTPS in production (got %s://)", parsedURL.Scheme)
	}

	config.applyDefaults()
	logger := config.Logger

	clientStore := NewClientStore(logger)
	policy, err := NewClientPolicy(config.ClientPolicy, clientStore)
	if err != nil {
		return nil, err
	}
	if policy.Name() == PolicyPermissive {
		logger.Warn("⚠️  SECURITY WARNING: Permissive client policy is ENABLED",
			"recommendation", "Use the strict client policy outside local development")
	}
	if config.Security.RegistrationAccessToken == "" {
		logger.Warn("⚠️  Unauthenticated client registration is enabled",
			"recommendation", "Set a registration access token for production")
	}

	cookies, err := NewCookieSigner(config.CookieSecret, isSecureURL(config.Issuer))
	if err != nil {
		return nil, err
	}

	var audit *AuditLogger
	if config.Security.EnableAuditLogging {
		audit = NewAuditLogger(logger)
	}

	// Create IP-based rate limiter if configured
	var rateLimiter *RateLimiter
	if config.RateLimit.Rate > 0 {
		burst := config.RateLimit.Burst
		if burst == 0 {
			burst = config.RateLimit.Rate * 2 // Default burst is 2x rate
		}
		cleanupInterval := config.RateLimit.CleanupInterval
		if cleanupInterval == 0 {
			cleanupInterval = DefaultRateLimitCleanupInterval
		}
		rateLimiter = NewRateLimiter(config.RateLimit.Rate, burst, config.RateLimit.TrustProxy, cleanupInterval, logger)
		logger.Info("IP-based rate limiting enabled",
			"rate", config.RateLimit.Rate,
			"burst", burst)
	}

	flowStore := NewFlowStore(config.CleanupInterval, logger)

	broker := NewBroker(BrokerConfig{
		Policy:       policy,
		Flows:        flowStore,
		Cookies:      cookies,
		Sessions:     sessions,
		RetrieverURL: config.RetrieverURL,
		FlowTTL:      config.FlowTTL,
		Metrics:      config.Metrics,
		Audit:        audit,
		Logger:       logger,
	})

	issuer := NewIssuer(IssuerConfig{
		Issuer:   config.Issuer,
		Policy:   policy,
		Clients:  clientStore,
		Sessions: sessions,
		TokenTTL: config.TokenTTL,
		Security: config.Security,
		Metrics:  config.Metrics,
		Audit:    audit,
		Logger:   logger,
	})

	return &Handler{
		config:      config,
		clientStore: clientStore,
		flowStore:   flowStore,
		cookies:     cookies,
		policy:      policy,
		broker:      broker,
		issuer:      issuer,
		rateLimiter: rateLimiter,
		audit:       audit,
		logger:      logger,
	}, nil
}

// Issuer returns the token issuer
func (h *Handler) Issuer() *Issuer {
	return h.issuer
}

// Broker returns the authorization flow broker
func (h *Handler) Broker() *Broker {
	return h.broker
}

// Clients returns the registered client store
func (h *Handler) Clients() *ClientStore {
	return h.clientStore
}

// Config returns the OAuth configuration
func (h *Handler) Config() *Config {
	return h.config
}

// Stop halts the background cleanup goroutines
func (h *Handler) Stop() {
	h.flowStore.Stop()
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// ServeProtectedResourceMetadata serves the OAuth 2.0 Protected Resource Metadata (RFC 9728).
// MCP clients follow the WWW-Authenticate hint on a 401 to this document and
// from there discover the authorization server.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metadata := ProtectedResourceMetadata{
		Resource:               h.config.Issuer,
		AuthorizationServers:   []string{h.config.Issuer},
		BearerMethodsSupported: []string{"header"},
	}
	h.writeJSON(w, http.StatusOK, metadata)
}

// setSecurityHeaders sets security headers on HTTP responses
func (h *Handler) setSecurityHeaders(w http.ResponseWriter) {
	// Prevent clickjacking attacks
	w.Header().Set("X-Frame-Options", "DENY")

	// Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Enable XSS protection in browsers
	w.Header().Set("X-XSS-Protection", "1; mode=block")

	// Content Security Policy - restrict resource loading
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	// Referrer policy - don't leak referrer information
	w.Header().Set("Referrer-Policy", "no-referrer")

	// Only set HSTS when served over HTTPS
	if isSecureURL(h.config.Issuer) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// writeJSON writes v with the security headers applied
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	h.setSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError is a helper to write OAuth error responses
func (h *Handler) writeError(w http.ResponseWriter, oe *OAuthError) {
	h.logger.Debug("OAuth error", "code", oe.Code, "description", oe.Description, "status", oe.Status)
	h.writeJSON(w, oe.Status, ErrorResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	})
}
