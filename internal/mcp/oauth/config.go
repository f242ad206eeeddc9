package oauth

import (
	"log/slog"
	"time"

	"github.com/teemow/health-record-mcp/internal/instrumentation"
)

// Config holds the OAuth handler configuration
type Config struct {
	// Issuer is the public base URL of this server. Endpoint URLs in the
	// discovery document are derived from it.
	Issuer string

	// RetrieverURL is where /authorize sends the browser to fetch the record
	RetrieverURL string

	// ClientPolicy selects how clients and redirect URIs are checked
	// ("strict" or "permissive")
	// Default: strict
	ClientPolicy string

	// FlowTTL bounds how long a pending flow waits for the retriever
	// Default: 5 minutes
	FlowTTL time.Duration

	// TokenTTL is the advertised expires_in of issued tokens
	// Default: 1 hour
	TokenTTL time.Duration

	// CookieSecret signs the flow cookie. A random secret is generated when empty,
	// which invalidates pending flows on restart.
	CookieSecret []byte

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings
	Security SecurityConfig

	// CleanupInterval is how often expired flows are swept
	// Default: 1 minute
	CleanupInterval time.Duration

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Metrics records flow, exchange and registration outcomes (optional)
	Metrics *instrumentation.Metrics
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is the number of requests per second allowed per IP (0 = no limit)
	Rate int

	// Burst is the maximum burst size allowed per IP
	Burst int

	// CleanupInterval is how often to cleanup inactive rate limiters
	// Default: 5 minutes
	CleanupInterval time.Duration

	// TrustProxy indicates whether to trust X-Forwarded-For and X-Real-IP headers
	// Only set to true if the server is behind a trusted proxy
	TrustProxy bool
}

// SecurityConfig holds OAuth security settings
type SecurityConfig struct {
	// RegistrationAccessToken, when set, must be presented as a Bearer token to /register
	RegistrationAccessToken string

	// MaxClientsPerIP limits the number of clients that can be registered per IP
	// 0 = no limit
	// Default: 10
	MaxClientsPerIP int

	// AllowCustomRedirectSchemes allows non-http/https redirect URIs (e.g., myapp://)
	// Default: true (for native app support)
	AllowCustomRedirectSchemes bool

	// AllowedCustomSchemes is a list of allowed custom scheme patterns (regex)
	// Default: ["^[a-z][a-z0-9+.-]*$"] (RFC 3986 compliant schemes)
	AllowedCustomSchemes []string

	// EnableAuditLogging enables security audit logging of token and client events
	EnableAuditLogging bool
}

func (c *Config) applyDefaults() {
	if c.FlowTTL <= 0 {
		c.FlowTTL = DefaultFlowTTL
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultAccessTokenTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.Security.MaxClientsPerIP == 0 {
		c.Security.MaxClientsPerIP = DefaultMaxClientsPerIP
	}
	if c.Security.AllowedCustomSchemes == nil {
		c.Security.AllowCustomRedirectSchemes = true
		c.Security.AllowedCustomSchemes = DefaultRFC3986SchemePattern
	}
	if c.RetrieverURL == "" {
		c.RetrieverURL = c.Issuer + "/ehretriever.html"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
