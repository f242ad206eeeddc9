// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/teemow/health-record-mcp/internal/logging"
)

// Client policies.
const (
	PolicyStrict     = "strict"
	PolicyPermissive = "permissive"
)

// Session backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	BaseURL      string `env:"MCP_BASE_URL"`
	HTTPAddr     string `env:"MCP_HTTP_ADDR" envDefault:":8080"`
	RetrieverURL string `env:"EHR_RETRIEVER_URL"`

	OAuth     OAuthConfig         `envPrefix:"OAUTH_"`
	RateLimit RateLimitConfig     `envPrefix:"RATE_LIMIT_"`
	Session   SessionConfig       `envPrefix:"SESSION_"`
	Archive   ArchiveConfig       `envPrefix:"ARCHIVE_"`
	Tools     ToolsConfig         `envPrefix:"TOOLS_"`
	Logging   logging.Config      `envPrefix:"LOG_"`
	Metrics   MetricsServerConfig `envPrefix:"METRICS_"`
}

// OAuthConfig controls the authorization server.
type OAuthConfig struct {
	ClientPolicy string        `env:"CLIENT_POLICY" envDefault:"strict"`
	FlowTTL      time.Duration `env:"FLOW_TTL" envDefault:"5m"`
	// TokenTTL is reported as expires_in. Sessions are not expired by it.
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"1h"`
	// CookieSecret signs the flow cookie. A random secret is generated when empty,
	// which invalidates in-flight flows on restart.
	CookieSecret      string `env:"COOKIE_SECRET"`
	RegistrationToken string `env:"REGISTRATION_TOKEN"`
	MaxClientsPerIP   int    `env:"MAX_CLIENTS_PER_IP" envDefault:"10"`
}

// RateLimitConfig controls the per-IP limiter on OAuth endpoints.
type RateLimitConfig struct {
	RPS        int  `env:"RPS" envDefault:"10"`
	Burst      int  `env:"BURST" envDefault:"20"`
	TrustProxy bool `env:"TRUST_PROXY"`
}

// SessionConfig controls the session store and its relational projection.
type SessionConfig struct {
	Backend     string `env:"BACKEND" envDefault:"sqlite"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	// IdleTimeout revokes sessions unused for this long. Zero keeps sessions
	// until explicit revocation.
	IdleTimeout   time.Duration `env:"IDLE_TIMEOUT" envDefault:"0"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

// ArchiveConfig controls the optional record snapshot archive.
type ArchiveConfig struct {
	Endpoint      string `env:"ENDPOINT"`
	Bucket        string `env:"BUCKET" envDefault:"ehr-snapshots"`
	AccessKey     string `env:"ACCESS_KEY"`
	SecretKey     string `env:"SECRET_KEY"`
	UseSSL        bool   `env:"USE_SSL" envDefault:"true"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`
	Retain        bool   `env:"RETAIN"`
}

// Enabled reports whether an archive endpoint is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != ""
}

// Tool limits, mirrored by the envDefault tags below.
const (
	DefaultEvalTimeout      = 5 * time.Second
	DefaultQueryTimeout     = 30 * time.Second
	DefaultQueryMaxRows     = 500
	DefaultMaxResponseBytes = 1 << 20
)

// ToolsConfig bounds the tool handlers.
type ToolsConfig struct {
	EvalTimeout      time.Duration `env:"EVAL_TIMEOUT" envDefault:"5s"`
	QueryTimeout     time.Duration `env:"QUERY_TIMEOUT" envDefault:"30s"`
	QueryMaxRows     int           `env:"QUERY_MAX_ROWS" envDefault:"500"`
	MaxResponseBytes int           `env:"MAX_RESPONSE_BYTES" envDefault:"1048576"`
}

// MetricsServerConfig controls the dedicated metrics listener.
type MetricsServerConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"true"`
	Addr    string `env:"ADDR" envDefault:":9090"`
}

// Load reads an optional .env file and parses the environment into a Config.
// Variables already present in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults derives values that depend on other settings.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		host := c.HTTPAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		c.BaseURL = "http://" + host
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.RetrieverURL == "" {
		c.RetrieverURL = c.BaseURL + "/ehretriever.html"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid base URL %q", c.BaseURL)
	}
	if u.Scheme != "https" {
		if u.Scheme != "http" || !isLoopbackHost(u.Hostname()) {
			return fmt.Errorf("base URL must use https unless it points at loopback, got %q", c.BaseURL)
		}
	}
	if _, err := url.Parse(c.RetrieverURL); err != nil {
		return fmt.Errorf("invalid retriever URL %q: %w", c.RetrieverURL, err)
	}

	switch c.OAuth.ClientPolicy {
	case PolicyStrict, PolicyPermissive:
	default:
		return fmt.Errorf("invalid client policy %q, must be one of: strict, permissive", c.OAuth.ClientPolicy)
	}
	if c.OAuth.FlowTTL <= 0 {
		return fmt.Errorf("flow TTL must be positive")
	}
	if c.OAuth.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}

	switch c.Session.Backend {
	case BackendSQLite:
	case BackendPostgres:
		if c.Session.PostgresDSN == "" {
			return fmt.Errorf("SESSION_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid session backend %q, must be one of: sqlite, postgres", c.Session.Backend)
	}
	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("session idle timeout must not be negative")
	}
	if c.Session.IdleTimeout > 0 && c.Session.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive when idle timeout is set")
	}

	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit rps and burst must be positive")
	}

	if c.Tools.EvalTimeout <= 0 {
		return fmt.Errorf("eval timeout must be positive")
	}
	if c.Tools.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive")
	}
	if c.Tools.QueryMaxRows <= 0 {
		return fmt.Errorf("query max rows must be positive")
	}
	if c.Tools.MaxResponseBytes <= 0 {
		return fmt.Errorf("max response bytes must be positive")
	}

	if c.Archive.Enabled() && (c.Archive.AccessKey == "" || c.Archive.SecretKey == "") {
		return fmt.Errorf("archive credentials are required when ARCHIVE_ENDPOINT is set")
	}

	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
