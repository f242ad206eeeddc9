package oauth

import "time"

// Flow and token lifetimes
const (
	// DefaultFlowTTL is how long a pending flow waits for the retriever callback (5 minutes)
	DefaultFlowTTL = 5 * time.Minute

	// DefaultAccessTokenTTL is the advertised expires_in (1 hour). Tokens are
	// not expired server-side; they live until revoked.
	DefaultAccessTokenTTL = 1 * time.Hour

	// DefaultClientSecretTTL is the lifetime of secrets issued to confidential clients (30 days)
	DefaultClientSecretTTL = 30 * 24 * time.Hour

	// DefaultCleanupInterval is how often expired flows are swept (1 minute)
	DefaultCleanupInterval = 1 * time.Minute

	// DefaultRateLimitCleanupInterval is how often to cleanup inactive rate limiters
	DefaultRateLimitCleanupInterval = 5 * time.Minute

	// InactiveLimiterCleanupWindow is the time after which inactive limiters are removed
	InactiveLimiterCleanupWindow = 10 * time.Minute
)

// OAuth client and security defaults
const (
	// DefaultMaxClientsPerIP is the default limit for client registrations per IP
	DefaultMaxClientsPerIP = 10

	// DefaultRateLimitRate is the default requests per second per IP
	DefaultRateLimitRate = 10

	// DefaultRateLimitBurst is the default burst size for rate limiting
	DefaultRateLimitBurst = 20

	// AuthMethodNone marks a public client
	AuthMethodNone = "none"

	// AuthMethodClientSecretPost marks a confidential client sending its secret in the form body
	AuthMethodClientSecretPost = "client_secret_post"

	// DefaultTokenEndpointAuthMethod is the default client authentication method
	DefaultTokenEndpointAuthMethod = AuthMethodClientSecretPost
)

// PKCE and token generation constants
const (
	// MinCodeVerifierLength is the minimum length for PKCE code_verifier (RFC 7636)
	MinCodeVerifierLength = 43

	// MaxCodeVerifierLength is the maximum length for PKCE code_verifier (RFC 7636)
	MaxCodeVerifierLength = 128

	// ClientIDTokenLength is the length of generated client IDs
	ClientIDTokenLength = 32

	// ClientSecretTokenLength is the length of generated client secrets
	ClientSecretTokenLength = 48

	// AccessTokenLength is the length of generated access tokens
	AccessTokenLength = 48

	// AuthorizationCodeLength is the length of generated authorization codes
	AuthorizationCodeLength = 32

	// FlowIDLength is the length of generated flow ids
	FlowIDLength = 32
)

// Cookie and endpoint names
const (
	// FlowCookieName carries the signed flow id between /authorize and the retriever callback
	FlowCookieName = "mcp_flow"

	PathAuthorizationServerMetadata = "/.well-known/oauth-authorization-server"
	PathProtectedResourceMetadata   = "/.well-known/oauth-protected-resource"
	PathAuthorize                   = "/authorize"
	PathRetrieverCallback           = "/ehr-retriever-callback"
	PathToken                       = "/token"
	PathRegister                    = "/register"
	PathRevoke                      = "/revoke"
)

// Redirect URI validation constants
var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}

	// LoopbackAddresses lists recognized loopback addresses for development
	LoopbackAddresses = []string{"localhost", "127.0.0.1", "::1", "[::1]"}
)

// OAuth grant types and response types
var (
	// DefaultGrantTypes are the grant types supported by default
	DefaultGrantTypes = []string{"authorization_code"}

	// DefaultResponseTypes are the response types supported by default
	DefaultResponseTypes = []string{"code"}

	// SupportedCodeChallengeMethods are the PKCE methods we support.
	// Only S256 is accepted; "plain" is rejected.
	SupportedCodeChallengeMethods = []string{"S256"}

	// SupportedTokenAuthMethods are the supported token endpoint auth methods
	SupportedTokenAuthMethods = []string{AuthMethodNone, AuthMethodClientSecretPost}
)
