package oauth

import "time"

// AuthorizationServerMetadata is the RFC 8414 discovery document
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// ClientRegistrationRequest is the RFC 7591 registration body
type ClientRegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// ClientRegistrationResponse is the full client record returned once at registration.
// ClientSecret is only ever present in this response.
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegisteredClient is a stored client. Only the bcrypt hash of the secret is kept.
type RegisteredClient struct {
	ClientID                string
	ClientSecretHash        string
	ClientIDIssuedAt        int64
	ClientSecretExpiresAt   int64 // unix seconds, 0 = no secret or never expires
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scope                   string

	// Ephemeral marks a client synthesized by the permissive policy.
	Ephemeral bool
}

// IsPublic reports whether the client authenticates without a secret.
func (c *RegisteredClient) IsPublic() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

// FlowState is one pending delegation between /authorize and the retriever callback
type FlowState struct {
	ID            string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	State         string
	Scope         string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the flow is past its TTL at now.
func (f *FlowState) Expired(now time.Time) bool {
	return now.After(f.ExpiresAt)
}

// TokenResponse is the /token success body
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// CallbackResponse is the body returned to the retriever after it posts a record
type CallbackResponse struct {
	Success          bool   `json:"success"`
	RedirectTo       string `json:"redirectTo,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ProtectedResourceMetadata is the RFC 9728 resource document
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
}
