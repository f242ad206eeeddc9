package oauth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const (
	// maxRecordBytes bounds the retriever callback body
	maxRecordBytes = 256 << 20

	// maxRegistrationBytes bounds the registration request body
	maxRegistrationBytes = 64 << 10
)

// ServeAuthorizationServerMetadata serves the OAuth 2.0 Authorization Server Metadata (RFC 8414)
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                            h.config.Issuer,
		AuthorizationEndpoint:             h.config.Issuer + PathAuthorize,
		TokenEndpoint:                     h.config.Issuer + PathToken,
		RegistrationEndpoint:              h.config.Issuer + PathRegister,
		RevocationEndpoint:                h.config.Issuer + PathRevoke,
		ResponseTypesSupported:            DefaultResponseTypes,
		GrantTypesSupported:               DefaultGrantTypes,
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     SupportedCodeChallengeMethods,
	}
	h.writeJSON(w, http.StatusOK, metadata)
}

// ServeAuthorization starts a flow and hands the browser to the record retriever.
// GET /authorize
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	start, err := h.broker.BeginFlow(r.Context(), AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		IPAddress:           getClientIP(r, h.config.RateLimit.TrustProxy),
	})
	if err != nil {
		h.cookies.ClearCookie(w)
		var ae *AuthorizeError
		if errors.As(err, &ae) {
			if location, ok := ae.Location(); ok {
				http.Redirect(w, r, location, http.StatusFound)
				return
			}
			h.writeError(w, ae.Err)
			return
		}
		h.writeError(w, AsOAuthError(err))
		return
	}

	h.cookies.SetCookie(w, start.Cookie, h.broker.FlowTTL())
	http.Redirect(w, r, start.RedirectTo, http.StatusFound)
}

// ServeRetrieverCallback receives the retrieved record for the flow named by
// the flow cookie. The cookie is cleared whatever the outcome.
// POST /ehr-retriever-callback
func (h *Handler) ServeRetrieverCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.cookies.ClearCookie(w)

	var cookie string
	if c, err := r.Cookie(FlowCookieName); err == nil {
		cookie = c.Value
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRecordBytes))
	if err != nil {
		h.writeCallbackError(w, ErrInvalidRequest("Failed to read record body"))
		return
	}

	delivery, err := h.broker.CompleteFlow(r.Context(), cookie, payload, getClientIP(r, h.config.RateLimit.TrustProxy))
	if err != nil {
		h.writeCallbackError(w, AsOAuthError(err))
		return
	}

	h.writeJSON(w, http.StatusOK, CallbackResponse{
		Success:    true,
		RedirectTo: delivery.RedirectTo,
	})
}

func (h *Handler) writeCallbackError(w http.ResponseWriter, oe *OAuthError) {
	h.writeJSON(w, oe.Status, CallbackResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	})
}

// ServeToken handles the token endpoint. Only authorization_code is supported.
// POST /token
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Token responses must never be cached (RFC 6749 Section 5.1)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	resp, err := h.issuer.Exchange(r.Context(), TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		Code:         r.PostForm.Get("code"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		IPAddress:    getClientIP(r, h.config.RateLimit.TrustProxy),
	})
	if err != nil {
		h.writeError(w, AsOAuthError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeDynamicClientRegistration handles Dynamic Client Registration (RFC 7591)
// POST /register
func (h *Handler) ServeDynamicClientRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientIP := getClientIP(r, h.config.RateLimit.TrustProxy)

	if expected := h.config.Security.RegistrationAccessToken; expected != "" {
		provided, ok := bearerToken(r)
		if !ok {
			h.logger.Warn("Client registration rejected: missing authorization", "client_ip", clientIP)
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.writeError(w, ErrInvalidToken("Registration access token required"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			h.logger.Warn("Client registration rejected: invalid registration token", "client_ip", clientIP)
			h.audit.LogAuthFailure("", clientIP, "invalid registration access token")
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			h.writeError(w, ErrInvalidToken("Invalid registration access token"))
			return
		}
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBytes)).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse registration request"))
		return
	}

	resp, err := h.issuer.Register(r.Context(), &req, clientIP)
	if err != nil {
		h.writeError(w, AsOAuthError(err))
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// validateRedirectURI performs security validation on a registered redirect URI
func validateRedirectURI(uri string, serverResource string, allowCustomSchemes bool, allowedSchemes []string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %s", uri)
	}

	// Reject fragments (OAuth 2.0 Security BCP Section 4.1.3)
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments: %s", uri)
	}

	if parsed.Scheme == "" {
		return fmt.Errorf("redirect_uri must have a scheme: %s", uri)
	}

	// Custom schemes for native apps (com.example.app:// or myapp://callback)
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		if !allowCustomSchemes {
			return fmt.Errorf("custom redirect_uri schemes not allowed (only http/https permitted)")
		}

		schemeLower := strings.ToLower(parsed.Scheme)
		for _, dangerous := range DangerousSchemes {
			if schemeLower == dangerous {
				return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", parsed.Scheme)
			}
		}

		if len(allowedSchemes) > 0 {
			schemeValid := false
			for _, pattern := range allowedSchemes {
				matched, matchErr := regexp.MatchString(pattern, schemeLower)
				if matchErr != nil {
					return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, matchErr)
				}
				if matched {
					schemeValid = true
					break
				}
			}
			if !schemeValid {
				return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns (must match one of: %v)",
					parsed.Scheme, allowedSchemes)
			}
		}
		return nil
	}

	if parsed.Host == "" {
		return fmt.Errorf("http/https redirect_uri must have a host: %s", uri)
	}

	serverURL, err := url.Parse(serverResource)
	if err != nil {
		return fmt.Errorf("cannot validate redirect_uri: invalid server resource")
	}

	// Loopback redirects are always allowed, they cannot be intercepted remotely
	isProduction := !isLoopback(serverURL.Hostname())
	if isProduction && !isLoopback(parsed.Hostname()) && parsed.Scheme != "https" {
		return fmt.Errorf("redirect_uri must use HTTPS in production (non-localhost redirects): %s", uri)
	}

	return nil
}
