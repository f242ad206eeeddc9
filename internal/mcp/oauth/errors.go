package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// AsOAuthError unwraps err into an *OAuthError, mapping anything else to server_error.
func AsOAuthError(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}
	return ErrServerError("internal error")
}

// OAuth error codes
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeInvalidToken            = "invalid_token"
	CodeInsufficientScope       = "insufficient_scope"
	CodeServerError             = "server_error"
	CodeInvalidSession          = "invalid_session"
	CodeExpiredSession          = "expired_session"
	CodeRateLimitExceeded       = "rate_limit_exceeded"
)

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(CodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code is unknown, consumed, or fails PKCE
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(CodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(CodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is unknown or revoked
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(CodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInsufficientScope indicates the token does not grant the requested access
	ErrInsufficientScope = func(desc string) *OAuthError {
		return NewOAuthError(CodeInsufficientScope, desc, http.StatusForbidden)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(CodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates a response_type other than "code"
	ErrUnsupportedResponseType = func(desc string) *OAuthError {
		return NewOAuthError(CodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(CodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrInvalidSession indicates the flow cookie is missing, forged, or already consumed
	ErrInvalidSession = func(desc string) *OAuthError {
		return NewOAuthError(CodeInvalidSession, desc, http.StatusBadRequest)
	}

	// ErrExpiredSession indicates the flow outlived its TTL before the retriever called back
	ErrExpiredSession = func(desc string) *OAuthError {
		return NewOAuthError(CodeExpiredSession, desc, http.StatusBadRequest)
	}
)
