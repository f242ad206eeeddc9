package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/teemow/health-record-mcp/internal/logging"
	"github.com/teemow/health-record-mcp/internal/session"
)

// contextKey is the type for context keys
type contextKey string

const (
	// tokenContextKey is the key for the verified bearer token
	tokenContextKey contextKey = "access_token"

	// sessionContextKey is the key for the session behind the token
	sessionContextKey contextKey = "session"
)

// RequireBearer is middleware that admits only requests carrying a live access
// token. The token and its session are stored in the request context.
func (h *Handler) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			h.writeUnauthorized(w, ErrInvalidToken("Missing or malformed Authorization header"))
			return
		}

		s, err := h.issuer.Verify(token)
		if err != nil {
			h.logger.Debug("Bearer token rejected", "token", logging.SanitizeToken(token), "path", r.URL.Path)
			h.writeUnauthorized(w, AsOAuthError(err))
			return
		}

		ctx := ContextWithToken(r.Context(), token)
		ctx = context.WithValue(ctx, sessionContextKey, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ContextWithToken returns ctx carrying a verified access token
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// TokenFromContext retrieves the verified access token from the request context
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenContextKey).(string)
	return token, ok && token != ""
}

// SessionFromContext retrieves the session resolved by RequireBearer
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(sessionContextKey).(*session.Session)
	return s, ok
}

// writeUnauthorized writes a 401 pointing the client at the resource metadata
func (h *Handler) writeUnauthorized(w http.ResponseWriter, oe *OAuthError) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer realm=%q, resource_metadata=%q, error=%q, error_description=%q`,
		h.config.Issuer,
		h.config.Issuer+PathProtectedResourceMetadata,
		oe.Code,
		oe.Description,
	))
	h.writeError(w, oe)
}

// bearerToken extracts the token from an "Authorization: Bearer" header
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
