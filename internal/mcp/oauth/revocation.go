package oauth

import (
	"net/http"
)

// ServeTokenRevocation handles token revocation requests (RFC 7009)
// POST /revoke
//
// The response is 200 OK whatever happened: unknown tokens, tokens owned by
// another client and failed client authentication are indistinguishable from
// a successful revocation, so the endpoint cannot be used to probe tokens.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := getClientIP(r, h.config.RateLimit.TrustProxy)
	if err := r.ParseForm(); err != nil {
		h.logger.Debug("Invalid revocation request body", "error", err, "ip", clientIP)
	} else {
		h.issuer.Revoke(r.Context(), RevokeRequest{
			ClientID:     r.PostForm.Get("client_id"),
			ClientSecret: r.PostForm.Get("client_secret"),
			Token:        r.PostForm.Get("token"),
			IPAddress:    clientIP,
		})
	}

	h.setSecurityHeaders(w)
	w.WriteHeader(http.StatusOK)
}
