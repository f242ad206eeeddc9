package oauth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// flowCookieClaims are carried in the signed flow cookie
type flowCookieClaims struct {
	jwt.RegisteredClaims
}

// CookieSigner signs and verifies the flow cookie with HS256.
type CookieSigner struct {
	secret []byte
	secure bool
}

// NewCookieSigner creates a signer. An empty secret is replaced with a random one.
func NewCookieSigner(secret []byte, secure bool) (*CookieSigner, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate cookie secret: %w", err)
		}
	}
	return &CookieSigner{secret: secret, secure: secure}, nil
}

// Sign returns a token binding flowID until expiresAt.
func (c *CookieSigner) Sign(flowID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := flowCookieClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        flowID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign flow cookie: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and returns the flow id. Expiry is left to the
// flow store so an expired flow is reported as expired rather than forged.
func (c *CookieSigner) Verify(value string) (string, error) {
	if value == "" {
		return "", errors.New("missing flow cookie")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &flowCookieClaims{}
	if _, err := parser.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}); err != nil {
		return "", fmt.Errorf("invalid flow cookie: %w", err)
	}
	if claims.ID == "" {
		return "", errors.New("flow cookie has no flow id")
	}
	return claims.ID, nil
}

// SetCookie writes the flow cookie with the same lifetime as the flow.
func (c *CookieSigner) SetCookie(w http.ResponseWriter, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     FlowCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the flow cookie.
func (c *CookieSigner) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     FlowCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
