package oauth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/oauth2"
)

// VerifyPKCE checks an RFC 7636 S256 code_verifier against its challenge.
func VerifyPKCE(verifier, challenge string) *OAuthError {
	if verifier == "" {
		return ErrInvalidGrant("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return ErrInvalidGrant(fmt.Sprintf("code_verifier must be %d-%d characters (RFC 7636)",
			MinCodeVerifierLength, MaxCodeVerifierLength))
	}

	computed := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrInvalidGrant("Invalid code_verifier")
	}
	return nil
}

// GenerateAuthorizationCode generates a random single-use authorization code
func GenerateAuthorizationCode() (string, error) {
	code, err := generateSecureToken(AuthorizationCodeLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return code, nil
}

// GenerateAccessToken generates a random opaque access token
func GenerateAccessToken() (string, error) {
	token, err := generateSecureToken(AccessTokenLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return token, nil
}

// GenerateFlowID generates a random flow id
func GenerateFlowID() (string, error) {
	id, err := generateSecureToken(FlowIDLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return id, nil
}
