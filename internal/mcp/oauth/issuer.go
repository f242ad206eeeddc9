package oauth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/teemow/health-record-mcp/internal/instrumentation"
	"github.com/teemow/health-record-mcp/internal/logging"
	"github.com/teemow/health-record-mcp/internal/session"
)

// TokenRequest holds the authorization_code grant parameters
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	CodeVerifier string
	IPAddress    string
}

// RevokeRequest holds the RFC 7009 revocation parameters
type RevokeRequest struct {
	ClientID     string
	ClientSecret string
	Token        string
	IPAddress    string
}

// Issuer turns authorization codes into access tokens and manages their lifecycle.
type Issuer struct {
	issuer   string
	policy   ClientPolicy
	clients  *ClientStore
	sessions SessionStore
	tokenTTL time.Duration
	security SecurityConfig
	metrics  *instrumentation.Metrics
	audit    *AuditLogger
	logger   *slog.Logger
}

// IssuerConfig wires an Issuer
type IssuerConfig struct {
	Issuer   string
	Policy   ClientPolicy
	Clients  *ClientStore
	Sessions SessionStore
	TokenTTL time.Duration
	Security SecurityConfig
	Metrics  *instrumentation.Metrics
	Audit    *AuditLogger
	Logger   *slog.Logger
}

// NewIssuer creates a token issuer
func NewIssuer(cfg IssuerConfig) *Issuer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	return &Issuer{
		issuer:   cfg.Issuer,
		policy:   cfg.Policy,
		clients:  cfg.Clients,
		sessions: cfg.Sessions,
		tokenTTL: ttl,
		security: cfg.Security,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		logger:   logging.WithOperation(logger, "token"),
	}
}

// ChallengeFor returns the PKCE challenge bound to an outstanding code.
func (i *Issuer) ChallengeFor(code string) (string, error) {
	s, err := i.sessions.PeekByCode(code)
	if err != nil {
		return "", ErrInvalidGrant("Invalid or expired authorization code")
	}
	return s.CodeChallenge(), nil
}

// Exchange redeems an authorization code. The code is consumed before any
// check runs, so a failed attempt cannot be retried and the session it
// pointed at is closed.
func (i *Issuer) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := instrumentation.StartOAuthSpan(ctx, "token",
		instrumentation.NewSpanAttributeBuilder().WithClient(req.ClientID).Build()...)
	defer span.End()

	resp, err := i.exchange(ctx, req)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		oe := AsOAuthError(err)
		i.metrics.RecordTokenExchange(ctx, instrumentation.OAuthResultFailure)
		i.logger.Warn("Token exchange failed",
			logging.ClientID(req.ClientID),
			"error_code", oe.Code,
			"description", oe.Description,
		)
		return nil, oe
	}
	instrumentation.SetSpanSuccess(span)
	i.metrics.RecordTokenExchange(ctx, instrumentation.OAuthResultSuccess)
	return resp, nil
}

func (i *Issuer) exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case "authorization_code":
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	default:
		return nil, ErrUnsupportedGrantType("Only authorization_code is supported")
	}
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	s, err := i.sessions.TakeByCode(req.Code)
	if err != nil {
		return nil, ErrInvalidGrant("Invalid or expired authorization code")
	}

	token, err := i.redeem(s, req)
	if err != nil {
		if closeErr := i.sessions.Close(ctx, s, instrumentation.CloseReasonOrphaned); closeErr != nil {
			i.logger.Warn("Failed to close orphaned session", logging.Session(s.ID), logging.Err(closeErr))
		}
		return nil, err
	}

	i.audit.LogTokenIssued(s.ID, s.ClientID, req.IPAddress)
	i.logger.Info("Issued access token",
		logging.ClientID(s.ClientID),
		logging.Session(s.ID),
	)

	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.tokenTTL.Seconds()),
	}, nil
}

// redeem runs the checks that follow the code being taken and promotes the session.
func (i *Issuer) redeem(s *session.Session, req TokenRequest) (string, error) {
	clientID := req.ClientID
	if clientID == "" {
		clientID = s.ClientID
	}
	if clientID != s.ClientID {
		i.audit.LogAuthFailure(clientID, req.IPAddress, "authorization code issued to another client")
		return "", ErrInvalidGrant("Authorization code was issued to another client")
	}

	client, err := i.policy.ResolveClient(clientID)
	if err != nil {
		return "", err
	}
	if err := i.policy.AuthenticateClient(client, req.ClientSecret); err != nil {
		i.audit.LogAuthFailure(clientID, req.IPAddress, "client authentication failed")
		return "", err
	}

	if oe := VerifyPKCE(req.CodeVerifier, s.CodeChallenge()); oe != nil {
		i.audit.LogInvalidPKCE(clientID, req.IPAddress, oe.Description)
		return "", oe
	}

	token, err := GenerateAccessToken()
	if err != nil {
		return "", ErrServerError("Failed to generate access token")
	}
	if err := i.sessions.Promote(s, token); err != nil {
		if errors.Is(err, session.ErrClosed) {
			return "", ErrInvalidGrant("Session is no longer available")
		}
		return "", ErrServerError("Failed to issue access token")
	}
	return token, nil
}

// Verify resolves a bearer token to its session.
func (i *Issuer) Verify(token string) (*session.Session, error) {
	if token == "" {
		return nil, ErrInvalidToken("Missing access token")
	}
	s, err := i.sessions.Get(token)
	if err != nil {
		return nil, ErrInvalidToken("Invalid or revoked access token")
	}
	return s, nil
}

// Revoke closes the session behind a token. It never reports whether the
// token existed: unknown tokens, foreign tokens and failed client
// authentication are all ignored.
func (i *Issuer) Revoke(ctx context.Context, req RevokeRequest) {
	ctx, span := instrumentation.StartOAuthSpan(ctx, "revoke")
	defer span.End()
	logger := logging.WithOperation(i.logger, "revoke")

	s, err := i.sessions.Get(req.Token)
	if req.Token == "" || err != nil {
		logger.Debug("Revocation of unknown token ignored",
			logging.ClientID(req.ClientID),
			"token", logging.SanitizeToken(req.Token),
		)
		return
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = s.ClientID
	}
	if clientID != s.ClientID {
		i.audit.LogAuthFailure(clientID, req.IPAddress, "revocation of token owned by another client")
		return
	}
	client, err := i.policy.ResolveClient(clientID)
	if err == nil {
		err = i.policy.AuthenticateClient(client, req.ClientSecret)
	}
	if err != nil {
		i.audit.LogAuthFailure(clientID, req.IPAddress, "client authentication failed on revocation")
		return
	}

	revoked, err := i.sessions.Revoke(ctx, req.Token)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		logger.Warn("Error while closing revoked session", logging.Session(s.ID), logging.Err(err))
	}
	if revoked {
		i.metrics.RecordRevocation(ctx)
		i.audit.LogTokenRevoked(s.ID, clientID, req.IPAddress)
		logger.Info("Revoked access token", logging.ClientID(clientID), logging.Session(s.ID))
	}
}

// Register performs RFC 7591 dynamic client registration.
func (i *Issuer) Register(ctx context.Context, req *ClientRegistrationRequest, ipAddress string) (*ClientRegistrationResponse, error) {
	ctx, span := instrumentation.StartOAuthSpan(ctx, "register")
	defer span.End()

	resp, err := i.register(req, ipAddress)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		i.metrics.RecordRegistration(ctx, instrumentation.OAuthResultFailure)
		return nil, AsOAuthError(err)
	}
	instrumentation.SetSpanSuccess(span)
	i.metrics.RecordRegistration(ctx, instrumentation.OAuthResultSuccess)

	clientType := "confidential"
	if resp.TokenEndpointAuthMethod == AuthMethodNone {
		clientType = "public"
	}
	i.audit.LogClientRegistered(resp.ClientID, clientType, ipAddress)
	return resp, nil
}

func (i *Issuer) register(req *ClientRegistrationRequest, ipAddress string) (*ClientRegistrationResponse, error) {
	if err := i.clients.CheckIPLimit(ipAddress, i.security.MaxClientsPerIP); err != nil {
		i.logger.Warn("Client registration limit reached", "ip", ipAddress, logging.Err(err))
		return nil, ErrInvalidRequest("Client registration limit reached")
	}
	if len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidRequest("redirect_uris is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri, i.issuer, i.security.AllowCustomRedirectSchemes, i.security.AllowedCustomSchemes); err != nil {
			return nil, ErrInvalidRequest(err.Error())
		}
	}
	for _, gt := range req.GrantTypes {
		if gt != "authorization_code" {
			return nil, ErrInvalidRequest("Only the authorization_code grant type is supported")
		}
	}
	for _, rt := range req.ResponseTypes {
		if rt != "code" {
			return nil, ErrInvalidRequest("Only the code response type is supported")
		}
	}
	return i.clients.RegisterClient(req, ipAddress)
}
