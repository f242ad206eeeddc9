package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/teemow/health-record-mcp/internal/instrumentation"
	"github.com/teemow/health-record-mcp/internal/logging"
	"github.com/teemow/health-record-mcp/internal/record"
	"github.com/teemow/health-record-mcp/internal/session"
)

// SessionStore is the subset of the session store the OAuth layer drives.
type SessionStore interface {
	Create(ctx context.Context, clientID, codeChallenge string, rec *record.Record) (*session.Session, error)
	IndexByCode(code string, s *session.Session) error
	PeekByCode(code string) (*session.Session, error)
	TakeByCode(code string) (*session.Session, error)
	Promote(s *session.Session, token string) error
	Get(token string) (*session.Session, error)
	Revoke(ctx context.Context, token string) (bool, error)
	Close(ctx context.Context, s *session.Session, reason string) error
}

// AuthorizeRequest holds the /authorize query parameters
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Scope               string
	IPAddress           string
}

// FlowStart tells the caller where to send the browser and which cookie to set
type FlowStart struct {
	FlowID     string
	Cookie     string
	RedirectTo string
	ExpiresAt  time.Time
}

// AuthorizeError is a failed authorization request. When RedirectURI is set
// the error is delivered to the client by redirect, otherwise as a bare response.
type AuthorizeError struct {
	Err         *OAuthError
	RedirectURI string
	State       string
}

func (e *AuthorizeError) Error() string { return e.Err.Error() }
func (e *AuthorizeError) Unwrap() error { return e.Err }

// Location returns the client redirect carrying the error parameters.
func (e *AuthorizeError) Location() (string, bool) {
	if e.RedirectURI == "" {
		return "", false
	}
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		return "", false
	}
	q := u.Query()
	q.Set("error", e.Err.Code)
	q.Set("error_description", e.Err.Description)
	if e.State != "" {
		q.Set("state", e.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), true
}

// Delivery instructs the retriever where to send the browser with the new code
type Delivery struct {
	SessionID  string
	ClientID   string
	RedirectTo string
}

// Broker runs the two-hop authorization flow: /authorize hands the browser
// to the record retriever, and the retriever's callback turns the posted
// record into a session reachable by a fresh authorization code.
type Broker struct {
	policy       ClientPolicy
	flows        *FlowStore
	cookies      *CookieSigner
	sessions     SessionStore
	retrieverURL string
	flowTTL      time.Duration
	now          func() time.Time
	metrics      *instrumentation.Metrics
	audit        *AuditLogger
	logger       *slog.Logger
}

// BrokerConfig wires a Broker
type BrokerConfig struct {
	Policy       ClientPolicy
	Flows        *FlowStore
	Cookies      *CookieSigner
	Sessions     SessionStore
	RetrieverURL string
	FlowTTL      time.Duration
	Metrics      *instrumentation.Metrics
	Audit        *AuditLogger
	Logger       *slog.Logger
}

// NewBroker creates a flow broker
func NewBroker(cfg BrokerConfig) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	flowTTL := cfg.FlowTTL
	if flowTTL <= 0 {
		flowTTL = DefaultFlowTTL
	}
	return &Broker{
		policy:       cfg.Policy,
		flows:        cfg.Flows,
		cookies:      cfg.Cookies,
		sessions:     cfg.Sessions,
		retrieverURL: cfg.RetrieverURL,
		flowTTL:      flowTTL,
		now:          time.Now,
		metrics:      cfg.Metrics,
		audit:        cfg.Audit,
		logger:       logging.WithOperation(logger, "authorize"),
	}
}

// FlowTTL is the lifetime of a pending flow and its cookie
func (b *Broker) FlowTTL() time.Duration {
	return b.flowTTL
}

// BeginFlow validates an authorization request and allocates a pending flow.
// Failures are returned as *AuthorizeError.
func (b *Broker) BeginFlow(ctx context.Context, req AuthorizeRequest) (*FlowStart, error) {
	ctx, span := instrumentation.StartOAuthSpan(ctx, "authorize",
		instrumentation.NewSpanAttributeBuilder().WithClient(req.ClientID).Build()...)
	defer span.End()

	start, err := b.beginFlow(req)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		b.metrics.RecordFlow(ctx, instrumentation.OAuthResultFailure)
		var ae *AuthorizeError
		if errors.As(err, &ae) {
			b.audit.LogFlowFailed(req.ClientID, req.IPAddress, ae.Err.Code)
			b.logger.Warn("Authorization request rejected",
				logging.ClientID(req.ClientID),
				"error_code", ae.Err.Code,
				"description", ae.Err.Description,
			)
		}
		return nil, err
	}

	instrumentation.SetSpanSuccess(span)
	b.audit.LogFlowStarted(req.ClientID, req.IPAddress)
	b.logger.Info("Authorization flow started",
		logging.ClientID(req.ClientID),
		"flow", logging.HashID(start.FlowID),
	)
	return start, nil
}

func (b *Broker) beginFlow(req AuthorizeRequest) (*FlowStart, error) {
	if req.ClientID == "" {
		return nil, &AuthorizeError{Err: ErrInvalidRequest("client_id is required")}
	}

	if req.ResponseType == "" || req.CodeChallenge == "" {
		missing := "response_type"
		if req.ResponseType != "" {
			missing = "code_challenge"
		}
		ae := &AuthorizeError{Err: ErrInvalidRequest(missing + " is required")}
		b.attachRedirect(ae, req)
		return nil, ae
	}

	client, err := b.policy.ResolveClient(req.ClientID)
	if err != nil {
		return nil, &AuthorizeError{Err: AsOAuthError(err)}
	}

	redirectURI, err := b.policy.ResolveRedirectURI(client, req.RedirectURI)
	if err != nil {
		return nil, &AuthorizeError{Err: AsOAuthError(err)}
	}

	if req.ResponseType != "code" {
		return nil, &AuthorizeError{
			Err:         ErrUnsupportedResponseType("response_type must be code"),
			RedirectURI: redirectURI,
			State:       req.State,
		}
	}

	if req.CodeChallengeMethod != "S256" {
		return nil, &AuthorizeError{
			Err:         ErrInvalidRequest("code_challenge_method must be S256"),
			RedirectURI: redirectURI,
			State:       req.State,
		}
	}

	flowID, err := GenerateFlowID()
	if err != nil {
		return nil, &AuthorizeError{Err: ErrServerError("Failed to allocate flow"), RedirectURI: redirectURI, State: req.State}
	}

	now := b.now()
	flow := &FlowState{
		ID:            flowID,
		ClientID:      client.ClientID,
		RedirectURI:   redirectURI,
		CodeChallenge: req.CodeChallenge,
		State:         req.State,
		Scope:         req.Scope,
		CreatedAt:     now,
		ExpiresAt:     now.Add(b.flowTTL),
	}

	cookie, err := b.cookies.Sign(flowID, now, flow.ExpiresAt)
	if err != nil {
		return nil, &AuthorizeError{Err: ErrServerError("Failed to sign flow cookie"), RedirectURI: redirectURI, State: req.State}
	}
	b.flows.Save(flow)

	return &FlowStart{
		FlowID:     flowID,
		Cookie:     cookie,
		RedirectTo: b.retrieverURL,
		ExpiresAt:  flow.ExpiresAt,
	}, nil
}

// attachRedirect fills in the redirect target when the client and URI resolve.
func (b *Broker) attachRedirect(ae *AuthorizeError, req AuthorizeRequest) {
	client, err := b.policy.ResolveClient(req.ClientID)
	if err != nil {
		return
	}
	redirectURI, err := b.policy.ResolveRedirectURI(client, req.RedirectURI)
	if err != nil {
		return
	}
	ae.RedirectURI = redirectURI
	ae.State = req.State
}

// CompleteFlow consumes the flow named by the cookie, builds a session from
// the posted record and returns where to deliver the authorization code.
// Failures are returned as *OAuthError.
func (b *Broker) CompleteFlow(ctx context.Context, cookie string, payload []byte, ipAddress string) (*Delivery, error) {
	ctx, span := instrumentation.StartOAuthSpan(ctx, "callback")
	defer span.End()

	delivery, flow, err := b.completeFlow(ctx, cookie, payload, ipAddress)
	clientID := ""
	if flow != nil {
		clientID = flow.ClientID
		span.SetAttributes(instrumentation.NewSpanAttributeBuilder().WithClient(clientID).Build()...)
	}
	if err != nil {
		instrumentation.SetSpanError(span, err)
		oe := AsOAuthError(err)
		result := instrumentation.OAuthResultFailure
		if oe.Code == CodeExpiredSession {
			result = instrumentation.OAuthResultExpired
		}
		b.metrics.RecordFlow(ctx, result)
		b.audit.LogFlowFailed(clientID, ipAddress, oe.Code)
		b.logger.Warn("Retriever callback rejected",
			logging.ClientID(clientID),
			"error_code", oe.Code,
			logging.Err(err),
		)
		return nil, oe
	}

	instrumentation.SetSpanSuccess(span)
	b.metrics.RecordFlow(ctx, instrumentation.OAuthResultSuccess)
	return delivery, nil
}

func (b *Broker) completeFlow(ctx context.Context, cookie string, payload []byte, ipAddress string) (*Delivery, *FlowState, error) {
	flowID, err := b.cookies.Verify(cookie)
	if err != nil {
		return nil, nil, ErrInvalidSession("Missing or invalid flow cookie")
	}

	flow, err := b.flows.Take(flowID)
	switch {
	case errors.Is(err, ErrFlowExpired):
		return nil, flow, ErrExpiredSession("Authorization flow expired")
	case err != nil:
		return nil, nil, ErrInvalidSession("Unknown or already completed authorization flow")
	}

	rec, err := record.Parse(payload)
	if err != nil {
		return nil, flow, ErrInvalidRequest(err.Error())
	}

	sess, err := b.sessions.Create(ctx, flow.ClientID, flow.CodeChallenge, rec)
	if err != nil {
		b.logger.Error("Failed to create session", logging.ClientID(flow.ClientID), logging.Err(err))
		return nil, flow, ErrServerError("Failed to create session")
	}

	code, err := GenerateAuthorizationCode()
	if err == nil {
		err = b.sessions.IndexByCode(code, sess)
	}
	if err != nil {
		_ = b.sessions.Close(ctx, sess, instrumentation.CloseReasonOrphaned)
		return nil, flow, ErrServerError(fmt.Sprintf("Failed to issue authorization code: %v", err))
	}

	redirectTo, err := url.Parse(flow.RedirectURI)
	if err != nil {
		_ = b.sessions.Close(ctx, sess, instrumentation.CloseReasonOrphaned)
		return nil, flow, ErrServerError("Invalid redirect URI")
	}
	q := redirectTo.Query()
	q.Set("code", code)
	if flow.State != "" {
		q.Set("state", flow.State)
	}
	redirectTo.RawQuery = q.Encode()

	b.logger.Info("Authorization flow completed",
		logging.ClientID(flow.ClientID),
		logging.Session(sess.ID),
		"resources", rec.ResourceCount(),
	)
	b.audit.LogFlowCompleted(sess.ID, flow.ClientID, ipAddress, rec.ResourceCount())

	return &Delivery{
		SessionID:  sess.ID,
		ClientID:   flow.ClientID,
		RedirectTo: redirectTo.String(),
	}, flow, nil
}
