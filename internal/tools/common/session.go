package common

import (
	"context"
	"errors"
	"fmt"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/health-record-mcp/internal/session"
)

// ErrNoTransport is returned when a tool call did not arrive over a bound
// transport.
var ErrNoTransport = errors.New("missing transport session")

// SessionResolver maps a transport id to its session.
type SessionResolver interface {
	Resolve(transportID string) (*session.Session, error)
}

// SessionFromContext is the gate every tool call passes through. It looks up
// the session bound to the call's transport and pins it until release is
// called, so the session cannot be closed under a running tool.
func SessionFromContext(ctx context.Context, resolver SessionResolver) (*session.Session, func(), error) {
	cs := mcpserver.ClientSessionFromContext(ctx)
	if cs == nil || cs.SessionID() == "" || resolver == nil {
		return nil, nil, ErrNoTransport
	}

	s, err := resolver.Resolve(cs.SessionID())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid request: %w", err)
	}

	release, err := s.Acquire()
	if err != nil {
		return nil, nil, fmt.Errorf("session data not found: %w", err)
	}
	return s, release, nil
}
