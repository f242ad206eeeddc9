// Package tooltest builds bound sessions and tool requests for tool handler
// tests.
package tooltest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"github.com/teemow/health-record-mcp/internal/projection"
	"github.com/teemow/health-record-mcp/internal/record"
	"github.com/teemow/health-record-mcp/internal/server"
	"github.com/teemow/health-record-mcp/internal/session"
	"github.com/teemow/health-record-mcp/internal/transport"
)

// ClientSession is a minimal mcp-go client session with a fixed id.
type ClientSession struct {
	ID string
}

func (c ClientSession) Initialize()       {}
func (c ClientSession) Initialized() bool { return true }
func (c ClientSession) SessionID() string { return c.ID }

func (c ClientSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return make(chan mcp.JSONRPCNotification, 1)
}

// StoreVerifier authenticates tokens directly against a session store, the
// way the token issuer does after an exchange.
type StoreVerifier struct {
	Store *session.Store
}

// Verify implements transport.Verifier.
func (v StoreVerifier) Verify(token string) (*session.Session, error) {
	return v.Store.Get(token)
}

// Env is a server context with one session bound to one transport.
type Env struct {
	Server      *server.ServerContext
	Store       *session.Store
	Session     *session.Session
	Token       string
	TransportID string
}

// Context returns a context that carries the bound transport, the way mcp-go
// passes it to tool handlers.
func (e *Env) Context() context.Context {
	return ContextFor(e.TransportID)
}

// ContextFor returns a context carrying a client session with id.
func ContextFor(id string) context.Context {
	return mcpserver.NewMCPServer("tooltest", "0").WithContext(context.Background(), ClientSession{ID: id})
}

// NewEnv parses payload, creates a promoted session on an in-memory SQLite
// projection and binds it to a fresh transport.
func NewEnv(t *testing.T, payload string, opts ...server.Option) *Env {
	t.Helper()
	ctx := context.Background()

	rec, err := record.Parse([]byte(payload))
	require.NoError(t, err)

	store := session.NewStore(session.Options{Factory: projection.NewSQLiteFactory()})
	t.Cleanup(func() { _ = store.Shutdown(context.Background()) })

	s, err := store.Create(ctx, "test-client", "", rec)
	require.NoError(t, err)
	token := uuid.NewString()
	require.NoError(t, store.Promote(s, token))

	binder := transport.NewBinder(StoreVerifier{Store: store}, nil, nil)
	id, err := binder.Attach(ctx, token, "")
	require.NoError(t, err)

	return &Env{
		Server:      server.NewServerContext(ctx, store, binder, opts...),
		Store:       store,
		Session:     s,
		Token:       token,
		TransportID: id,
	}
}

// Request builds a tools/call request.
func Request(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

// Text returns the first text block of result.
func Text(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	return tc.Text
}
