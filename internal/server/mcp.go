package server

import (
	"context"
	"sync"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/health-record-mcp/internal/logging"
	"github.com/teemow/health-record-mcp/internal/mcp/oauth"
	"github.com/teemow/health-record-mcp/internal/session"
)

// ServerName is the name the MCP server reports during initialization.
const ServerName = "health-record-mcp"

type streamCancelKey struct{}

// withStreamCancel stores the cancel func of an SSE stream in ctx so the
// register hook can tie the stream's lifetime to its transport binding.
func withStreamCancel(ctx context.Context, cancel context.CancelFunc) context.Context {
	return context.WithValue(ctx, streamCancelKey{}, cancel)
}

// streams maps transport ids to the cancel func of their SSE request.
type streams struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (s *streams) add(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[id] = cancel
}

func (s *streams) remove(id string) context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel := s.cancels[id]
	delete(s.cancels, id)
	return cancel
}

// NewMCPServer creates the MCP server and links its client sessions to the
// transport binder in both directions:
//
//   - a new SSE client session is attached to the session behind the bearer
//     token of its request, and detached when the client goes away
//   - closing a session detaches its transports, which unregisters them from
//     mcp-go and ends their SSE streams
func NewMCPServer(sc *ServerContext, version string) *mcpserver.MCPServer {
	binder := sc.Binder()
	logger := sc.Logger()
	open := &streams{cancels: make(map[string]context.CancelFunc)}

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, cs mcpserver.ClientSession) {
		id := cs.SessionID()
		token, ok := oauth.TokenFromContext(ctx)
		if !ok {
			logger.Warn("MCP session registered without a verified token", logging.Transport(id))
			return
		}
		if _, err := binder.Attach(ctx, token, id); err != nil {
			logger.Warn("Failed to bind transport", logging.Transport(id), logging.Err(err))
			return
		}
		if cancel, ok := ctx.Value(streamCancelKey{}).(context.CancelFunc); ok {
			open.add(id, cancel)
		}
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, cs mcpserver.ClientSession) {
		id := cs.SessionID()
		open.remove(id)
		binder.Detach(ctx, id)
	})

	s := mcpserver.NewMCPServer(ServerName, version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithHooks(hooks),
		mcpserver.WithRecovery(),
	)

	binder.OnDetach(func(ctx context.Context, id string) {
		cancel := open.remove(id)
		s.UnregisterSession(ctx, id)
		if cancel != nil {
			cancel()
		}
	})
	sc.Sessions().OnClose(func(closed *session.Session) {
		binder.DetachSession(sc.Context(), closed)
	})

	return s
}
