// Package transport binds live MCP connections to the sessions whose access
// tokens opened them. Tool calls reach a session only through Resolve.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/teemow/health-record-mcp/internal/instrumentation"
	"github.com/teemow/health-record-mcp/internal/logging"
	"github.com/teemow/health-record-mcp/internal/session"
)

// ErrTransportNotFound is returned when a transport id is not bound, or its
// session has been closed.
var ErrTransportNotFound = errors.New("no such session or transport disconnected")

// Verifier resolves an access token to its session.
type Verifier interface {
	Verify(token string) (*session.Session, error)
}

// DetachFunc is notified when a binding is removed because its session closed.
type DetachFunc func(ctx context.Context, transportID string)

// Binder maps transport ids to sessions.
type Binder struct {
	verifier Verifier
	metrics  *instrumentation.Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	bindings map[string]*session.Session
	onDetach []DetachFunc
}

// NewBinder creates a Binder that authenticates attachments with verifier.
func NewBinder(verifier Verifier, metrics *instrumentation.Metrics, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		verifier: verifier,
		metrics:  metrics,
		logger:   logger.With(logging.Operation("transport")),
		bindings: make(map[string]*session.Session),
	}
}

// OnDetach registers fn to run for every transport dropped by DetachSession.
func (b *Binder) OnDetach(fn DetachFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDetach = append(b.onDetach, fn)
}

// Attach verifies token and binds transportID to its session. An empty
// transportID gets a fresh one. Earlier bindings of the same session stay
// live; the session's current transport becomes the new id.
func (b *Binder) Attach(ctx context.Context, token, transportID string) (string, error) {
	s, err := b.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	if transportID == "" {
		transportID = uuid.NewString()
	}

	b.mu.Lock()
	_, rebound := b.bindings[transportID]
	b.bindings[transportID] = s
	b.mu.Unlock()

	s.SetTransportID(transportID)
	if !rebound {
		b.metrics.TransportAttached(ctx)
	}
	b.logger.Debug("transport attached",
		logging.Transport(transportID),
		logging.Session(s.ID),
		logging.ClientID(s.ClientID))
	return transportID, nil
}

// Resolve returns the live session bound to transportID.
func (b *Binder) Resolve(transportID string) (*session.Session, error) {
	b.mu.RLock()
	s, ok := b.bindings[transportID]
	b.mu.RUnlock()
	if !ok || s.Closed() {
		return nil, ErrTransportNotFound
	}
	return s, nil
}

// Has reports whether transportID is bound to a live session.
func (b *Binder) Has(transportID string) bool {
	_, err := b.Resolve(transportID)
	return err == nil
}

// Detach removes one binding, typically because its connection closed. The
// session and its token are untouched. It reports whether a binding existed.
func (b *Binder) Detach(ctx context.Context, transportID string) bool {
	b.mu.Lock()
	s, ok := b.bindings[transportID]
	delete(b.bindings, transportID)
	b.mu.Unlock()
	if !ok {
		return false
	}

	s.ClearTransportID(transportID)
	b.metrics.TransportDetached(ctx)
	b.logger.Debug("transport detached", logging.Transport(transportID), logging.Session(s.ID))
	return true
}

// DetachSession removes every binding of s and notifies the OnDetach
// listeners so the connections can be torn down. It returns the number of
// bindings removed.
func (b *Binder) DetachSession(ctx context.Context, s *session.Session) int {
	b.mu.Lock()
	var ids []string
	for id, bound := range b.bindings {
		if bound == s {
			ids = append(ids, id)
			delete(b.bindings, id)
		}
	}
	listeners := append([]DetachFunc(nil), b.onDetach...)
	b.mu.Unlock()

	// Listeners may call back into Detach, so they run without the lock.
	for _, id := range ids {
		s.ClearTransportID(id)
		b.metrics.TransportDetached(ctx)
		for _, fn := range listeners {
			fn(ctx, id)
		}
	}
	if len(ids) > 0 {
		b.logger.Info("session transports detached",
			logging.Session(s.ID),
			slog.Int("count", len(ids)))
	}
	return len(ids)
}

// Len returns the number of bound transports.
func (b *Binder) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bindings)
}
