package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/teemow/health-record-mcp/internal/projection"
	"github.com/teemow/health-record-mcp/internal/record"
)

var (
	// ErrNotFound is returned when no session is indexed under a code or token.
	ErrNotFound = errors.New("session not found")

	// ErrClosed is returned when acquiring a session that has been closed.
	ErrClosed = errors.New("session closed")

	// ErrAlreadyPromoted is returned when a session is given a second access token.
	ErrAlreadyPromoted = errors.New("session already has an access token")
)

// Session is one granted delegation's working state.
type Session struct {
	ID        string
	ClientID  string
	Record    *record.Record
	DB        projection.Projection
	CreatedAt time.Time

	// life is held shared by tool calls and exclusively by close.
	life sync.RWMutex

	mu            sync.Mutex
	authCode      string
	codeChallenge string
	accessToken   string
	transportID   string
	lastUsed      time.Time
	closed        bool
}

// Acquire pins the session for the duration of a tool call. The returned
// release func must be called exactly once.
func (s *Session) Acquire() (release func(), err error) {
	s.life.RLock()
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.lastUsed = time.Now()
	}
	s.mu.Unlock()

	if closed {
		s.life.RUnlock()
		return nil, ErrClosed
	}

	var once sync.Once
	return func() { once.Do(s.life.RUnlock) }, nil
}

// CodeChallenge returns the PKCE challenge bound to the pending code.
func (s *Session) CodeChallenge() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codeChallenge
}

// AccessToken returns the bound token, empty before exchange.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// TransportID returns the currently bound transport, if any.
func (s *Session) TransportID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportID
}

// SetTransportID records id as the current transport.
func (s *Session) SetTransportID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportID = id
}

// ClearTransportID clears the current transport only if it is still id.
func (s *Session) ClearTransportID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transportID != id {
		return false
	}
	s.transportID = ""
	return true
}

// LastUsed returns the time of creation or of the most recent Acquire.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setCode(code, challenge string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCode = code
	s.codeChallenge = challenge
}

func (s *Session) code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCode
}

// promote binds token once and clears the transient code fields.
func (s *Session) promote(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.accessToken != "" {
		return ErrAlreadyPromoted
	}
	s.accessToken = token
	s.authCode = ""
	s.codeChallenge = ""
	return nil
}

// close releases the projection. It waits for in-flight Acquire holders and
// reports false when the session was already closed.
func (s *Session) close() (bool, error) {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.DB == nil {
		return true, nil
	}
	if err := s.DB.Close(); err != nil && !errors.Is(err, projection.ErrClosed) {
		return true, fmt.Errorf("failed to close projection: %w", err)
	}
	return true, nil
}
