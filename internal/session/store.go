package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/health-record-mcp/internal/archive"
	"github.com/teemow/health-record-mcp/internal/instrumentation"
	"github.com/teemow/health-record-mcp/internal/logging"
	"github.com/teemow/health-record-mcp/internal/projection"
	"github.com/teemow/health-record-mcp/internal/record"
)

const archiveTimeout = 10 * time.Second

// Options configures a Store.
type Options struct {
	// Factory builds the relational projection for each new session.
	Factory projection.Factory

	// Archive receives a snapshot of every retrieved record. Nil disables it.
	Archive archive.Store

	// RetainArchive keeps snapshots after their session closes.
	RetainArchive bool

	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// Store indexes sessions by authorization code and by access token.
type Store struct {
	factory       projection.Factory
	archive       archive.Store
	retainArchive bool
	metrics       *instrumentation.Metrics
	logger        *slog.Logger

	byCode  codeIndex
	byToken tokenIndex
	live    liveIndex

	listenersMu sync.RWMutex
	listeners   []func(*Session)
}

// NewStore creates a session store.
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := opts.Factory
	if factory == nil {
		factory = projection.NewSQLiteFactory()
	}
	arc := opts.Archive
	if arc == nil {
		arc = archive.Nop{}
	}
	return &Store{
		factory:       factory,
		archive:       arc,
		retainArchive: opts.RetainArchive,
		metrics:       opts.Metrics,
		logger:        logger.With(logging.Operation("session")),
		byCode:        codeIndex{newIndex()},
		byToken:       tokenIndex{newIndex()},
		live:          liveIndex{newIndex()},
	}
}

// Create builds a fully populated session for clientID. The session is not
// reachable through any index until IndexByCode is called. If the projection
// cannot be populated no session is returned.
func (st *Store) Create(ctx context.Context, clientID, codeChallenge string, rec *record.Record) (*Session, error) {
	if rec == nil {
		return nil, fmt.Errorf("record is required")
	}

	id := uuid.NewString()
	loadCtx, span := instrumentation.StartSpan(ctx, "session.load",
		attribute.String("projection.backend", st.factory.Backend()),
		attribute.Int("record.resources", rec.ResourceCount()),
	)
	start := time.Now()
	db, err := st.factory.New(loadCtx, id, rec)
	loadTime := time.Since(start)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		span.End()
		return nil, fmt.Errorf("failed to populate session store: %w", err)
	}
	span.End()

	now := time.Now()
	s := &Session{
		ID:            id,
		ClientID:      clientID,
		Record:        rec,
		DB:            db,
		CreatedAt:     now,
		codeChallenge: codeChallenge,
		lastUsed:      now,
	}
	st.live.putIfAbsent(id, s)
	st.metrics.SessionOpened(ctx, st.factory.Backend(), loadTime)

	st.logger.Info("Session created",
		logging.Session(id),
		logging.ClientID(clientID),
		"resources", rec.ResourceCount(),
		"attachments", len(rec.Attachments()),
		logging.Duration(loadTime),
	)

	st.snapshot(ctx, s)
	return s, nil
}

func (st *Store) snapshot(ctx context.Context, s *Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := st.archive.Put(ctx, archive.SnapshotKey(s.ID), s.Record.Raw()); err != nil {
		st.logger.Warn("Failed to archive record snapshot", logging.Session(s.ID), logging.Err(err))
	}
}

// IndexByCode makes s reachable under a pending authorization code.
func (st *Store) IndexByCode(code string, s *Session) error {
	if code == "" {
		return fmt.Errorf("authorization code is required")
	}
	if s.Closed() {
		return ErrClosed
	}
	if !st.byCode.putIfAbsent(code, s) {
		return fmt.Errorf("authorization code already in use")
	}
	s.setCode(code, s.CodeChallenge())
	return nil
}

// PeekByCode returns the session pending under code without consuming it.
func (st *Store) PeekByCode(code string) (*Session, error) {
	s, ok := st.byCode.get(code)
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// TakeByCode removes code from the index and returns its session.
// A code can be taken at most once.
func (st *Store) TakeByCode(code string) (*Session, error) {
	s, ok := st.byCode.take(code)
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Promote binds token to s and moves it into the by-token index.
func (st *Store) Promote(s *Session, token string) error {
	if token == "" {
		return fmt.Errorf("access token is required")
	}
	code := s.code()
	if err := s.promote(token); err != nil {
		return err
	}
	st.byCode.remove(code, s)
	if !st.byToken.putIfAbsent(token, s) {
		return fmt.Errorf("access token already in use")
	}
	return nil
}

// Get resolves an access token.
func (st *Store) Get(token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	s, ok := st.byToken.get(token)
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Revoke closes the session bound to token. It reports whether one existed.
func (st *Store) Revoke(ctx context.Context, token string) (bool, error) {
	s, ok := st.byToken.take(token)
	if !ok {
		return false, nil
	}
	return true, st.Close(ctx, s, instrumentation.CloseReasonRevoked)
}

// Close removes s from every index and releases its projection. It waits for
// in-flight tool calls and is safe to call more than once.
func (st *Store) Close(ctx context.Context, s *Session, reason string) error {
	st.byCode.remove(s.code(), s)
	st.byToken.remove(s.AccessToken(), s)
	st.live.remove(s.ID, s)

	closed, err := s.close()
	if !closed {
		st.logger.Debug("Session already closed", logging.Session(s.ID))
		return nil
	}

	st.metrics.SessionClosed(ctx, reason)
	if err != nil {
		st.logger.Error("Failed to close session projection", logging.Session(s.ID), logging.Err(err))
	} else {
		st.logger.Info("Session closed", logging.Session(s.ID), "reason", reason)
	}

	if !st.retainArchive {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		if derr := st.archive.Delete(actx, archive.SnapshotKey(s.ID)); derr != nil {
			st.logger.Warn("Failed to delete record snapshot", logging.Session(s.ID), logging.Err(derr))
		}
		cancel()
	}

	st.notifyClosed(s)
	return err
}

// OnClose registers fn to run after any session closes.
func (st *Store) OnClose(fn func(*Session)) {
	st.listenersMu.Lock()
	defer st.listenersMu.Unlock()
	st.listeners = append(st.listeners, fn)
}

func (st *Store) notifyClosed(s *Session) {
	st.listenersMu.RLock()
	listeners := append([]func(*Session){}, st.listeners...)
	st.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// Len returns the number of open sessions.
func (st *Store) Len() int {
	return st.live.len()
}

// Backend names the projection backend in use.
func (st *Store) Backend() string {
	return st.factory.Backend()
}

// Shutdown closes every open session and then the projection factory.
func (st *Store) Shutdown(ctx context.Context) error {
	var errs []error
	for _, s := range st.live.snapshot() {
		if err := st.Close(ctx, s, instrumentation.CloseReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	if err := st.factory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close projection factory: %w", err))
	}
	return errors.Join(errs...)
}
