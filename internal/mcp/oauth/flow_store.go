package oauth

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teemow/health-record-mcp/internal/logging"
)

var (
	// ErrFlowNotFound is returned when a flow id is unknown or already consumed
	ErrFlowNotFound = errors.New("flow not found")

	// ErrFlowExpired is returned when a flow is taken after its TTL
	ErrFlowExpired = errors.New("flow expired")
)

// FlowStore holds pending authorization flows keyed by flow id.
// Every read checks expiry; a background sweep bounds memory.
type FlowStore struct {
	flows  map[string]*FlowState
	mu     sync.Mutex
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewFlowStore creates a new flow store and starts its cleanup loop
func NewFlowStore(cleanupInterval time.Duration, logger *slog.Logger) *FlowStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	store := &FlowStore{
		flows:  make(map[string]*FlowState),
		now:    time.Now,
		stop:   make(chan struct{}),
		logger: logger,
	}

	go store.cleanup(cleanupInterval)

	return store
}

// Save stores a pending flow
func (s *FlowStore) Save(flow *FlowState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flows[flow.ID] = flow
	s.logger.Debug("Saved authorization flow",
		"flow", logging.HashID(flow.ID),
		logging.ClientID(flow.ClientID),
		"expires_at", flow.ExpiresAt,
	)
}

// Take removes the flow and returns it. The entry is deleted whether or not
// it has expired, so a flow can be consumed at most once. An expired flow is
// returned together with ErrFlowExpired so callers can still attribute it.
func (s *FlowStore) Take(id string) (*FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, exists := s.flows[id]
	if !exists {
		return nil, ErrFlowNotFound
	}
	delete(s.flows, id)

	if flow.Expired(s.now()) {
		s.logger.Debug("Expired authorization flow consumed", "flow", logging.HashID(id))
		return flow, ErrFlowExpired
	}
	return flow, nil
}

// Len returns the number of pending flows
func (s *FlowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

// Stop ends the cleanup loop
func (s *FlowStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// cleanup periodically removes expired flows
func (s *FlowStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired flows and returns how many were removed
func (s *FlowStore) cleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, flow := range s.flows {
		if flow.Expired(now) {
			delete(s.flows, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired flows", "count", removed)
	}
	return removed
}
