package session

import (
	"context"
	"time"

	"github.com/teemow/health-record-mcp/internal/instrumentation"
	"github.com/teemow/health-record-mcp/internal/logging"
)

// RunSweeper closes sessions that have been idle longer than idleTimeout,
// checking every interval until ctx is done. A non-positive idleTimeout
// disables sweeping and RunSweeper simply waits for ctx.
func (st *Store) RunSweeper(ctx context.Context, interval, idleTimeout time.Duration) error {
	if idleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}

	st.logger.Info("Idle session sweep enabled",
		"interval", interval.String(),
		"idle_timeout", idleTimeout.String(),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			st.sweepIdle(ctx, now, idleTimeout)
		}
	}
}

// sweepIdle closes every session last used before now-idleTimeout and
// returns how many were closed.
func (st *Store) sweepIdle(ctx context.Context, now time.Time, idleTimeout time.Duration) int {
	cutoff := now.Add(-idleTimeout)
	swept := 0
	for _, s := range st.live.snapshot() {
		if !s.LastUsed().Before(cutoff) {
			continue
		}
		if err := st.Close(ctx, s, instrumentation.CloseReasonIdle); err != nil {
			st.logger.Warn("Failed to close idle session", logging.Session(s.ID), logging.Err(err))
		}
		swept++
	}
	if swept > 0 {
		st.logger.Info("Swept idle sessions", "count", swept)
	}
	return swept
}
