package instrumentation

import "github.com/teemow/health-record-mcp/internal/logging"

// Cardinality helpers for labels and log attributes.
//
// Session ids and client ids are unbounded. Session ids never become metric
// labels, and client ids only do when detailed labels are enabled.

var knownCloseReasons = map[string]bool{
	CloseReasonRevoked:  true,
	CloseReasonIdle:     true,
	CloseReasonOrphaned: true,
	CloseReasonShutdown: true,
}

// NormalizeCloseReason maps free-form close reasons onto the fixed label set.
func NormalizeCloseReason(reason string) string {
	if knownCloseReasons[reason] {
		return reason
	}
	return StatusUnknown
}

// hashSessionID keeps audit lines correlatable without leaking session ids.
func hashSessionID(id string) string {
	return logging.HashID(id)
}
