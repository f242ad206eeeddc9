// Package logging provides structured logging utilities for the health record
// MCP server.
//
// This package centralizes logging patterns to ensure consistent, structured logging
// throughout the codebase using the standard library's slog package.
//
// # Key Features
//
//   - Structured logging with slog
//   - Opaque identifier hashing (session and transport ids)
//   - Consistent attribute naming across the codebase
//   - Optional size-rotated log file output
//
// # Usage Patterns
//
// Create a logger with standard attributes:
//
//	logger := logging.WithOperation(slog.Default(), "oauth.exchange")
//	logger.Info("token issued",
//	    logging.ClientID(clientID),
//	    logging.Session(sess.ID))
//
// # Security Considerations
//
//   - Access tokens, authorization codes and flow ids are never logged directly
//   - Session and transport ids are hashed so lines can still be correlated
package logging
