// Package server wires the MCP server, the OAuth endpoints and the session
// lifecycle into one HTTP surface.
//
// # Key Components
//
// ServerContext carries the collaborators tool handlers need: the session
// store, the transport binder, tool limits, metrics and the audit logger.
//
// NewMCPServer creates the mcp-go server and links its client sessions to
// the binder. A new SSE connection is attached to the session behind its
// bearer token. A disconnect detaches it. Closing a session, by revocation,
// idle sweep or shutdown, detaches every transport bound to it and ends the
// SSE stream.
//
// HTTPServer mounts:
//   - the OAuth 2.1 endpoints (metadata, authorize, retriever callback,
//     token, register, revoke), each behind the per-IP rate limiter
//   - GET /mcp-sse, which requires a bearer token
//   - POST /mcp-messages, which answers 404 for transports the binder does
//     not know
//   - /healthz, /readyz and /healthz/detailed
//
// Every route records request count and latency under its pattern.
//
// MetricsServer exposes Prometheus metrics on a separate listener.
package server
