// Package session owns the lifecycle of authorized working sessions.
//
// A Session holds one retrieved record and its read-only relational
// projection. It is reachable through exactly one of two indexes: by
// authorization code while the grant is pending, and by access token once
// the code has been exchanged. Sessions are created fully populated or not
// at all, and are destroyed only by revocation, the optional idle sweep, or
// shutdown.
//
// Tool calls hold a Session through Acquire, which takes a shared lock.
// Close takes the same lock exclusively, so a projection is never torn down
// underneath an in-flight call.
package session
