// Package eval_tools provides the eval tool, which runs caller supplied
// JavaScript against the session's full record in an embedded goja runtime.
//
// Each call gets a fresh runtime. The code runs as the body of an async
// function and its return value, once settled, is serialized with the
// runtime's own JSON.stringify. Console output is captured rather than
// written anywhere.
//
// The runtime is interrupted when the configured timeout elapses. Nothing
// else is isolated: scripts can allocate freely and must come from trusted
// callers.
package eval_tools
