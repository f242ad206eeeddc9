// Package common provides shared plumbing for the MCP tool packages: the
// session gate that resolves a call's transport to its session, and the
// wrapper that records metrics, traces and audit entries for every call.
package common
