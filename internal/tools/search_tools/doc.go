// Package search_tools provides the search tool, a scoped regular expression
// search over the session's record.
//
// # Scope
//
// The resource_types argument selects what is searched:
//   - omitted or empty: every structured resource and every attachment
//   - ["Attachment"]: attachment text only
//   - types without "Attachment": those resources and the attachments they own
//   - types plus "Attachment": those resources and every attachment
//
// Binary attachment payloads are never matched. Results that exceed the
// response budget are cut to the first 5 resources and 10 attachments, with
// attachment text elided, before falling back to a single error object.
package search_tools
