// Package oauth implements the OAuth 2.1 authorization server that brokers
// access to a patient record.
//
// A client starts at /authorize with a PKCE challenge. Instead of showing a
// login page the server records a pending flow, sets a signed flow cookie and
// sends the browser to the external record retriever. The retriever posts the
// record back to /ehr-retriever-callback, which builds a session from it and
// redirects the browser to the client with a single-use authorization code.
// The client redeems the code at /token for an opaque bearer token that names
// the session.
//
// Only the authorization_code grant with S256 PKCE is supported. There are no
// refresh tokens; a session lives until it is revoked at /revoke.
package oauth
