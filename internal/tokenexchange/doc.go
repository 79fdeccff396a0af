// Package tokenexchange implements RFC 8693 OAuth token exchange
// against a configured IDP token endpoint. One engine serves one
// endpoint; exchanged tokens are cached per (session, subject,
// audience) and validated structurally after issue so a misconfigured
// pass-through IDP is caught before the token reaches a caller.
package tokenexchange
