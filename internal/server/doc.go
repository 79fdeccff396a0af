// Package server exposes the delegation registry as an MCP server.
// Tools are generated from the registered modules' operations; every
// call is authenticated by the caller's bearer token, and per-session
// cached credentials are purged when the session closes or goes idle.
package server
