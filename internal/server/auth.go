package server

import (
	"context"
	"net/http"
	"strings"

	"onbehalf/internal/api"
	"onbehalf/internal/identity"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

type contextKey string

const bearerTokenKey contextKey = "bearerToken"

// withBearerToken copies the Authorization bearer token from the HTTP
// request into the context so tool handlers can derive the subject.
// Installed as the streamable HTTP server's context function.
func withBearerToken(ctx context.Context, r *http.Request) context.Context {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
		ctx = context.WithValue(ctx, bearerTokenKey, token)
	}
	return ctx
}

// sessionIDFromContext returns the MCP session id for the current call,
// or empty outside a session (direct in-process invocation).
func sessionIDFromContext(ctx context.Context) string {
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}

// subjectFromContext derives the per-call subject from the bearer token
// the context function stashed. Every tool call goes through this; a
// call without a token never reaches an engine.
func subjectFromContext(ctx context.Context) (*api.SubjectContext, error) {
	raw, _ := ctx.Value(bearerTokenKey).(string)
	if raw == "" {
		return nil, api.NewDelegationError("server", api.ErrInvalidSubjectToken, "missing bearer token")
	}
	return identity.FromBearerToken(raw, sessionIDFromContext(ctx))
}
