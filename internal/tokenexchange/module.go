package tokenexchange

import (
	"context"

	"onbehalf/internal/api"
)

// OperationExchange is the single operation a token exchange module
// exposes. It takes one argument, "audience".
const OperationExchange = "exchange"

// Module adapts an Engine to the registry's module surface.
type Module struct {
	engine *Engine
}

// NewModule wraps an engine as a DelegationModule.
func NewModule(engine *Engine) *Module {
	return &Module{engine: engine}
}

func (m *Module) Name() string {
	return m.engine.moduleName
}

func (m *Module) Kind() api.ModuleKind {
	return api.ModuleKindTokenExchange
}

func (m *Module) Operations() []string {
	return []string{OperationExchange}
}

func (m *Module) Invoke(ctx context.Context, subject *api.SubjectContext, operation string, args map[string]interface{}) (*api.Result, error) {
	if operation != OperationExchange {
		return nil, api.NewNotFoundError("operation", operation)
	}

	audience, _ := args["audience"].(string)
	token, cached, err := m.engine.Exchange(ctx, subject, audience)
	if err != nil {
		return nil, err
	}

	// Render through the oauth2 bridge so the token type reaches the
	// caller in canonical form regardless of the IDP's casing.
	bridged := token.ToOAuth2Token()
	return &api.Result{
		Fields: map[string]interface{}{
			"access_token": bridged.AccessToken,
			"token_type":   bridged.Type(),
			"audience":     audience,
			"expires_at":   bridged.Expiry,
			"scope":        token.Scope,
		},
		Cached: cached,
	}, nil
}

func (m *Module) CheckHealth(ctx context.Context) api.HealthStatus {
	return m.engine.Health()
}

// PurgeSession drops the session's cached tokens. The transport layer
// calls this when a session terminates.
func (m *Module) PurgeSession(sessionID string) {
	m.engine.PurgeSession(sessionID)
}
