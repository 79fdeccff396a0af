package sqldelegation

import (
	"context"

	"onbehalf/internal/api"
)

// OperationResolveRunAs resolves the subject's run-as directive for
// this database instance. No arguments.
const OperationResolveRunAs = "resolveRunAs"

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
	return api.ModuleKindSQL
}

func (m *Module) Operations() []string {
	return []string{OperationResolveRunAs}
}

func (m *Module) Invoke(ctx context.Context, subject *api.SubjectContext, operation string, args map[string]interface{}) (*api.Result, error) {
	if operation != OperationResolveRunAs {
		return nil, api.NewNotFoundError("operation", operation)
	}

	directive, cached, err := m.engine.ResolveRunAs(ctx, subject)
	if err != nil {
		return nil, err
	}
	return &api.Result{
		Fields: map[string]interface{}{
			"loginName": directive.LoginName,
			"roles":     directive.Roles,
			"audience":  directive.Audience,
			"expiresAt": directive.ExpiresAt,
		},
		Cached: cached,
	}, nil
}

func (m *Module) CheckHealth(ctx context.Context) api.HealthStatus {
	return m.engine.Health()
}

// PurgeSession drops the session's cached exchange tokens.
func (m *Module) PurgeSession(sessionID string) {
	m.engine.PurgeSession(sessionID)
}
