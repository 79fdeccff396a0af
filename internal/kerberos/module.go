package kerberos

import (
	"context"

	"onbehalf/internal/api"
)

// Operations exposed by a Kerberos delegation module.
const (
	OperationS4U2Self  = "s4u2self"
	OperationS4U2Proxy = "s4u2proxy"
)

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
	return api.ModuleKindKerberos
}

func (m *Module) Operations() []string {
	return []string{OperationS4U2Self, OperationS4U2Proxy}
}

func (m *Module) Invoke(ctx context.Context, subject *api.SubjectContext, operation string, args map[string]interface{}) (*api.Result, error) {
	switch operation {
	case OperationS4U2Self:
		ticket, cached, err := m.engine.S4U2Self(ctx, subject)
		if err != nil {
			return nil, err
		}
		return ticketResult(ticket, cached), nil
	case OperationS4U2Proxy:
		targetSPN, _ := args["targetSpn"].(string)
		ticket, cached, err := m.engine.S4U2Proxy(ctx, subject, targetSPN)
		if err != nil {
			return nil, err
		}
		return ticketResult(ticket, cached), nil
	default:
		return nil, api.NewNotFoundError("operation", operation)
	}
}

func (m *Module) CheckHealth(ctx context.Context) api.HealthStatus {
	return m.engine.Health()
}

// PurgeSession drops the session's cached tickets.
func (m *Module) PurgeSession(sessionID string) {
	m.engine.PurgeSession(sessionID)
}

// Close tears down the KDC session and the allow-list watcher.
func (m *Module) Close() {
	m.engine.Close()
}

func ticketResult(ticket *Ticket, cached bool) *api.Result {
	fields := map[string]interface{}{
		"clientPrincipal":  ticket.ClientPrincipal,
		"servicePrincipal": ticket.ServicePrincipal,
		"flags":            ticket.Flags,
		"issuedAt":         ticket.IssuedAt,
		"expiresAt":        ticket.ExpiresAt,
	}
	if ticket.TargetSPN != "" {
		fields["targetSpn"] = ticket.TargetSPN
		fields["delegatedFrom"] = ticket.DelegatedFrom
	}
	return &api.Result{Fields: fields, Cached: cached}
}
