package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"onbehalf/internal/api"
	"onbehalf/internal/config"
	"onbehalf/internal/delegation"
	"onbehalf/internal/testing/mock"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoModule records invocations and returns its inputs.
type echoModule struct {
	name    string
	ops     []string
	purged  []string
	lastArg map[string]interface{}
	err     error
}

func (m *echoModule) Name() string           { return m.name }
func (m *echoModule) Kind() api.ModuleKind   { return api.ModuleKindTokenExchange }
func (m *echoModule) Operations() []string   { return m.ops }
func (m *echoModule) PurgeSession(id string) { m.purged = append(m.purged, id) }

func (m *echoModule) Invoke(ctx context.Context, subject *api.SubjectContext, operation string, args map[string]interface{}) (*api.Result, error) {
	m.lastArg = args
	if m.err != nil {
		return nil, m.err
	}
	return &api.Result{
		Fields: map[string]interface{}{
			"subject":   subject.SubjectID,
			"operation": operation,
		},
		Cached: true,
	}, nil
}

func (m *echoModule) CheckHealth(ctx context.Context) api.HealthStatus {
	return api.HealthStatus{State: api.HealthOK}
}

func newTestBroker(t *testing.T, modules ...api.DelegationModule) *Broker {
	t.Helper()
	registry := delegation.NewRegistry()
	for _, module := range modules {
		require.NoError(t, registry.Register(module))
	}
	return NewBroker(config.ServerConfig{Host: "127.0.0.1", Port: 0}, registry)
}

func authedContext(t *testing.T) context.Context {
	t.Helper()
	token := mock.MintToken(map[string]interface{}{
		"sub": "user-42",
		"azp": "chat-frontend",
	})
	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return withBearerToken(context.Background(), req)
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestBuildToolsCoversEveryOperation(t *testing.T) {
	broker := newTestBroker(t,
		&echoModule{name: "m2m", ops: []string{"exchange"}},
		&echoModule{name: "ad", ops: []string{"s4u2self", "s4u2proxy"}},
	)

	tools := broker.buildTools()
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Tool.Name)
	}
	assert.ElementsMatch(t, []string{"m2m_exchange", "ad_s4u2self", "ad_s4u2proxy", HealthToolName}, names)
}

func TestOperationToolSchemaRequiresArguments(t *testing.T) {
	broker := newTestBroker(t, &echoModule{name: "m2m", ops: []string{"exchange"}})

	tool := broker.buildOperationTool("m2m", "exchange")
	assert.Equal(t, []string{"audience"}, tool.Tool.InputSchema.Required)
	assert.Contains(t, tool.Tool.InputSchema.Properties, "audience")
}

func TestHandlerRejectsCallsWithoutBearerToken(t *testing.T) {
	module := &echoModule{name: "m2m", ops: []string{"exchange"}}
	broker := newTestBroker(t, module)
	handler := broker.makeOperationHandler("m2m", "exchange")

	result, err := handler(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), string(api.ErrInvalidSubjectToken))
	assert.Nil(t, module.lastArg, "unauthenticated calls must not reach the module")
}

func TestHandlerInvokesModuleWithSubject(t *testing.T) {
	module := &echoModule{name: "m2m", ops: []string{"exchange"}}
	broker := newTestBroker(t, module)
	handler := broker.makeOperationHandler("m2m", "exchange")

	result, err := handler(authedContext(t), mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      "m2m_exchange",
			Arguments: map[string]interface{}{"audience": "crm-api"},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &payload))
	assert.Equal(t, "user-42", payload["subject"])
	assert.Equal(t, "exchange", payload["operation"])
	assert.Equal(t, true, payload["cached"])
	assert.Equal(t, "crm-api", module.lastArg["audience"])
}

func TestHandlerSurfacesDelegationErrorCode(t *testing.T) {
	module := &echoModule{
		name: "ad",
		ops:  []string{"s4u2proxy"},
		err:  api.NewDelegationError("ad", api.ErrTargetNotAllowed, "SPN refused"),
	}
	broker := newTestBroker(t, module)
	handler := broker.makeOperationHandler("ad", "s4u2proxy")

	result, err := handler(authedContext(t), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), string(api.ErrTargetNotAllowed))
}

func TestHealthToolReportsAllModules(t *testing.T) {
	broker := newTestBroker(t,
		&echoModule{name: "m2m", ops: []string{"exchange"}},
		&echoModule{name: "crm-db", ops: []string{"resolveRunAs"}},
	)

	result, err := broker.handleHealth(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)

	var statuses map[string]api.HealthStatus
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &statuses))
	require.Len(t, statuses, 2)
	assert.Equal(t, api.HealthOK, statuses["m2m"].State)
}

func TestSessionTrackerExpiresIdleSessions(t *testing.T) {
	tracker := newSessionTracker()
	current := time.Now()
	tracker.now = func() time.Time { return current }

	tracker.touch("sess-1")
	tracker.touch("sess-2")

	current = current.Add(10 * time.Minute)
	tracker.touch("sess-2")

	current = current.Add(21 * time.Minute)
	expired := tracker.expire(30 * time.Minute)
	assert.Equal(t, []string{"sess-1"}, expired)
	assert.Equal(t, 1, tracker.len())
}

func TestStopWithoutStartFails(t *testing.T) {
	broker := newTestBroker(t, &echoModule{name: "m2m", ops: []string{"exchange"}})
	assert.Error(t, broker.Stop(context.Background()))
}
