package delegation

import (
	"context"
	"testing"

	"onbehalf/internal/api"
	"onbehalf/internal/config"
	"onbehalf/internal/testing/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubModule is a minimal DelegationModule for registry tests.
type stubModule struct {
	name       string
	invoked    int
	purged     []string
	closed     bool
	invokeErr error
	lastOp    string
}

func (s *stubModule) Name() string           { return s.name }
func (s *stubModule) Kind() api.ModuleKind   { return api.ModuleKindTokenExchange }
func (s *stubModule) Operations() []string   { return []string{"exchange"} }
func (s *stubModule) PurgeSession(id string) { s.purged = append(s.purged, id) }
func (s *stubModule) Close()                 { s.closed = true }

func (s *stubModule) Invoke(ctx context.Context, subject *api.SubjectContext, operation string, args map[string]interface{}) (*api.Result, error) {
	s.invoked++
	s.lastOp = operation
	if s.invokeErr != nil {
		return nil, s.invokeErr
	}
	return &api.Result{Fields: map[string]interface{}{"module": s.name}}, nil
}

func (s *stubModule) CheckHealth(ctx context.Context) api.HealthStatus {
	return api.HealthStatus{State: api.HealthOK}
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubModule{name: "m2m"}))

	err := registry.Register(&stubModule{name: "m2m"})
	require.Error(t, err)
	assert.True(t, api.IsDuplicate(err))
}

func TestInvokeRoutesToNamedModule(t *testing.T) {
	registry := NewRegistry()
	first := &stubModule{name: "m2m"}
	second := &stubModule{name: "crm-db"}
	require.NoError(t, registry.Register(first))
	require.NoError(t, registry.Register(second))

	subject := &api.SubjectContext{SubjectID: "user-42"}
	result, err := registry.Invoke(context.Background(), "crm-db", subject, "exchange", nil)
	require.NoError(t, err)
	assert.Equal(t, "crm-db", result.Fields["module"])
	assert.Equal(t, 0, first.invoked)
	assert.Equal(t, 1, second.invoked)
}

func TestInvokeUnknownModule(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Invoke(context.Background(), "ghost", &api.SubjectContext{}, "exchange", nil)
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}

func TestInvokeForwardsModuleErrorsUnmodified(t *testing.T) {
	moduleErr := api.NewDelegationError("m2m", api.ErrTargetNotAllowed, "refused")
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubModule{name: "m2m", invokeErr: moduleErr}))

	_, err := registry.Invoke(context.Background(), "m2m", &api.SubjectContext{}, "exchange", nil)
	assert.Same(t, moduleErr, err)
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, registry.Register(&stubModule{name: name}))
	}

	var names []string
	for _, module := range registry.List() {
		names = append(names, module.Name())
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
}

func TestPurgeSessionReachesEveryModule(t *testing.T) {
	registry := NewRegistry()
	first := &stubModule{name: "m2m"}
	second := &stubModule{name: "crm-db"}
	require.NoError(t, registry.Register(first))
	require.NoError(t, registry.Register(second))

	registry.PurgeSession("sess-1")
	assert.Equal(t, []string{"sess-1"}, first.purged)
	assert.Equal(t, []string{"sess-1"}, second.purged)
}

func TestCloseReachesEveryModule(t *testing.T) {
	registry := NewRegistry()
	module := &stubModule{name: "m2m"}
	require.NoError(t, registry.Register(module))

	registry.Close()
	assert.True(t, module.closed)
}

func TestHealthCheckPollsAllModules(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubModule{name: "m2m"}))
	require.NoError(t, registry.Register(&stubModule{name: "crm-db"}))

	statuses := registry.HealthCheck(context.Background())
	require.Len(t, statuses, 2)
	assert.Equal(t, api.HealthOK, statuses["m2m"].State)
}

func TestBuildRegistryFromConfig(t *testing.T) {
	idp := mock.NewIDPServer(mock.IDPConfig{ClientID: "broker", ClientSecret: "secret"})
	defer idp.Close()

	cfg := config.Config{
		Mode: config.ModeDevelopment,
		Modules: []config.ModuleConfig{
			{
				Name:    "m2m-tokens",
				Kind:    "tokenExchange",
				Enabled: true,
				TokenExchange: &config.TokenExchangeConfig{
					TokenEndpoint:   idp.TokenEndpoint(),
					ClientID:        "broker",
					ClientSecret:    "secret",
					SubjectClientID: "frontend",
					MaxTTLSeconds:   300,
				},
			},
			{
				Name:    "disabled-db",
				Kind:    "sql",
				Enabled: false,
			},
		},
	}

	registry, err := BuildRegistry(cfg, BuildOptions{})
	require.NoError(t, err)
	defer registry.Close()

	assert.Len(t, registry.List(), 1, "disabled modules are skipped")
	module, err := registry.Get("m2m-tokens")
	require.NoError(t, err)
	assert.Equal(t, api.ModuleKindTokenExchange, module.Kind())
}

func TestBuildRegistryRejectsUnknownKind(t *testing.T) {
	cfg := config.Config{
		Mode: config.ModeDevelopment,
		Modules: []config.ModuleConfig{
			{Name: "odd", Kind: "ldap", Enabled: true},
		},
	}
	_, err := BuildRegistry(cfg, BuildOptions{})
	require.Error(t, err)
	assert.Equal(t, api.ErrConfiguration, api.CodeOf(err))
}
