package kerberos

import (
	"context"
	"testing"

	"onbehalf/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleInvokeProxy(t *testing.T) {
	module := NewModule(newTestEngine(t, &fakeExchanger{}, nil))
	assert.Equal(t, "ad-delegation", module.Name())
	assert.Equal(t, api.ModuleKindKerberos, module.Kind())
	assert.ElementsMatch(t, []string{OperationS4U2Self, OperationS4U2Proxy}, module.Operations())

	result, err := module.Invoke(context.Background(), mappedSubject("sess-1"), OperationS4U2Proxy,
		map[string]interface{}{"targetSpn": testSPN})
	require.NoError(t, err)
	assert.Equal(t, testSPN, result.Fields["targetSpn"])
	assert.Equal(t, "jdoe@"+testRealm, result.Fields["clientPrincipal"])
	assert.NotEmpty(t, result.Fields["delegatedFrom"])
}

func TestModuleInvokeSelfOmitsProxyFields(t *testing.T) {
	module := NewModule(newTestEngine(t, &fakeExchanger{}, nil))

	result, err := module.Invoke(context.Background(), mappedSubject("sess-1"), OperationS4U2Self, nil)
	require.NoError(t, err)
	assert.NotContains(t, result.Fields, "targetSpn")
	assert.NotContains(t, result.Fields, "delegatedFrom")
}

func TestModuleInvokeUnknownOperation(t *testing.T) {
	module := NewModule(newTestEngine(t, &fakeExchanger{}, nil))

	_, err := module.Invoke(context.Background(), mappedSubject("sess-1"), "forge", nil)
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}
