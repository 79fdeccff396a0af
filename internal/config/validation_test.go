package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTokenExchange() *TokenExchangeConfig {
	return &TokenExchangeConfig{
		TokenEndpoint:   "https://idp.example.com/token",
		ClientID:        "mcp-oauth",
		ClientSecret:    "secret",
		SubjectClientID: "contextflow",
		MaxTTLSeconds:   300,
	}
}

func validConfig() Config {
	config := GetDefaultConfig()
	config.Modules = []ModuleConfig{
		{
			Name:          "exchange-main",
			Kind:          "tokenExchange",
			Enabled:       true,
			TokenExchange: validTokenExchange(),
		},
	}
	for i := range config.Modules {
		ApplyModuleDefaults(&config.Modules[i])
	}
	return config
}

func TestValidateEndpointURL(t *testing.T) {
	t.Run("https always allowed", func(t *testing.T) {
		assert.NoError(t, ValidateEndpointURL("https://idp.example.com/token", ModeProduction))
		assert.NoError(t, ValidateEndpointURL("https://idp.example.com/token", ModeDevelopment))
	})

	t.Run("http rejected in production", func(t *testing.T) {
		err := ValidateEndpointURL("http://idp.example.com/token", ModeProduction)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTPS")
	})

	t.Run("http allowed in development", func(t *testing.T) {
		assert.NoError(t, ValidateEndpointURL("http://localhost:9999/token", ModeDevelopment))
	})

	t.Run("empty and garbage rejected", func(t *testing.T) {
		assert.Error(t, ValidateEndpointURL("", ModeProduction))
		assert.Error(t, ValidateEndpointURL("ftp://idp.example.com", ModeDevelopment))
	})
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	config := validConfig()
	assert.NoError(t, Validate(&config))
}

func TestValidateRejectsBadMode(t *testing.T) {
	config := validConfig()
	config.Mode = "staging"
	assert.Error(t, Validate(&config))
}

func TestValidateRejectsDuplicateModuleNames(t *testing.T) {
	config := validConfig()
	config.Modules = append(config.Modules, config.Modules[0])
	err := Validate(&config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than once")
}

func TestValidateRejectsSameSubjectAndEngineClient(t *testing.T) {
	config := validConfig()
	config.Modules[0].TokenExchange.SubjectClientID = config.Modules[0].TokenExchange.ClientID
	err := Validate(&config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestValidateKerberosModule(t *testing.T) {
	base := func() ModuleConfig {
		module := ModuleConfig{
			Name:    "kerb-files",
			Kind:    "kerberos",
			Enabled: true,
			Kerberos: &KerberosConfig{
				Realm:                    "COMPANY.COM",
				KDCHost:                  "dc01.company.com",
				ServiceAccount:           "svc-broker",
				KeytabPath:               "/etc/onbehalf/svc-broker.keytab",
				AllowedDelegationTargets: []string{"MSSQLSvc/sql01.company.com:1433"},
			},
		}
		ApplyModuleDefaults(&module)
		return module
	}

	t.Run("valid", func(t *testing.T) {
		module := base()
		assert.NoError(t, validateModule(&module, ModeProduction))
		assert.Equal(t, DefaultKDCPort, module.Kerberos.KDCPort)
	})

	t.Run("lowercase realm rejected", func(t *testing.T) {
		module := base()
		module.Kerberos.Realm = "company.com"
		assert.Error(t, validateModule(&module, ModeProduction))
	})

	t.Run("empty allow-list rejected", func(t *testing.T) {
		module := base()
		module.Kerberos.AllowedDelegationTargets = nil
		assert.Error(t, validateModule(&module, ModeProduction))
	})

	t.Run("allow-list file instead of static list accepted", func(t *testing.T) {
		module := base()
		module.Kerberos.AllowedDelegationTargets = nil
		module.Kerberos.AllowedTargetsFile = "/etc/onbehalf/targets.list"
		assert.NoError(t, validateModule(&module, ModeProduction))
	})
}

func TestValidateSQLModule(t *testing.T) {
	module := ModuleConfig{
		Name:    "sql-prod",
		Kind:    "sql",
		Enabled: true,
		SQL: &SQLConfig{
			Audience:      "postgres-prod",
			TokenExchange: *validTokenExchange(),
		},
	}
	ApplyModuleDefaults(&module)

	assert.NoError(t, validateModule(&module, ModeProduction))
	assert.Equal(t, DefaultRequiredClaim, module.SQL.RequiredClaim)
	assert.Equal(t, DefaultRolesClaim, module.SQL.RolesClaim)

	module.SQL.Audience = ""
	assert.Error(t, validateModule(&module, ModeProduction))
}

func TestValidateUnknownKind(t *testing.T) {
	module := ModuleConfig{Name: "x", Kind: "ldap"}
	assert.Error(t, validateModule(&module, ModeProduction))
}
