package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateEndpointURL is the single authoritative transport-security
// check for IDP endpoints: HTTPS is required unless the deployment mode
// explicitly allows insecure transport. Both the configuration
// validator and the engine constructors call this function; the rule is
// never re-implemented elsewhere.
func ValidateEndpointURL(raw string, mode DeploymentMode) error {
	if raw == "" {
		return fmt.Errorf("endpoint URL is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL %q: %w", raw, err)
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if mode.AllowInsecureTransport() {
			return nil
		}
		return fmt.Errorf("endpoint %q must use HTTPS in %s mode", raw, mode)
	default:
		return fmt.Errorf("endpoint %q has unsupported scheme %q", raw, parsed.Scheme)
	}
}

// Validate checks the whole configuration document. It is called by the
// loader before the configuration reaches any engine; a module that
// fails validation prevents startup rather than failing at first use.
func Validate(config *Config) error {
	if !config.Mode.Valid() {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeProduction, ModeDevelopment, config.Mode)
	}
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", config.Server.Port)
	}

	seen := make(map[string]bool)
	for i := range config.Modules {
		module := &config.Modules[i]
		if module.Name == "" {
			return fmt.Errorf("module %d: name is required", i)
		}
		if seen[module.Name] {
			return fmt.Errorf("module %q declared more than once", module.Name)
		}
		seen[module.Name] = true

		if err := validateModule(module, config.Mode); err != nil {
			return fmt.Errorf("module %q: %w", module.Name, err)
		}
	}
	return nil
}

func validateModule(module *ModuleConfig, mode DeploymentMode) error {
	switch module.Kind {
	case "tokenExchange":
		if module.TokenExchange == nil {
			return fmt.Errorf("kind tokenExchange requires a tokenExchange section")
		}
		return validateTokenExchange(module.TokenExchange, mode)
	case "kerberos":
		if module.Kerberos == nil {
			return fmt.Errorf("kind kerberos requires a kerberos section")
		}
		return validateKerberos(module.Kerberos)
	case "sql":
		if module.SQL == nil {
			return fmt.Errorf("kind sql requires a sql section")
		}
		if module.SQL.Audience == "" {
			return fmt.Errorf("sql audience is required")
		}
		return validateTokenExchange(&module.SQL.TokenExchange, mode)
	default:
		return fmt.Errorf("unknown module kind %q", module.Kind)
	}
}

func validateTokenExchange(te *TokenExchangeConfig, mode DeploymentMode) error {
	if err := ValidateEndpointURL(te.TokenEndpoint, mode); err != nil {
		return err
	}
	if te.ClientID == "" {
		return fmt.Errorf("tokenExchange clientId is required")
	}
	if te.ClientSecret == "" {
		return fmt.Errorf("tokenExchange clientSecret is required")
	}
	if te.SubjectClientID == "" {
		return fmt.Errorf("tokenExchange subjectClientId is required")
	}
	if te.SubjectClientID == te.ClientID {
		// With identical ids the wrong-stage check could never fire and
		// replayed exchanged tokens would pass as fresh subject tokens.
		return fmt.Errorf("subjectClientId must differ from clientId")
	}
	return nil
}

func validateKerberos(kerberos *KerberosConfig) error {
	if kerberos.Realm == "" {
		return fmt.Errorf("kerberos realm is required")
	}
	if kerberos.Realm != strings.ToUpper(kerberos.Realm) {
		return fmt.Errorf("kerberos realm %q must be upper case", kerberos.Realm)
	}
	if kerberos.KDCHost == "" {
		return fmt.Errorf("kerberos kdcHost is required")
	}
	if kerberos.ServiceAccount == "" {
		return fmt.Errorf("kerberos serviceAccount is required")
	}
	if kerberos.KeytabPath == "" {
		return fmt.Errorf("kerberos keytabPath is required")
	}
	if len(kerberos.AllowedDelegationTargets) == 0 && kerberos.AllowedTargetsFile == "" {
		return fmt.Errorf("kerberos requires allowedDelegationTargets or allowedTargetsFile")
	}
	return nil
}
