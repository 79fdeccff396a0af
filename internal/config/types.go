package config

import "time"

// DeploymentMode is the explicit, typed deployment mode threaded through
// engine construction. It replaces ambient environment checks: nothing
// in the core reads an environment variable to decide security posture.
type DeploymentMode string

const (
	// ModeProduction enforces the full security posture (HTTPS-only
	// token endpoints). This is the default.
	ModeProduction DeploymentMode = "production"

	// ModeDevelopment relaxes HTTPS enforcement for local test setups.
	// Selecting it is an explicit, auditable configuration decision.
	ModeDevelopment DeploymentMode = "development"
)

// AllowInsecureTransport reports whether plain HTTP endpoints are
// acceptable under this mode.
func (m DeploymentMode) AllowInsecureTransport() bool {
	return m == ModeDevelopment
}

// Valid reports whether the mode is one of the known values.
func (m DeploymentMode) Valid() bool {
	return m == ModeProduction || m == ModeDevelopment
}

// Config is the top-level configuration document.
type Config struct {
	// Mode selects the deployment mode. Defaults to production.
	Mode DeploymentMode `yaml:"mode"`

	// Server configures the MCP transport listener.
	Server ServerConfig `yaml:"server"`

	// Modules declares the delegation modules to register at startup.
	Modules []ModuleConfig `yaml:"modules"`
}

// ServerConfig configures the MCP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SessionIdleTimeout returns the shortest configured per-module session
// timeout. Sessions idle beyond it get their cached credentials purged.
func (c Config) SessionIdleTimeout() time.Duration {
	timeout := time.Duration(DefaultCacheSessionTimeoutMs) * time.Millisecond
	for _, module := range c.Modules {
		if module.Cache.SessionTimeoutMs > 0 {
			candidate := time.Duration(module.Cache.SessionTimeoutMs) * time.Millisecond
			if candidate < timeout {
				timeout = candidate
			}
		}
	}
	return timeout
}

// ModuleConfig declares one named delegation module. Exactly one of the
// kind-specific sections must be set, matching Kind.
type ModuleConfig struct {
	// Name is the module name, unique per deployment.
	Name string `yaml:"name"`

	// Kind is one of tokenExchange, kerberos, sql.
	Kind string `yaml:"kind"`

	// Enabled gates registration; disabled modules are skipped with a
	// log line rather than an error.
	Enabled bool `yaml:"enabled"`

	TokenExchange *TokenExchangeConfig `yaml:"tokenExchange,omitempty"`
	Kerberos      *KerberosConfig      `yaml:"kerberos,omitempty"`
	SQL           *SQLConfig           `yaml:"sql,omitempty"`

	// Cache configures the module's ticket/token cache.
	Cache CacheConfig `yaml:"cache"`
}

// TokenExchangeConfig configures an RFC 8693 token exchange stage.
type TokenExchangeConfig struct {
	// TokenEndpoint is the IDP token endpoint URL. HTTPS is required
	// outside development mode.
	TokenEndpoint string `yaml:"tokenEndpoint"`

	// ClientID and ClientSecret are the engine's own confidential
	// client credentials at the IDP.
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`

	// SubjectClientID is the azp expected on inbound subject tokens:
	// the OAuth client that obtained the original token. A subject
	// token carrying any other azp is rejected before any network call.
	SubjectClientID string `yaml:"subjectClientId"`

	// Scopes is the space-separated scope set requested on exchange.
	Scopes string `yaml:"scopes"`

	// MaxTTLSeconds caps the cache TTL for exchanged tokens. The
	// effective TTL is min(token lifetime, this value).
	MaxTTLSeconds int `yaml:"maxTtlSeconds"`
}

// KerberosConfig configures a constrained delegation engine.
type KerberosConfig struct {
	// Realm is the Kerberos realm, e.g. COMPANY.COM.
	Realm string `yaml:"realm"`

	// KDCHost and KDCPort locate the domain controller.
	KDCHost string `yaml:"kdcHost"`
	KDCPort int    `yaml:"kdcPort"`

	// ServiceAccount is the engine's own service principal, the
	// account holding constrained delegation rights.
	ServiceAccount string `yaml:"serviceAccount"`

	// KeytabPath is the keytab holding the service account's keys.
	KeytabPath string `yaml:"keytabPath"`

	// Krb5ConfPath optionally points at a krb5.conf; when empty a
	// minimal configuration is synthesized from Realm and KDCHost.
	Krb5ConfPath string `yaml:"krb5ConfPath,omitempty"`

	// AllowedDelegationTargets is the static SPN allow-list.
	AllowedDelegationTargets []string `yaml:"allowedDelegationTargets"`

	// AllowedTargetsFile optionally points at a file with one SPN per
	// line; the file is hot-reloaded on change and replaces the static
	// list.
	AllowedTargetsFile string `yaml:"allowedTargetsFile,omitempty"`
}

// SQLConfig configures a per-database-instance delegation engine.
// Each instance carries its own exchange stage, audience, and cache
// namespace; instances never share cache entries.
type SQLConfig struct {
	// Audience is the database's audience at the IDP.
	Audience string `yaml:"audience"`

	// TokenExchange is this instance's exchange stage configuration.
	TokenExchange TokenExchangeConfig `yaml:"tokenExchange"`

	// RequiredClaim names the claim on the exchanged token that must
	// be present and carries the legacy username. Default: legacy_name.
	RequiredClaim string `yaml:"requiredClaim,omitempty"`

	// RolesClaim names the claim carrying the role list on the
	// exchanged token. Default: roles.
	RolesClaim string `yaml:"rolesClaim,omitempty"`
}

// CacheConfig configures a module's ticket/token cache.
type CacheConfig struct {
	TTLSeconds            int `yaml:"ttlSeconds"`
	RenewThresholdSeconds int `yaml:"renewThresholdSeconds"`
	MaxEntries            int `yaml:"maxEntries"`
	MaxEntriesPerSession  int `yaml:"maxEntriesPerSession"`
	SessionTimeoutMs      int `yaml:"sessionTimeoutMs"`
}
