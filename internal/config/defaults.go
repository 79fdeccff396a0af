package config

// Default values applied before the YAML document is unmarshalled on
// top of them. Modules get per-module defaults in ApplyModuleDefaults
// since list entries replace rather than merge.
const (
	DefaultHost = "localhost"
	DefaultPort = 8090

	DefaultCacheTTLSeconds            = 300
	DefaultRenewThresholdSeconds      = 60
	DefaultCacheMaxEntries            = 10000
	DefaultCacheMaxEntriesPerSession  = 16
	DefaultCacheSessionTimeoutMs      = 1800000
	DefaultTokenExchangeMaxTTLSeconds = 300

	DefaultRequiredClaim = "legacy_name"
	DefaultRolesClaim    = "roles"

	DefaultKDCPort = 88
)

// GetDefaultConfig returns the configuration used when no config file
// exists. It is also the base the loader unmarshals onto.
func GetDefaultConfig() Config {
	return Config{
		Mode: ModeProduction,
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
	}
}

// ApplyModuleDefaults fills zero-valued optional fields of a module
// configuration in place.
func ApplyModuleDefaults(module *ModuleConfig) {
	if module.Cache.TTLSeconds == 0 {
		module.Cache.TTLSeconds = DefaultCacheTTLSeconds
	}
	if module.Cache.RenewThresholdSeconds == 0 {
		module.Cache.RenewThresholdSeconds = DefaultRenewThresholdSeconds
	}
	if module.Cache.MaxEntries == 0 {
		module.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if module.Cache.MaxEntriesPerSession == 0 {
		module.Cache.MaxEntriesPerSession = DefaultCacheMaxEntriesPerSession
	}
	if module.Cache.SessionTimeoutMs == 0 {
		module.Cache.SessionTimeoutMs = DefaultCacheSessionTimeoutMs
	}

	if module.TokenExchange != nil && module.TokenExchange.MaxTTLSeconds == 0 {
		module.TokenExchange.MaxTTLSeconds = DefaultTokenExchangeMaxTTLSeconds
	}

	if module.Kerberos != nil && module.Kerberos.KDCPort == 0 {
		module.Kerberos.KDCPort = DefaultKDCPort
	}

	if module.SQL != nil {
		if module.SQL.RequiredClaim == "" {
			module.SQL.RequiredClaim = DefaultRequiredClaim
		}
		if module.SQL.RolesClaim == "" {
			module.SQL.RolesClaim = DefaultRolesClaim
		}
		if module.SQL.TokenExchange.MaxTTLSeconds == 0 {
			module.SQL.TokenExchange.MaxTTLSeconds = DefaultTokenExchangeMaxTTLSeconds
		}
	}
}
