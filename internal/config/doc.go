// Package config owns configuration loading, defaulting, and validation
// for the delegation broker.
//
// The deployment mode is an explicit typed value (DeploymentMode) that
// engine constructors receive at build time; no component reads
// environment variables to decide security posture. The HTTPS rule for
// IDP endpoints has exactly one implementation, ValidateEndpointURL,
// shared by the config validator and the engine constructors.
//
// Delegation target allow-lists can be static (YAML) or file-backed
// with hot reload (AllowList.Watch), so operators can approve new SPNs
// without restarting in-flight sessions.
package config
