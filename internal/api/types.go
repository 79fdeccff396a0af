package api

import (
	"context"
)

// SubjectContext carries the identity claims derived once per
// authenticated call. It is owned by the transport layer, immutable for
// the lifetime of the call, and passed by reference into the engines.
type SubjectContext struct {
	// SubjectID is the stable user identifier (sub claim).
	SubjectID string

	// AuthorizedParty is the OAuth client that obtained the original
	// token (azp claim).
	AuthorizedParty string

	// LegacyName is the optional mapped legacy identity, e.g. an AD
	// SAM account or a database role name. Empty when no mapping exists.
	LegacyName string

	// Scopes are the granted OAuth scopes.
	Scopes []string

	// SessionID identifies the transport session the call belongs to.
	// Used to namespace per-session cache budgets.
	SessionID string

	// BearerToken is the validated subject token presented by the
	// caller. Never logged.
	BearerToken string
}

// ModuleKind enumerates the closed set of delegation engine kinds.
type ModuleKind string

const (
	ModuleKindTokenExchange ModuleKind = "tokenExchange"
	ModuleKindKerberos      ModuleKind = "kerberos"
	ModuleKindSQL           ModuleKind = "sql"
)

// HealthState describes a module's health.
type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// HealthStatus is a module's self-reported health. A module in the down
// state still accepts invocations (fail-fast per call) since downstream
// outages can be transient.
type HealthStatus struct {
	State  HealthState `json:"state"`
	Reason string      `json:"reason,omitempty"`
}

// CacheStats exposes per-engine cache counters for health and
// diagnostics. Read-only outside the owning cache.
type CacheStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	CurrentSize int   `json:"current_size"`
}

// Result is the normalized success value returned by a module operation.
type Result struct {
	// Fields holds operation-specific output (impersonation context,
	// ticket metadata, ...). Values must be JSON-serializable.
	Fields map[string]interface{} `json:"fields"`

	// Cached reports whether the result was served from the engine's
	// cache without an upstream call.
	Cached bool `json:"cached"`
}

// DelegationModule is the uniform surface each engine exposes to the
// registry. Implementations must be safe for concurrent use: many
// in-flight tool invocations share one module instance.
type DelegationModule interface {
	// Name returns the configured module name, unique per deployment.
	Name() string

	// Kind returns the backing engine kind.
	Kind() ModuleKind

	// Operations lists the operation names the module accepts.
	Operations() []string

	// Invoke executes one named operation for the given subject.
	// Failures are returned as *DelegationError; the registry forwards
	// them unmodified.
	Invoke(ctx context.Context, subject *SubjectContext, operation string, args map[string]interface{}) (*Result, error)

	// CheckHealth reports the module's current health. It must be cheap
	// enough to call on every health poll and must not mutate caches.
	CheckHealth(ctx context.Context) HealthStatus
}
