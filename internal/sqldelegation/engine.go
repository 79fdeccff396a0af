package sqldelegation

import (
	"context"
	"strings"
	"time"

	"onbehalf/internal/api"
	"onbehalf/internal/audit"
	"onbehalf/internal/config"
	"onbehalf/internal/identity"
	"onbehalf/internal/tokenexchange"
	"onbehalf/pkg/logging"
)

// RunAsDirective tells a database connector which legacy login to
// assume for the subject and which roles to activate. It never carries
// the subject's bearer token; the exchanged token's claims are resolved
// here and only the resolved identity leaves the engine.
type RunAsDirective struct {
	// Module names the engine instance that produced the directive.
	Module string `json:"module"`

	// Audience is the database's audience at the IDP.
	Audience string `json:"audience"`

	// LoginName is the legacy database login to run as, lowercased the
	// same way Roles are so equality checks against catalog names are
	// case-insensitive.
	LoginName string `json:"loginName"`

	// Roles are the roles to activate, normalized to lower case.
	Roles []string `json:"roles"`

	// ExpiresAt bounds the directive's validity to the exchanged
	// token's lifetime.
	ExpiresAt time.Time `json:"expiresAt"`
}

// Engine resolves run-as directives for one database instance. Each
// instance owns its exchange stage and cache namespace; two instances
// pointing at the same IDP still never share tokens.
type Engine struct {
	moduleName    string
	audience      string
	requiredClaim string
	rolesClaim    string

	exchanger *tokenexchange.Engine
	recorder  *audit.Recorder
}

// Option configures an Engine.
type Option func(*Engine) []tokenexchange.Option

// WithAuditSink routes audit events to a custom sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(e *Engine) []tokenexchange.Option {
		e.recorder = audit.NewRecorder(sink)
		return nil
	}
}

// WithExchangeOptions forwards options to the inner exchange stage.
func WithExchangeOptions(opts ...tokenexchange.Option) Option {
	return func(*Engine) []tokenexchange.Option { return opts }
}

// NewEngine builds a run-as resolution engine, including its own
// exchange stage keyed to the instance's audience.
func NewEngine(moduleName string, cfg config.SQLConfig, cacheCfg config.CacheConfig, mode config.DeploymentMode, opts ...Option) (*Engine, error) {
	engine := &Engine{
		moduleName:    moduleName,
		audience:      cfg.Audience,
		requiredClaim: cfg.RequiredClaim,
		rolesClaim:    cfg.RolesClaim,
		recorder:      audit.NewRecorder(nil),
	}
	if engine.requiredClaim == "" {
		engine.requiredClaim = config.DefaultRequiredClaim
	}
	if engine.rolesClaim == "" {
		engine.rolesClaim = config.DefaultRolesClaim
	}
	if engine.audience == "" {
		return nil, api.NewDelegationError(moduleName, api.ErrConfiguration, "audience is required")
	}

	var exchangeOpts []tokenexchange.Option
	for _, opt := range opts {
		exchangeOpts = append(exchangeOpts, opt(engine)...)
	}

	exchanger, err := tokenexchange.NewEngine(moduleName, cfg.TokenExchange, cacheCfg, mode, exchangeOpts...)
	if err != nil {
		return nil, err
	}
	engine.exchanger = exchanger
	return engine, nil
}

// ResolveRunAs exchanges the subject's token for this instance's
// audience and derives the run-as directive from the exchanged token's
// claims. The boolean reports whether the underlying token came from
// the cache.
func (e *Engine) ResolveRunAs(ctx context.Context, subject *api.SubjectContext) (*RunAsDirective, bool, error) {
	done := e.recorder.Attempt(subject.SubjectID, e.moduleName, "resolveRunAs")
	directive, cached, err := e.resolve(ctx, subject)
	if err != nil {
		done(string(api.CodeOf(err)), false)
		return nil, false, err
	}
	done(audit.OutcomeSuccess, cached)
	return directive, cached, nil
}

func (e *Engine) resolve(ctx context.Context, subject *api.SubjectContext) (*RunAsDirective, bool, error) {
	token, cached, err := e.exchanger.Exchange(ctx, subject, e.audience)
	if err != nil {
		return nil, false, err
	}

	claims, err := identity.ParseClaims(token.AccessToken)
	if err != nil {
		return nil, false, api.WrapDelegationError(e.moduleName, api.ErrRoleMappingFailed, err,
			"exchanged token is opaque; run-as resolution needs its claims")
	}

	// The exchanged token's claim is authoritative for the login name.
	// The session-level mapping is never trusted for database identity.
	loginName := strings.ToLower(strings.TrimSpace(identity.StringClaim(claims, e.requiredClaim)))
	if loginName == "" {
		return nil, false, api.NewDelegationError(e.moduleName, api.ErrMissingPrincipalMapping,
			"exchanged token for subject %s lacks the %q claim", logging.TruncateSubject(subject.SubjectID), e.requiredClaim)
	}

	roles := identity.StringsClaim(claims, e.rolesClaim)
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role != "" {
			normalized = append(normalized, role)
		}
	}

	return &RunAsDirective{
		Module:    e.moduleName,
		Audience:  e.audience,
		LoginName: loginName,
		Roles:     normalized,
		ExpiresAt: token.ExpiresAt,
	}, cached, nil
}

// Health reports the inner exchange stage's upstream health.
func (e *Engine) Health() api.HealthStatus {
	return e.exchanger.Health()
}

// CacheStats returns the inner exchange stage's cache counters.
func (e *Engine) CacheStats() api.CacheStats {
	return e.exchanger.CacheStats()
}

// PurgeSession drops the session's cached exchange tokens.
func (e *Engine) PurgeSession(sessionID string) {
	e.exchanger.PurgeSession(sessionID)
}
