package kerberos

import (
	"context"
	"errors"
	"strings"
	"time"

	"onbehalf/internal/api"
	"onbehalf/internal/audit"
	"onbehalf/internal/cache"
	"onbehalf/internal/config"
	"onbehalf/internal/health"
	"onbehalf/pkg/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/messages"
)

const (
	// selfTarget namespaces self tickets in the cache; a real SPN can
	// never collide with it because SPNs contain a service class.
	selfTarget = "@self"

	maxRetries = 3
)

// Engine performs Kerberos constrained delegation (S4U2Self followed by
// S4U2Proxy) for one realm, gated by an SPN allow-list. The allow-list
// is consulted on every call, including cache hits, so hot-reloaded
// removals take effect immediately.
type Engine struct {
	moduleName string
	realm      string
	allowList  *config.AllowList
	exch       exchanger

	selfCache  *cache.Cache[*Ticket]
	proxyCache *cache.Cache[*Ticket]
	recorder   *audit.Recorder
	tracker    *health.Tracker

	ttlMax time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditSink routes audit events to a custom sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(e *Engine) { e.recorder = audit.NewRecorder(sink) }
}

// withExchanger substitutes the KDC exchanger. Tests only.
func withExchanger(x exchanger) Option {
	return func(e *Engine) { e.exch = x }
}

// NewEngine builds a delegation engine. The allow-list comes from the
// static config or, when configured, a hot-reloaded file; the KDC
// session is established here so a bad keytab fails startup.
func NewEngine(moduleName string, cfg config.KerberosConfig, cacheCfg config.CacheConfig, opts ...Option) (*Engine, error) {
	allowList, err := buildAllowList(cfg)
	if err != nil {
		return nil, api.WrapDelegationError(moduleName, api.ErrConfiguration, err, "delegation target allow-list")
	}

	engine := &Engine{
		moduleName: moduleName,
		realm:      strings.ToUpper(cfg.Realm),
		allowList:  allowList,
		selfCache: cache.New[*Ticket](cache.Options{
			MaxEntries:           cacheCfg.MaxEntries,
			MaxEntriesPerSession: cacheCfg.MaxEntriesPerSession,
		}),
		proxyCache: cache.New[*Ticket](cache.Options{
			MaxEntries:           cacheCfg.MaxEntries,
			MaxEntriesPerSession: cacheCfg.MaxEntriesPerSession,
		}),
		recorder: audit.NewRecorder(nil),
		tracker:  health.NewTracker(),
		ttlMax:   time.Duration(cacheCfg.TTLSeconds) * time.Second,
	}
	for _, opt := range opts {
		opt(engine)
	}

	if engine.exch == nil {
		exch, err := newKRBExchanger(cfg)
		if err != nil {
			allowList.StopWatch()
			return nil, api.WrapDelegationError(moduleName, api.ErrConfiguration, err, "KDC session")
		}
		engine.exch = exch
	}
	return engine, nil
}

func buildAllowList(cfg config.KerberosConfig) (*config.AllowList, error) {
	if cfg.AllowedTargetsFile != "" {
		list, err := config.NewAllowListFromFile(cfg.AllowedTargetsFile)
		if err != nil {
			return nil, err
		}
		if err := list.Watch(); err != nil {
			return nil, err
		}
		return list, nil
	}
	return config.NewAllowList(cfg.AllowedDelegationTargets), nil
}

// Close stops the allow-list watcher and tears down the KDC session.
func (e *Engine) Close() {
	e.allowList.StopWatch()
	e.exch.Close()
}

// S4U2Self obtains a ticket to the broker's own service naming the
// subject's mapped legacy principal as client. The boolean reports a
// cache hit.
func (e *Engine) S4U2Self(ctx context.Context, subject *api.SubjectContext) (*Ticket, bool, error) {
	done := e.recorder.Attempt(subject.SubjectID, e.moduleName, "s4u2self")
	ticket, cached, err := e.selfTicket(ctx, subject)
	if err != nil {
		done(string(api.CodeOf(err)), false)
		return nil, false, err
	}
	done(audit.OutcomeSuccess, cached)
	return ticket, cached, nil
}

func (e *Engine) selfTicket(ctx context.Context, subject *api.SubjectContext) (*Ticket, bool, error) {
	principal, err := e.mappedPrincipal(subject)
	if err != nil {
		return nil, false, err
	}

	key := cache.Key{Session: subject.SessionID, Identity: principal, Target: selfTarget}
	entry, cached, err := e.selfCache.GetOrAcquire(ctx, key, func(acquireCtx context.Context) (*Ticket, time.Duration, error) {
		ticket, err := e.withRetry(acquireCtx, func(c context.Context) (*Ticket, error) {
			return e.exch.SelfTicket(c, principal)
		})
		if err != nil {
			return nil, 0, err
		}
		logging.Info("Kerberos", "Obtained self ticket for %s (expires %s)", principal, ticket.ExpiresAt.Format(time.RFC3339))
		return ticket, e.cacheTTL(ticket), nil
	})
	if err != nil {
		return nil, false, err
	}
	return entry.Value, cached, nil
}

// S4U2Proxy obtains a ticket to targetSPN on the subject's behalf. The
// allow-list is checked before any KDC traffic and again on cache hits.
func (e *Engine) S4U2Proxy(ctx context.Context, subject *api.SubjectContext, targetSPN string) (*Ticket, bool, error) {
	done := e.recorder.Attempt(subject.SubjectID, e.moduleName, "s4u2proxy")
	ticket, cached, err := e.proxyTicket(ctx, subject, targetSPN)
	if err != nil {
		done(string(api.CodeOf(err)), false)
		return nil, false, err
	}
	done(audit.OutcomeSuccess, cached)
	return ticket, cached, nil
}

func (e *Engine) proxyTicket(ctx context.Context, subject *api.SubjectContext, targetSPN string) (*Ticket, bool, error) {
	if targetSPN == "" {
		return nil, false, api.NewDelegationError(e.moduleName, api.ErrConfiguration, "target SPN is required")
	}
	if !e.allowList.Contains(targetSPN) {
		return nil, false, api.NewDelegationError(e.moduleName, api.ErrTargetNotAllowed,
			"SPN %q is not an approved delegation target", targetSPN)
	}

	principal, err := e.mappedPrincipal(subject)
	if err != nil {
		return nil, false, err
	}

	key := cache.Key{Session: subject.SessionID, Identity: principal, Target: strings.ToLower(targetSPN)}
	entry, cached, err := e.proxyCache.GetOrAcquire(ctx, key, func(acquireCtx context.Context) (*Ticket, time.Duration, error) {
		evidence, _, err := e.selfTicket(acquireCtx, subject)
		if err != nil {
			return nil, 0, err
		}
		ticket, err := e.withRetry(acquireCtx, func(c context.Context) (*Ticket, error) {
			return e.exch.ProxyTicket(c, evidence, targetSPN)
		})
		if err != nil {
			return nil, 0, err
		}
		logging.Info("Kerberos", "Obtained proxy ticket for %s to %s (flags %v)", principal, targetSPN, ticket.Flags)
		return ticket, e.cacheTTL(ticket), nil
	})
	if err != nil {
		return nil, false, err
	}
	return entry.Value, cached, nil
}

// mappedPrincipal resolves the subject to a realm-qualified principal.
// Delegation without a legacy identity mapping has no one to
// impersonate and fails as an identity resolution error.
func (e *Engine) mappedPrincipal(subject *api.SubjectContext) (string, error) {
	if subject.LegacyName == "" {
		return "", api.NewDelegationError(e.moduleName, api.ErrMissingPrincipalMapping,
			"subject %s has no legacy principal mapping", logging.TruncateSubject(subject.SubjectID))
	}
	name, realm := splitPrincipal(subject.LegacyName, e.realm)
	return name + "@" + realm, nil
}

// cacheTTL returns min(ticket lifetime, configured TTL).
func (e *Engine) cacheTTL(ticket *Ticket) time.Duration {
	ttl := ticket.Lifetime()
	if e.ttlMax > 0 && (ttl == 0 || ttl > e.ttlMax) {
		ttl = e.ttlMax
	}
	return ttl
}

// withRetry runs one KDC exchange, retrying only unreachable-KDC
// failures. KDC policy refusals are terminal and surface unchanged.
func (e *Engine) withRetry(ctx context.Context, fn func(context.Context) (*Ticket, error)) (*Ticket, error) {
	var ticket *Ticket

	operation := func() error {
		result, err := fn(ctx)
		if err != nil {
			classified := e.classify(err)
			if api.CodeOf(classified) == api.ErrKdcUnreachable {
				return classified
			}
			return backoff.Permanent(classified)
		}
		ticket = result
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 15 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx)); err != nil {
		if api.CodeOf(err) == api.ErrKdcUnreachable {
			e.tracker.RecordFailure(err.Error())
		}
		return nil, err
	}
	e.tracker.RecordSuccess()
	return ticket, nil
}

// classify maps exchanger failures onto the error taxonomy. KRB-ERROR
// codes separate unknown principals and policy refusals from transport
// failures; everything else is treated as an unreachable KDC.
func (e *Engine) classify(err error) error {
	var delegErr *api.DelegationError
	if errors.As(err, &delegErr) {
		return err
	}

	var krbErr messages.KRBError
	if errors.As(err, &krbErr) {
		switch krbErr.ErrorCode {
		case errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN, errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN:
			return api.WrapDelegationError(e.moduleName, api.ErrPrincipalUnknown, err,
				"KDC does not recognize the principal")
		case errorcode.KDC_ERR_BADOPTION, errorcode.KDC_ERR_POLICY:
			return api.WrapDelegationError(e.moduleName, api.ErrDelegationNotPermitted, err,
				"KDC refused the delegation; check msDS-AllowedToDelegateTo on the service account")
		default:
			return api.WrapDelegationError(e.moduleName, api.ErrDelegationNotPermitted, err,
				"KDC error %d", krbErr.ErrorCode)
		}
	}
	return api.WrapDelegationError(e.moduleName, api.ErrKdcUnreachable, err, "KDC exchange failed")
}

// AllowedTargets returns the current allow-list members.
func (e *Engine) AllowedTargets() []string {
	return e.allowList.Snapshot()
}

// Health returns the engine's aggregated KDC health.
func (e *Engine) Health() api.HealthStatus {
	return e.tracker.Status()
}

// CacheStats merges the self and proxy cache counters.
func (e *Engine) CacheStats() api.CacheStats {
	selfStats, proxyStats := e.selfCache.Stats(), e.proxyCache.Stats()
	return api.CacheStats{
		Hits:        selfStats.Hits + proxyStats.Hits,
		Misses:      selfStats.Misses + proxyStats.Misses,
		Evictions:   selfStats.Evictions + proxyStats.Evictions,
		CurrentSize: selfStats.CurrentSize + proxyStats.CurrentSize,
	}
}

// PurgeSession drops every cached ticket belonging to one session.
func (e *Engine) PurgeSession(sessionID string) {
	e.selfCache.PurgeSession(sessionID)
	e.proxyCache.PurgeSession(sessionID)
}
