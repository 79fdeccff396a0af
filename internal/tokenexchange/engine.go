package tokenexchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"onbehalf/internal/api"
	"onbehalf/internal/audit"
	"onbehalf/internal/cache"
	"onbehalf/internal/config"
	"onbehalf/internal/health"
	"onbehalf/internal/identity"
	"onbehalf/pkg/logging"
	"onbehalf/pkg/oauth"

	"github.com/cenkalti/backoff/v4"
)

const (
	// defaultHTTPTimeout bounds a single token endpoint request.
	defaultHTTPTimeout = 30 * time.Second

	// maxRetries caps retry attempts for upstream-unavailable failures.
	// Terminal failures are never retried.
	maxRetries = 3
)

// Engine performs RFC 8693 token exchange against one IDP token
// endpoint, converting an inbound subject token into an actor token
// scoped to a single downstream audience.
//
// Thread-safe: one Engine serves many concurrent calls; per-key
// de-duplication is delegated to the cache.
type Engine struct {
	moduleName string
	cfg        config.TokenExchangeConfig

	httpClient *http.Client
	cache      *cache.Cache[*oauth.Token]
	recorder   *audit.Recorder
	tracker    *health.Tracker

	ttlMax         time.Duration
	renewThreshold time.Duration

	// refreshing dedupes asynchronous near-expiry refreshes per key.
	refreshing sync.Map
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient sets a custom HTTP client (tests, custom TLS).
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) { e.httpClient = client }
}

// WithAuditSink routes audit events to a custom sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(e *Engine) { e.recorder = audit.NewRecorder(sink) }
}

// NewEngine constructs a token exchange engine. The endpoint URL is
// checked against the deployment mode here, at construction: a module
// that would violate transport policy refuses to start instead of
// failing on first use.
func NewEngine(moduleName string, cfg config.TokenExchangeConfig, cacheCfg config.CacheConfig, mode config.DeploymentMode, opts ...Option) (*Engine, error) {
	if err := config.ValidateEndpointURL(cfg.TokenEndpoint, mode); err != nil {
		return nil, api.WrapDelegationError(moduleName, api.ErrConfiguration, err, "token endpoint rejected")
	}
	if mode.AllowInsecureTransport() && strings.HasPrefix(cfg.TokenEndpoint, "http://") {
		logging.Warn("TokenExchange", "Module %s uses a plain HTTP token endpoint (development mode)", moduleName)
	}

	engine := &Engine{
		moduleName: moduleName,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		cache: cache.New[*oauth.Token](cache.Options{
			MaxEntries:           cacheCfg.MaxEntries,
			MaxEntriesPerSession: cacheCfg.MaxEntriesPerSession,
		}),
		recorder:       audit.NewRecorder(nil),
		tracker:        health.NewTracker(),
		ttlMax:         time.Duration(cfg.MaxTTLSeconds) * time.Second,
		renewThreshold: time.Duration(cacheCfg.RenewThresholdSeconds) * time.Second,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Exchange converts the subject's token into an actor token for
// targetAudience. The boolean reports whether the token came from the
// cache. Within the configured TTL, repeated calls return the identical
// cached token; concurrent cold calls for the same (subject, audience)
// result in exactly one IDP request.
func (e *Engine) Exchange(ctx context.Context, subject *api.SubjectContext, targetAudience string) (*oauth.Token, bool, error) {
	done := e.recorder.Attempt(subject.SubjectID, e.moduleName, "exchange")

	token, cached, err := e.exchange(ctx, subject, targetAudience)
	if err != nil {
		done(string(api.CodeOf(err)), false)
		return nil, false, err
	}
	done(audit.OutcomeSuccess, cached)
	return token, cached, nil
}

func (e *Engine) exchange(ctx context.Context, subject *api.SubjectContext, targetAudience string) (*oauth.Token, bool, error) {
	if targetAudience == "" {
		return nil, false, api.NewDelegationError(e.moduleName, api.ErrConfiguration, "target audience is required")
	}
	if err := e.checkTokenStage(subject); err != nil {
		return nil, false, err
	}

	key := cache.Key{
		Session:  subject.SessionID,
		Identity: subject.SubjectID,
		Target:   targetAudience,
	}

	entry, cached, err := e.cache.GetOrAcquire(ctx, key, func(acquireCtx context.Context) (*oauth.Token, time.Duration, error) {
		token, err := e.doExchange(acquireCtx, subject.BearerToken, subject.SubjectID, targetAudience)
		if err != nil {
			return nil, 0, err
		}
		return token, e.cacheTTL(token), nil
	})
	if err != nil {
		return nil, false, err
	}

	// A near-expiry hit is returned immediately; the next caller gets a
	// fresh token without this caller paying the exchange latency.
	if cached && entry.RenewalDue(e.renewThreshold) {
		e.refreshAsync(key, subject, targetAudience)
	}

	return entry.Value, cached, nil
}

// checkTokenStage validates the subject token's azp before any network
// call. Feeding an already-exchanged token back in as a subject token
// is the replay path for privilege escalation and fails closed.
func (e *Engine) checkTokenStage(subject *api.SubjectContext) error {
	azp := subject.AuthorizedParty
	if azp == e.cfg.ClientID {
		return api.NewDelegationError(e.moduleName, api.ErrWrongTokenStage,
			"subject token azp %q is the exchanged client id; an already-exchanged token cannot be exchanged again", azp)
	}
	if azp != e.cfg.SubjectClientID {
		return api.NewDelegationError(e.moduleName, api.ErrAzpMismatch,
			"subject token azp %q does not match expected originating client %q", azp, e.cfg.SubjectClientID)
	}
	return nil
}

// refreshAsync performs one background exchange to replace a
// near-expiry cache entry. At most one refresh per key runs at a time.
func (e *Engine) refreshAsync(key cache.Key, subject *api.SubjectContext, targetAudience string) {
	flightKey := key.String()
	if _, alreadyRunning := e.refreshing.LoadOrStore(flightKey, struct{}{}); alreadyRunning {
		return
	}

	// Snapshot what the goroutine needs; SubjectContext is immutable
	// but owned by the transport layer for the call's lifetime only.
	bearer, subjectID := subject.BearerToken, subject.SubjectID

	go func() {
		defer e.refreshing.Delete(flightKey)

		ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
		defer cancel()

		token, err := e.doExchange(ctx, bearer, subjectID, targetAudience)
		if err != nil {
			logging.Debug("TokenExchange", "Background refresh failed for subject=%s audience=%s: %v",
				logging.TruncateSubject(subjectID), targetAudience, err)
			return
		}
		e.cache.Put(key, token, e.cacheTTL(token))
		logging.Debug("TokenExchange", "Refreshed token for subject=%s audience=%s",
			logging.TruncateSubject(subjectID), targetAudience)
	}()
}

// cacheTTL returns min(token lifetime, configured max TTL).
func (e *Engine) cacheTTL(token *oauth.Token) time.Duration {
	ttl := token.Lifetime()
	if e.ttlMax > 0 && (ttl == 0 || ttl > e.ttlMax) {
		ttl = e.ttlMax
	}
	return ttl
}

// doExchange performs the live RFC 8693 exchange, retrying only
// upstream-unavailable failures with bounded exponential backoff.
func (e *Engine) doExchange(ctx context.Context, subjectToken, subjectID, targetAudience string) (*oauth.Token, error) {
	var token *oauth.Token

	operation := func() error {
		result, err := e.postExchange(ctx, subjectToken, targetAudience)
		if err != nil {
			if api.CodeOf(err) == api.ErrUpstreamUnavailable {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		token = result
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if api.CodeOf(err) == api.ErrUpstreamUnavailable || api.CodeOf(err) == "" {
			e.tracker.RecordFailure(err.Error())
		}
		return nil, err
	}

	if err := e.validateExchangedToken(token, targetAudience); err != nil {
		return nil, err
	}

	e.tracker.RecordSuccess()
	logging.Info("TokenExchange", "Exchanged token for subject=%s audience=%s (expires in %ds)",
		logging.TruncateSubject(subjectID), targetAudience, token.ExpiresIn)
	return token, nil
}

func newBackOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 15 * time.Second
	return policy
}

// postExchange performs a single form-encoded POST to the token
// endpoint and maps the IDP's error codes to the delegation taxonomy.
func (e *Engine) postExchange(ctx context.Context, subjectToken, targetAudience string) (*oauth.Token, error) {
	data := url.Values{
		"grant_type":         {oauth.GrantTypeTokenExchange},
		"subject_token":      {subjectToken},
		"subject_token_type": {oauth.TokenTypeAccessToken},
		"audience":           {targetAudience},
		"client_id":          {e.cfg.ClientID},
		"client_secret":      {e.cfg.ClientSecret},
	}
	if e.cfg.Scopes != "" {
		data.Set("scope", e.cfg.Scopes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.TokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, api.WrapDelegationError(e.moduleName, api.ErrConfiguration, err, "building exchange request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, api.WrapDelegationError(e.moduleName, api.ErrUpstreamUnavailable, err,
			"token endpoint %s unreachable", e.cfg.TokenEndpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, api.WrapDelegationError(e.moduleName, api.ErrUpstreamUnavailable, err, "reading token response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, e.mapErrorResponse(resp.StatusCode, body)
	}

	var token oauth.Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, api.WrapDelegationError(e.moduleName, api.ErrUpstreamUnavailable, err, "malformed token response")
	}
	if token.AccessToken == "" {
		return nil, api.NewDelegationError(e.moduleName, api.ErrUpstreamUnavailable, "token response has no access_token")
	}
	token.SetExpiresAtFromExpiresIn()
	token.Issuer = e.cfg.TokenEndpoint
	return &token, nil
}

// mapErrorResponse translates IDP error codes into the taxonomy. Only
// upstream-unavailable is retried; the rest surface verbatim.
func (e *Engine) mapErrorResponse(status int, body []byte) error {
	if status >= 500 {
		return api.NewDelegationError(e.moduleName, api.ErrUpstreamUnavailable,
			"token endpoint returned %d", status)
	}

	// A 4xx without a readable OAuth error body is not an outage worth
	// retrying; a proxy or misrouted endpoint answers the same way every
	// time.
	var idpErr oauth.ErrorResponse
	if err := json.Unmarshal(body, &idpErr); err != nil || idpErr.Code == "" {
		return api.NewDelegationError(e.moduleName, api.ErrInvalidSubjectToken,
			"token endpoint returned %d with unparseable error body", status)
	}

	detail := idpErr.Code
	if idpErr.Description != "" {
		detail = fmt.Sprintf("%s: %s", idpErr.Code, idpErr.Description)
	}

	switch idpErr.Code {
	case "invalid_grant", "invalid_request":
		return api.NewDelegationError(e.moduleName, api.ErrInvalidSubjectToken, "IDP rejected subject token (%s)", detail)
	case "unauthorized_client", "invalid_client", "access_denied":
		return api.NewDelegationError(e.moduleName, api.ErrUnauthorizedClient, "IDP rejected exchange client (%s)", detail)
	case "invalid_target":
		return api.NewDelegationError(e.moduleName, api.ErrAudienceNotAllowed, "IDP rejected audience (%s)", detail)
	default:
		return api.NewDelegationError(e.moduleName, api.ErrUpstreamUnavailable, "IDP error (%s)", detail)
	}
}

// validateExchangedToken proves the exchange actually happened: the
// returned token must carry this engine's client id as azp and the
// requested audience in aud. A pass-through IDP fails both.
func (e *Engine) validateExchangedToken(token *oauth.Token, targetAudience string) error {
	claims, err := identity.ParseClaims(token.AccessToken)
	if err != nil {
		// Opaque tokens cannot be validated structurally; accept them
		// the way issuer validation is skipped for non-JWT tokens.
		logging.Debug("TokenExchange", "Exchanged token is not a JWT, skipping claim validation")
		return nil
	}

	if azp := identity.StringClaim(claims, identity.ClaimAuthorizedParty); azp != e.cfg.ClientID {
		return api.NewDelegationError(e.moduleName, api.ErrAzpMismatch,
			"exchanged token azp %q is not the engine client %q; exchange did not happen", azp, e.cfg.ClientID)
	}
	if !identity.HasAudience(claims, targetAudience) {
		return api.NewDelegationError(e.moduleName, api.ErrAudienceNotAllowed,
			"exchanged token aud %v does not contain %q", identity.Audiences(claims), targetAudience)
	}
	return nil
}

// CacheStats returns the engine's cache counters.
func (e *Engine) CacheStats() api.CacheStats {
	return e.cache.Stats()
}

// Health returns the engine's aggregated upstream health.
func (e *Engine) Health() api.HealthStatus {
	return e.tracker.Status()
}

// PurgeSession drops every cached token belonging to one session.
func (e *Engine) PurgeSession(sessionID string) {
	e.cache.PurgeSession(sessionID)
}
