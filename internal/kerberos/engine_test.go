package kerberos

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"onbehalf/internal/api"
	"onbehalf/internal/config"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRealm   = "CORP.EXAMPLE.ORG"
	testAccount = "svc-broker"
	testSPN     = "MSSQLSvc/db01.corp.example.org:1433"
)

// fakeExchanger counts exchanges and replays scripted failures.
type fakeExchanger struct {
	mu         sync.Mutex
	selfCalls  int
	proxyCalls int
	selfErrs   []error
	proxyErrs  []error
	lifetime   time.Duration
	closed     bool
}

func (f *fakeExchanger) SelfTicket(ctx context.Context, userPrincipal string) (*Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selfCalls++
	if len(f.selfErrs) > 0 {
		err := f.selfErrs[0]
		f.selfErrs = f.selfErrs[1:]
		return nil, err
	}
	now := time.Now()
	return &Ticket{
		ClientPrincipal:  userPrincipal,
		ServicePrincipal: testAccount + "@" + testRealm,
		Flags:            []string{"forwardable", "renewable", "pre-authent"},
		IssuedAt:         now,
		ExpiresAt:        now.Add(f.ticketLifetime()),
	}, nil
}

func (f *fakeExchanger) ProxyTicket(ctx context.Context, evidence *Ticket, targetSPN string) (*Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proxyCalls++
	if len(f.proxyErrs) > 0 {
		err := f.proxyErrs[0]
		f.proxyErrs = f.proxyErrs[1:]
		return nil, err
	}
	now := time.Now()
	return &Ticket{
		ClientPrincipal:  evidence.ClientPrincipal,
		ServicePrincipal: targetSPN,
		TargetSPN:        targetSPN,
		DelegatedFrom:    testAccount + "@" + testRealm,
		Flags:            []string{"forwardable", "pre-authent"},
		IssuedAt:         now,
		ExpiresAt:        now.Add(f.ticketLifetime()),
	}, nil
}

func (f *fakeExchanger) ticketLifetime() time.Duration {
	if f.lifetime > 0 {
		return f.lifetime
	}
	return 10 * time.Hour
}

func (f *fakeExchanger) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeExchanger) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selfCalls, f.proxyCalls
}

func newTestEngine(t *testing.T, fake *fakeExchanger, mutate func(*config.KerberosConfig)) *Engine {
	t.Helper()

	cfg := config.KerberosConfig{
		Realm:                    testRealm,
		ServiceAccount:           testAccount,
		AllowedDelegationTargets: []string{testSPN},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := NewEngine("ad-delegation", cfg, config.CacheConfig{
		TTLSeconds:           300,
		MaxEntries:           100,
		MaxEntriesPerSession: 16,
	}, withExchanger(fake))
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func mappedSubject(sessionID string) *api.SubjectContext {
	return &api.SubjectContext{
		SubjectID:  "user-42",
		LegacyName: "jdoe",
		SessionID:  sessionID,
	}
}

func TestS4U2SelfImpersonatesMappedPrincipal(t *testing.T) {
	fake := &fakeExchanger{}
	engine := newTestEngine(t, fake, nil)

	ticket, cached, err := engine.S4U2Self(context.Background(), mappedSubject("sess-1"))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "jdoe@"+testRealm, ticket.ClientPrincipal)
	assert.Contains(t, ticket.Flags, "forwardable")
}

func TestS4U2SelfRequiresPrincipalMapping(t *testing.T) {
	fake := &fakeExchanger{}
	engine := newTestEngine(t, fake, nil)

	subject := mappedSubject("sess-1")
	subject.LegacyName = ""

	_, _, err := engine.S4U2Self(context.Background(), subject)
	require.Error(t, err)
	assert.Equal(t, api.ErrMissingPrincipalMapping, api.CodeOf(err))
	assert.True(t, api.IsIdentityResolution(err))

	selfCalls, _ := fake.calls()
	assert.Equal(t, 0, selfCalls)
}

func TestS4U2SelfIsCachedPerPrincipal(t *testing.T) {
	fake := &fakeExchanger{}
	engine := newTestEngine(t, fake, nil)
	subject := mappedSubject("sess-1")

	_, cached, err := engine.S4U2Self(context.Background(), subject)
	require.NoError(t, err)
	assert.False(t, cached)

	_, cached, err = engine.S4U2Self(context.Background(), subject)
	require.NoError(t, err)
	assert.True(t, cached)

	selfCalls, _ := fake.calls()
	assert.Equal(t, 1, selfCalls)
}

func TestS4U2ProxyToAllowListedTarget(t *testing.T) {
	fake := &fakeExchanger{}
	engine := newTestEngine(t, fake, nil)

	ticket, cached, err := engine.S4U2Proxy(context.Background(), mappedSubject("sess-1"), testSPN)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "jdoe@"+testRealm, ticket.ClientPrincipal)
	assert.Equal(t, testSPN, ticket.TargetSPN)
	assert.Equal(t, testAccount+"@"+testRealm, ticket.DelegatedFrom)

	selfCalls, proxyCalls := fake.calls()
	assert.Equal(t, 1, selfCalls, "proxy exchange acquires the evidence ticket once")
	assert.Equal(t, 1, proxyCalls)
}

func TestS4U2ProxyRejectsUnknownTargetBeforeKDC(t *testing.T) {
	fake := &fakeExchanger{}
	engine := newTestEngine(t, fake, nil)

	_, _, err := engine.S4U2Proxy(context.Background(), mappedSubject("sess-1"), "cifs/fileserver.corp.example.org")
	require.Error(t, err)
	assert.Equal(t, api.ErrTargetNotAllowed, api.CodeOf(err))
	assert.True(t, api.IsSecurityViolation(err))

	selfCalls, proxyCalls := fake.calls()
	assert.Equal(t, 0, selfCalls, "a refused target must cause no KDC traffic")
	assert.Equal(t, 0, proxyCalls)
}

func TestS4U2ProxyMatchesSPNsCaseInsensitively(t *testing.T) {
	fake := &fakeExchanger{}
	engine := newTestEngine(t, fake, nil)

	_, _, err := engine.S4U2Proxy(context.Background(), mappedSubject("sess-1"), "mssqlsvc/DB01.CORP.EXAMPLE.ORG:1433")
	require.NoError(t, err)
}

func TestS4U2ProxyResultIsCached(t *testing.T) {
	fake := &fakeExchanger{}
	engine := newTestEngine(t, fake, nil)
	subject := mappedSubject("sess-1")

	_, cached, err := engine.S4U2Proxy(context.Background(), subject, testSPN)
	require.NoError(t, err)
	assert.False(t, cached)

	_, cached, err = engine.S4U2Proxy(context.Background(), subject, testSPN)
	require.NoError(t, err)
	assert.True(t, cached)

	_, proxyCalls := fake.calls()
	assert.Equal(t, 1, proxyCalls)
}

func TestConcurrentProxyRequestsShareOneExchange(t *testing.T) {
	fake := &fakeExchanger{}
	engine := newTestEngine(t, fake, nil)
	subject := mappedSubject("sess-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := engine.S4U2Proxy(context.Background(), subject, testSPN)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	selfCalls, proxyCalls := fake.calls()
	assert.Equal(t, 1, selfCalls)
	assert.Equal(t, 1, proxyCalls)
}

func TestUnreachableKDCIsRetried(t *testing.T) {
	fake := &fakeExchanger{
		selfErrs: []error{
			errors.New("dial tcp 10.0.0.1:88: connection refused"),
			errors.New("dial tcp 10.0.0.1:88: connection refused"),
		},
	}
	engine := newTestEngine(t, fake, nil)

	_, _, err := engine.S4U2Self(context.Background(), mappedSubject("sess-1"))
	require.NoError(t, err)

	selfCalls, _ := fake.calls()
	assert.Equal(t, 3, selfCalls)
}

func TestKDCPolicyRefusalIsNotRetried(t *testing.T) {
	fake := &fakeExchanger{
		proxyErrs: []error{
			messages.KRBError{ErrorCode: errorcode.KDC_ERR_BADOPTION},
		},
	}
	engine := newTestEngine(t, fake, nil)

	_, _, err := engine.S4U2Proxy(context.Background(), mappedSubject("sess-1"), testSPN)
	require.Error(t, err)
	assert.Equal(t, api.ErrDelegationNotPermitted, api.CodeOf(err))

	_, proxyCalls := fake.calls()
	assert.Equal(t, 1, proxyCalls, "policy refusals are terminal")
}

func TestUnknownPrincipalMapsToTaxonomy(t *testing.T) {
	fake := &fakeExchanger{
		selfErrs: []error{
			messages.KRBError{ErrorCode: errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN},
		},
	}
	engine := newTestEngine(t, fake, nil)

	_, _, err := engine.S4U2Self(context.Background(), mappedSubject("sess-1"))
	require.Error(t, err)
	assert.Equal(t, api.ErrPrincipalUnknown, api.CodeOf(err))
}

func TestAllowListRemovalTakesEffectOnCachedTickets(t *testing.T) {
	dir := t.TempDir()
	listFile := filepath.Join(dir, "targets.txt")
	require.NoError(t, os.WriteFile(listFile, []byte(testSPN+"\nldap/dc01.corp.example.org\n"), 0o600))

	fake := &fakeExchanger{}
	engine := newTestEngine(t, fake, func(cfg *config.KerberosConfig) {
		cfg.AllowedDelegationTargets = nil
		cfg.AllowedTargetsFile = listFile
	})
	subject := mappedSubject("sess-1")

	_, _, err := engine.S4U2Proxy(context.Background(), subject, testSPN)
	require.NoError(t, err)

	// Drop the SPN from the file. The cached ticket must stop being
	// served once the watcher picks the change up.
	require.NoError(t, os.WriteFile(listFile, []byte("ldap/dc01.corp.example.org\n"), 0o600))

	assert.Eventually(t, func() bool {
		_, _, err := engine.S4U2Proxy(context.Background(), subject, testSPN)
		return api.CodeOf(err) == api.ErrTargetNotAllowed
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPurgeSessionDropsTickets(t *testing.T) {
	fake := &fakeExchanger{}
	engine := newTestEngine(t, fake, nil)
	subject := mappedSubject("sess-1")

	_, _, err := engine.S4U2Proxy(context.Background(), subject, testSPN)
	require.NoError(t, err)
	require.NotZero(t, engine.CacheStats().CurrentSize)

	engine.PurgeSession("sess-1")
	assert.Zero(t, engine.CacheStats().CurrentSize)
}
