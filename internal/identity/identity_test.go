package identity_test

import (
	"testing"

	"onbehalf/internal/identity"
	"onbehalf/internal/testing/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBearerToken(t *testing.T) {
	raw := mock.MintToken(map[string]interface{}{
		"sub":         "f3a81d04-alice",
		"azp":         "contextflow",
		"legacy_name": "COMPANY\\alice",
		"scope":       "openid profile",
	})

	subject, err := identity.FromBearerToken(raw, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "f3a81d04-alice", subject.SubjectID)
	assert.Equal(t, "contextflow", subject.AuthorizedParty)
	assert.Equal(t, "COMPANY\\alice", subject.LegacyName)
	assert.Equal(t, []string{"openid", "profile"}, subject.Scopes)
	assert.Equal(t, "session-1", subject.SessionID)
	assert.Equal(t, raw, subject.BearerToken)
}

func TestFromBearerTokenRequiresSub(t *testing.T) {
	raw := mock.MintToken(map[string]interface{}{"azp": "contextflow"})
	_, err := identity.FromBearerToken(raw, "session-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub")
}

func TestFromBearerTokenRejectsGarbage(t *testing.T) {
	_, err := identity.FromBearerToken("not-a-jwt", "session-1")
	assert.Error(t, err)
}

func TestStringsClaimAcceptsBothEncodings(t *testing.T) {
	claims, err := identity.ParseClaims(mock.MintToken(map[string]interface{}{
		"sub":    "alice",
		"roles":  []string{"analyst", "reader"},
		"scope":  "openid profile",
		"weird":  42,
		"single": "only",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"analyst", "reader"}, identity.StringsClaim(claims, "roles"))
	assert.Equal(t, []string{"openid", "profile"}, identity.StringsClaim(claims, "scope"))
	assert.Nil(t, identity.StringsClaim(claims, "weird"))
	assert.Equal(t, []string{"only"}, identity.StringsClaim(claims, "single"))
	assert.Nil(t, identity.StringsClaim(claims, "missing"))
}

func TestAudiences(t *testing.T) {
	single, err := identity.ParseClaims(mock.MintToken(map[string]interface{}{"sub": "a", "aud": "mcp-oauth"}))
	require.NoError(t, err)
	assert.True(t, identity.HasAudience(single, "mcp-oauth"))
	assert.False(t, identity.HasAudience(single, "other"))

	multi, err := identity.ParseClaims(mock.MintToken(map[string]interface{}{"sub": "a", "aud": []string{"db1", "db2"}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"db1", "db2"}, identity.Audiences(multi))
	assert.True(t, identity.HasAudience(multi, "db2"))
}
