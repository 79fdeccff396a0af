package identity

import (
	"fmt"
	"strings"

	"onbehalf/internal/api"

	"github.com/golang-jwt/jwt/v5"
)

// Claim names used across the delegation engines.
const (
	ClaimSubject         = "sub"
	ClaimAuthorizedParty = "azp"
	ClaimLegacyName      = "legacy_name"
	ClaimScope           = "scope"
	ClaimAudience        = "aud"
)

// ParseClaims decodes a JWT's claims without verifying its signature.
// Signature verification happened upstream (the transport layer only
// sees tokens a gateway already validated) or the token came straight
// from a trusted IDP connection; re-verifying here would require
// distributing IDP keys into the core for no additional trust.
func ParseClaims(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("parsing token claims: %w", err)
	}
	return claims, nil
}

// StringClaim returns the named claim as a string, or "" if absent or
// not a string.
func StringClaim(claims jwt.MapClaims, name string) string {
	if value, ok := claims[name].(string); ok {
		return value
	}
	return ""
}

// StringsClaim returns the named claim as a string slice. It accepts a
// JSON array of strings or a single space-separated string (the two
// encodings IDPs use for scopes and roles).
func StringsClaim(claims jwt.MapClaims, name string) []string {
	switch value := claims[name].(type) {
	case []interface{}:
		var out []string
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(value)
	default:
		return nil
	}
}

// Audiences returns the aud claim, which may be a single string or an
// array (RFC 7519 §4.1.3).
func Audiences(claims jwt.MapClaims) []string {
	return StringsClaim(claims, ClaimAudience)
}

// HasAudience reports whether aud contains the given audience.
func HasAudience(claims jwt.MapClaims, audience string) bool {
	for _, aud := range Audiences(claims) {
		if aud == audience {
			return true
		}
	}
	return false
}

// FromBearerToken derives the SubjectContext for one authenticated
// call. The token must already have been validated by the upstream
// gateway; this only extracts identity claims.
func FromBearerToken(raw, sessionID string) (*api.SubjectContext, error) {
	claims, err := ParseClaims(raw)
	if err != nil {
		return nil, err
	}

	subject := StringClaim(claims, ClaimSubject)
	if subject == "" {
		return nil, fmt.Errorf("token has no sub claim")
	}

	return &api.SubjectContext{
		SubjectID:       subject,
		AuthorizedParty: StringClaim(claims, ClaimAuthorizedParty),
		LegacyName:      StringClaim(claims, ClaimLegacyName),
		Scopes:          StringsClaim(claims, ClaimScope),
		SessionID:       sessionID,
		BearerToken:     raw,
	}, nil
}
