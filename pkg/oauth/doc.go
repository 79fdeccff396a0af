// Package oauth provides shared OAuth 2.1 / RFC 8693 wire types used by
// the token exchange engine, the transport layer, and tests.
//
// It intentionally contains no protocol logic; the token exchange flow
// itself lives in internal/tokenexchange.
package oauth
