// Package mock provides test doubles for the broker's upstream systems:
// an RFC 8693 identity provider backed by httptest, and alg:none JWT
// minting for claim fixtures. A fake KDC lives with the kerberos
// package tests instead, since it fakes an interface private to that
// engine.
package mock
