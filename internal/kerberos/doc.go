// Package kerberos implements constrained delegation (S4U2Self and
// S4U2Proxy, MS-SFU) for a single realm. The broker's service account
// impersonates mapped legacy principals toward an allow-listed set of
// target SPNs; tickets are cached per (session, principal, target) and
// the allow-list is enforced on every call so file-based removals take
// effect without a restart.
package kerberos
