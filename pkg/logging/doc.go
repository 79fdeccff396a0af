// Package logging provides the structured logging system for onbehalf.
//
// It is a thin layer over Go's standard slog package that adds a
// subsystem tag to every entry so that log output from the delegation
// engines, the registry, and the transport layer can be filtered
// independently.
//
// Usage:
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//	logging.Info("TokenExchange", "exchanged token for subject=%s", logging.TruncateSubject(sub))
//
// Bearer tokens and Kerberos ticket material must never be logged, at
// any level. Subject identifiers are logged truncated via
// TruncateSubject.
package logging
