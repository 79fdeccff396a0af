// Package cache implements the shared ticket/token cache used by the
// delegation engines.
//
// It is a bounded LRU store with per-entry TTLs, a per-session entry
// budget, and single-flight acquisition: for a given key at most one
// upstream call (IDP exchange, KDC request) is ever in flight, and
// concurrent requesters await the same result. Upstream calls are
// expensive and some are not safely idempotent against replay-sensitive
// audit systems, so the de-duplication property is the one this package
// must never lose.
//
// Each engine owns its own Cache instance; no engine mutates another
// engine's cache, and cache internals are not exposed outside the
// owning engine beyond read-only counters.
package cache
