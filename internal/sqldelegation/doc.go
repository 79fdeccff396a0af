// Package sqldelegation resolves run-as directives for database
// connectors. Each configured database instance gets its own engine
// with a private token exchange stage; the exchanged token's claims
// determine the legacy login and role set, so the database never sees
// the subject's original bearer token.
package sqldelegation
