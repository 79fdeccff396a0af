// Package api defines the contract between the delegation engines, the
// registry that composes them, and the transport layer.
//
// It contains only types and typed errors: SubjectContext (the identity
// derived once per authenticated call), the DelegationModule interface
// each engine implements, and the DelegationError taxonomy with its
// four handling classes (configuration, security violation, upstream
// unavailable, identity resolution).
//
// Keeping the contract in a leaf package avoids import cycles between
// the engines and the registry, and gives the transport layer a single
// import for everything it needs to dispatch and translate errors.
package api
