// Package delegation wires configured delegation modules into a
// registry the transport layer routes invocations through. Module
// errors pass through the registry unmodified.
package delegation
