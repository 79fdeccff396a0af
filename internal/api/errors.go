package api

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a specific delegation failure. Codes are stable
// strings surfaced to the transport layer and to audit events.
type ErrorCode string

const (
	// Token exchange failures.
	ErrWrongTokenStage     ErrorCode = "WrongTokenStage"
	ErrAzpMismatch         ErrorCode = "AzpMismatch"
	ErrInvalidSubjectToken ErrorCode = "InvalidSubjectToken"
	ErrUnauthorizedClient  ErrorCode = "UnauthorizedClient"
	ErrAudienceNotAllowed  ErrorCode = "AudienceNotAllowed"

	// Kerberos delegation failures.
	ErrKdcUnreachable          ErrorCode = "KdcUnreachable"
	ErrPrincipalUnknown        ErrorCode = "PrincipalUnknown"
	ErrDelegationNotPermitted  ErrorCode = "DelegationNotPermitted"
	ErrTargetNotAllowed        ErrorCode = "TargetNotAllowed"
	ErrMissingPrincipalMapping ErrorCode = "MissingPrincipalMapping"

	// SQL delegation failures.
	ErrRoleMappingFailed ErrorCode = "RoleMappingFailed"

	// Generic failures.
	ErrUpstreamUnavailable ErrorCode = "UpstreamUnavailable"
	ErrConfiguration       ErrorCode = "ConfigurationError"
)

// ErrorClass groups error codes into the four handling classes: how an
// error is retried, audited, and translated at the transport boundary.
type ErrorClass int

const (
	// ClassConfiguration: fatal at module registration; the server
	// refuses to start the module.
	ClassConfiguration ErrorClass = iota

	// ClassSecurityViolation: terminal, never retried, always audited.
	ClassSecurityViolation

	// ClassUpstreamUnavailable: retried with bounded exponential
	// backoff, then surfaced as a 5xx-equivalent outcome.
	ClassUpstreamUnavailable

	// ClassIdentityResolution: terminal, user-facing "delegation not
	// configured for this account".
	ClassIdentityResolution
)

// String makes ErrorClass satisfy fmt.Stringer.
func (c ErrorClass) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassSecurityViolation:
		return "security_violation"
	case ClassUpstreamUnavailable:
		return "upstream_unavailable"
	case ClassIdentityResolution:
		return "identity_resolution"
	default:
		return "unknown"
	}
}

// ClassOf maps an error code to its handling class. This is the single
// source for classification; nothing else hardcodes the mapping.
func ClassOf(code ErrorCode) ErrorClass {
	switch code {
	case ErrWrongTokenStage, ErrAzpMismatch, ErrInvalidSubjectToken,
		ErrUnauthorizedClient, ErrAudienceNotAllowed, ErrTargetNotAllowed:
		return ClassSecurityViolation
	case ErrKdcUnreachable, ErrUpstreamUnavailable:
		return ClassUpstreamUnavailable
	case ErrMissingPrincipalMapping, ErrPrincipalUnknown, ErrRoleMappingFailed:
		return ClassIdentityResolution
	case ErrDelegationNotPermitted, ErrConfiguration:
		return ClassConfiguration
	default:
		return ClassConfiguration
	}
}

// DelegationError is the typed failure returned by every engine across
// the registry boundary. Engines never panic across that boundary.
type DelegationError struct {
	// Module is the name of the delegation module that produced the error.
	Module string

	// Code identifies the specific failure.
	Code ErrorCode

	// Detail is a human-readable description with enough context
	// (principal, target, upstream error code) to diagnose without
	// re-running the request.
	Detail string

	// Err is the wrapped underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *DelegationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Detail)
	if e.Module != "" {
		msg = fmt.Sprintf("module %s: %s", e.Module, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap supports errors.Is/errors.As chains.
func (e *DelegationError) Unwrap() error {
	return e.Err
}

// Class returns the handling class of the error.
func (e *DelegationError) Class() ErrorClass {
	return ClassOf(e.Code)
}

// NewDelegationError creates a DelegationError with formatted detail.
func NewDelegationError(module string, code ErrorCode, format string, args ...interface{}) *DelegationError {
	return &DelegationError{
		Module: module,
		Code:   code,
		Detail: fmt.Sprintf(format, args...),
	}
}

// WrapDelegationError creates a DelegationError wrapping an underlying error.
func WrapDelegationError(module string, code ErrorCode, err error, format string, args ...interface{}) *DelegationError {
	return &DelegationError{
		Module: module,
		Code:   code,
		Detail: fmt.Sprintf(format, args...),
		Err:    err,
	}
}

// CodeOf extracts the ErrorCode from an error chain. Returns an empty
// code if the chain contains no DelegationError.
func CodeOf(err error) ErrorCode {
	var delegationErr *DelegationError
	if errors.As(err, &delegationErr) {
		return delegationErr.Code
	}
	return ""
}

// IsSecurityViolation checks whether an error chain contains a
// security-class delegation failure.
func IsSecurityViolation(err error) bool {
	var delegationErr *DelegationError
	return errors.As(err, &delegationErr) && delegationErr.Class() == ClassSecurityViolation
}

// IsUpstreamUnavailable checks whether an error chain contains an
// upstream-availability failure (retries already exhausted).
func IsUpstreamUnavailable(err error) bool {
	var delegationErr *DelegationError
	return errors.As(err, &delegationErr) && delegationErr.Class() == ClassUpstreamUnavailable
}

// IsIdentityResolution checks whether an error chain contains an
// identity resolution failure.
func IsIdentityResolution(err error) bool {
	var delegationErr *DelegationError
	return errors.As(err, &delegationErr) && delegationErr.Class() == ClassIdentityResolution
}

// NotFoundError represents a resource not found error with contextual
// information, e.g. an invocation naming an unregistered module.
type NotFoundError struct {
	// ResourceType categorizes the type of resource that was not found
	// (e.g., "module", "operation").
	ResourceType string

	// ResourceName is the specific identifier that was not found.
	ResourceName string
}

// Error implements the error interface for NotFoundError.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// IsNotFound checks if an error is a NotFoundError using error unwrapping.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceName: resourceName}
}

// DuplicateError is returned when a name collides on registration.
type DuplicateError struct {
	ResourceType string
	ResourceName string
}

// Error implements the error interface for DuplicateError.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %s already registered", e.ResourceType, e.ResourceName)
}

// IsDuplicate checks if an error is a DuplicateError using error unwrapping.
func IsDuplicate(err error) bool {
	var duplicateErr *DuplicateError
	return errors.As(err, &duplicateErr)
}

// NewDuplicateError creates a new DuplicateError.
func NewDuplicateError(resourceType, resourceName string) *DuplicateError {
	return &DuplicateError{ResourceType: resourceType, ResourceName: resourceName}
}
