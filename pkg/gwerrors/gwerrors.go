// Package gwerrors defines the typed error taxonomy shared by every gateway
// component. A single component never writes a WebSocket close frame or an
// HTTP status directly; it returns one of these kinds and lets the
// connection manager decide how to surface it.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind identifies which class of failure occurred, independent of message
// text. Callers should compare with errors.As against *Error, not string
// matching.
type Kind string

const (
	// AuthFailure covers bad signatures, bad tokens, and expired credentials.
	AuthFailure Kind = "auth_failure"
	// TenantInactive covers a missing, suspended, or expired tenant.
	TenantInactive Kind = "tenant_inactive"
	// QuotaExceeded covers any admit() rejection tied to a usage limit.
	QuotaExceeded Kind = "quota_exceeded"
	// ForbiddenSubject covers a cross-tenant or malformed subject.
	ForbiddenSubject Kind = "forbidden_subject"
	// BridgeUnavailable covers a disconnected or timed-out backbone.
	BridgeUnavailable Kind = "bridge_unavailable"
	// RegistryUnavailable covers a disconnected or timed-out connection registry.
	RegistryUnavailable Kind = "registry_unavailable"
	// ProtocolError covers malformed JSON or a missing/unknown frame type.
	ProtocolError Kind = "protocol_error"
	// Internal covers anything uncaught.
	Internal Kind = "internal"
)

// CloseCode is the WebSocket close code a Kind maps to when it is fatal to
// the connection. Non-fatal kinds (QuotaExceeded when per-message,
// ForbiddenSubject, ProtocolError) are reported as an error frame instead
// and never reach this mapping.
type CloseCode int

const (
	CloseNormal          CloseCode = 1000
	ClosePolicyViolation CloseCode = 1008
	CloseInternal        CloseCode = 1011
)

// Error is the concrete type every component returns for a classified
// failure. Quota and subject-kind fields are populated only when relevant.
type Error struct {
	Kind      Kind
	Message   string
	QuotaKind string // set when Kind == QuotaExceeded
	Current   int64
	Limit     int64
	ResetInS  int64
	Err       error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error under kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewQuotaExceeded builds a QuotaExceeded error carrying the usage figures
// a close frame or error frame needs to report a retry hint.
func NewQuotaExceeded(quotaKind string, current, limit, resetInS int64) *Error {
	return &Error{
		Kind:      QuotaExceeded,
		Message:   fmt.Sprintf("quota exceeded: %s", quotaKind),
		QuotaKind: quotaKind,
		Current:   current,
		Limit:     limit,
		ResetInS:  resetInS,
	}
}

// As extracts a *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// *Error, and Internal otherwise — the safe default for anything uncaught.
func KindOf(err error) Kind {
	if ge, ok := As(err); ok {
		return ge.Kind
	}
	return Internal
}

// Fatal reports whether a Kind always terminates the connection during
// admission or persistently thereafter. QuotaExceeded and BridgeUnavailable
// are not fatal: the connection manager reports them as error frames and
// keeps the connection open, and no caller counts repeated failures to
// close a connection after a run of them.
func Fatal(k Kind) bool {
	switch k {
	case AuthFailure, TenantInactive, RegistryUnavailable, Internal:
		return true
	default:
		return false
	}
}

// CloseCodeFor maps a Kind to the WebSocket close code used when the
// connection is actually being torn down for that reason.
func CloseCodeFor(k Kind) CloseCode {
	switch k {
	case AuthFailure, TenantInactive, QuotaExceeded:
		return ClosePolicyViolation
	case BridgeUnavailable, RegistryUnavailable, Internal:
		return CloseInternal
	default:
		return CloseNormal
	}
}

// FrameCode is the short machine-readable code placed in an `error` frame's
// `code` field, distinct from the close code used when the connection is
// torn down entirely.
func FrameCode(k Kind) string {
	return string(k)
}
