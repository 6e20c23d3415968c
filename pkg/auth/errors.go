package auth

import (
	"errors"
	"fmt"
)

// Kind classifies a token validation failure. Input kinds are
// client-fixable, trust kinds are authentication failures, and
// KindTrustUnavailable is transient and safe to retry.
type Kind string

const (
	KindMalformed        Kind = "malformed"
	KindUnknownIssuer    Kind = "unknown_issuer"
	KindSignatureInvalid Kind = "signature_invalid"
	KindExpired          Kind = "expired"
	KindNotYetValid      Kind = "not_yet_valid"
	KindAudienceMismatch Kind = "audience_mismatch"
	KindTrustUnavailable Kind = "trust_unavailable"
)

// Error is a classified validation failure.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

// NewError builds a classified failure. Transports and tests use it to
// produce errors the gateway treats as validation outcomes.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func newError(kind Kind, msg string) *Error {
	return NewError(kind, msg)
}

func wrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("auth: %s: %v", e.msg, e.err)
	}
	return "auth: " + e.msg
}

func (e *Error) Unwrap() error { return e.err }

// KindOf extracts the validation kind from an error chain, or the empty
// kind for non-validation errors.
func KindOf(err error) Kind {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return ""
}

// Retryable reports whether the failure is transient (availability) rather
// than a permanent rejection.
func Retryable(err error) bool {
	return KindOf(err) == KindTrustUnavailable
}
