package rfidcore

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds of spec.md §7. Every failure path in
// this package returns one of these, wrapped in *CoreError; nothing
// panics.
type Kind int

const (
	KindDecoderDesync Kind = iota
	KindCollision
	KindTimeout
	KindFieldLost
	KindProtocolViolation
	KindCryptoFail
	KindAttackGaveUp
	KindBufferOverrun
	KindButtonCancel
)

func (k Kind) String() string {
	switch k {
	case KindDecoderDesync:
		return "decoder desync"
	case KindCollision:
		return "collision"
	case KindTimeout:
		return "timeout"
	case KindFieldLost:
		return "field lost"
	case KindProtocolViolation:
		return "protocol violation"
	case KindCryptoFail:
		return "crypto fail"
	case KindAttackGaveUp:
		return "attack gave up"
	case KindBufferOverrun:
		return "buffer overrun"
	case KindButtonCancel:
		return "button cancel"
	default:
		return "unknown"
	}
}

// CoreError is the one error type every public function in this
// package returns. Cmp. pkg/ntag424's AuthError/SWError: a single
// struct per failure family with an Unwrap and Kind-classifier
// helpers, rather than a zoo of sentinel errors.
type CoreError struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *CoreError) Error() string {
	if e == nil {
		return "core error"
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *CoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newErr(kind Kind, detail string) *CoreError {
	return &CoreError{Kind: kind, Detail: detail}
}

func wrapErr(kind Kind, cause error) *CoreError {
	return &CoreError{Kind: kind, Cause: cause}
}

// IsKind reports whether err (or any error it wraps) is a *CoreError
// of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// Convenience classifiers mirroring pkg/ntag424/errors.go's
// IsAuthError/IsLengthError/... family.
func IsTimeout(err error) bool          { return IsKind(err, KindTimeout) }
func IsCollision(err error) bool        { return IsKind(err, KindCollision) }
func IsFieldLost(err error) bool        { return IsKind(err, KindFieldLost) }
func IsProtocolViolation(err error) bool { return IsKind(err, KindProtocolViolation) }
func IsCryptoFail(err error) bool       { return IsKind(err, KindCryptoFail) }
func IsAttackGaveUp(err error) bool     { return IsKind(err, KindAttackGaveUp) }
func IsBufferOverrun(err error) bool    { return IsKind(err, KindBufferOverrun) }
func IsButtonCancel(err error) bool     { return IsKind(err, KindButtonCancel) }

var (
	// ErrButtonCancel is a KindButtonCancel *CoreError value. Suspension
	// points do not return this value itself: they return a new
	// KindButtonCancel *CoreError wrapping ctx.Err(), which
	// IsButtonCancel recognises.
	ErrButtonCancel = newErr(KindButtonCancel, "operation cancelled")
)
