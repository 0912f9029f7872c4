package workflow

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the closed error taxonomy shared by every pipeline stage, the
// store, and the bus gateway. Runtimes classify any residual failure into
// one of these before surfacing it.
type Kind string

const (
	KindRetryable         Kind = "retryable"
	KindValidation        Kind = "validation"
	KindTimeout           Kind = "timeout"
	KindPermanentUpstream Kind = "permanent_upstream_failure"
	KindCancelled         Kind = "cancelled"
	KindAllClaimsFailed   Kind = "all_claims_failed"
	KindConsistencyLost   Kind = "consistency_lost"
	KindBusUnavailable    Kind = "bus_unavailable"
	KindSerialization     Kind = "serialization_error"
	KindAuthError         Kind = "auth_error"
)

// CanRetry reports whether the runtime may retry a failure of this kind.
// Timeout counts as retryable up to the attempt cap.
func (k Kind) CanRetry() bool {
	return k == KindRetryable || k == KindTimeout || k == KindBusUnavailable
}

// KindError carries a taxonomy kind alongside the underlying cause.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// WrapKind tags err with a taxonomy kind. A nil err yields a bare kind error.
func WrapKind(kind Kind, err error) error {
	return &KindError{Kind: kind, Err: err}
}

// Errorf builds a kind-tagged error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err into the taxonomy. Deadline expiry maps to Timeout,
// context cancellation to Cancelled, and anything untagged defaults to
// Retryable so transient collaborator failures get the retry policy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindRetryable
}
