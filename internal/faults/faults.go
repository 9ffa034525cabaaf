// Package faults classifies errors crossing the boundary to external services
// so that retry and bookkeeping decisions can be made without inspecting
// provider-specific error types.
package faults

import (
	"context"
	"errors"
)

// Kind is the failure class of an error.
type Kind string

const (
	// KindUnknown is reported for errors nobody classified. They are not retried.
	KindUnknown Kind = ""
	// KindTransient covers throttling, timeouts and network failures.
	KindTransient Kind = "transient"
	// KindPermanent covers bad input and missing remote resources.
	KindPermanent Kind = "permanent"
	// KindDataIntegrity marks references to rows that no longer exist.
	KindDataIntegrity Kind = "data_integrity"
	// KindInvariant marks rejected state changes (duplicate ids, illegal transitions).
	KindInvariant Kind = "invariant"
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) error     { return New(KindTransient, op, err) }
func Permanent(op string, err error) error     { return New(KindPermanent, op, err) }
func DataIntegrity(op string, err error) error { return New(KindDataIntegrity, op, err) }
func Invariant(op string, err error) error     { return New(KindInvariant, op, err) }

// KindOf returns the outermost Kind found in err's chain.
// Context cancellation is always permanent: retrying it cannot succeed.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

func IsPermanent(err error) bool {
	return KindOf(err) == KindPermanent
}
