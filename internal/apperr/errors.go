// Package apperr defines the closed set of failure kinds that cross the sync
// repository boundary.
//
// Every raw cause (transport error, store error, decode error) is mapped to
// exactly one Kind by Classify. Callers decide whether to retry by asking the
// Kind, never by looking at message text:
//
//	if e := apperr.Classify(err); e.Retryable() {
//	    // schedule another attempt
//	}
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies a classified failure.
type Kind int

const (
	// KindUnknown is any failure that matched no other kind.
	KindUnknown Kind = iota

	// KindNetworkUnavailable covers refused or reset connections, DNS
	// failures and responses cut off by the transport.
	KindNetworkUnavailable

	// KindTimeout is a request that exceeded its deadline.
	KindTimeout

	// KindOffline means the host has no usable network at all.
	KindOffline
)

// String returns the stable machine name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindTimeout:
		return "timeout"
	case KindOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Retryable reports whether an automatic retry can be expected to help.
// It depends only on the kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// UnknownPlaceholder is the detail used when an unclassified cause has no message.
const UnknownPlaceholder = "unknown error"

// Error is a classified failure. Detail is only meaningful for KindUnknown.
// Cause keeps the original error reachable through errors.Unwrap.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Kind == KindUnknown {
		if e.Detail == "" {
			return UnknownPlaceholder
		}
		return e.Detail
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a classified error of the same kind, so that
// errors.Is(err, apperr.ErrTimeout) works regardless of cause or detail.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Retryable is shorthand for e.Kind.Retryable().
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// Sentinels for errors.Is matching by kind.
var (
	ErrNetworkUnavailable = &Error{Kind: KindNetworkUnavailable}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrOffline            = &Error{Kind: KindOffline}
	ErrUnknown            = &Error{Kind: KindUnknown}
)

// ErrNoNetwork is a raw cause a gateway may return when it has determined the
// host is offline before attempting I/O. Classify maps it to KindOffline.
var ErrNoNetwork = errors.New("no network connection")

// Unknown builds an unknown-kind error with the given detail.
func Unknown(detail string, cause error) *Error {
	return &Error{Kind: KindUnknown, Detail: detail, Cause: cause}
}

// KindOf returns the kind of a classified error anywhere in err's chain, or
// KindUnknown when err was never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
