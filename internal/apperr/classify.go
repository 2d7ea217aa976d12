package apperr

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

// Classify maps a raw cause to its classified form. It is total over non-nil
// errors and idempotent: an already classified error comes back as a
// copy with the same kind, detail and cause.
// Classify(nil) returns nil.
//
// Matching is by type and sentinel only. Messages are carried as Detail for
// unknown causes but never inspected.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		c := *classified
		return &c
	}

	switch {
	case isTimeout(err):
		return &Error{Kind: KindTimeout, Cause: err}
	case isOffline(err):
		return &Error{Kind: KindOffline, Cause: err}
	case isNetwork(err):
		return &Error{Kind: KindNetworkUnavailable, Cause: err}
	}

	detail := err.Error()
	if detail == "" {
		detail = UnknownPlaceholder
	}
	return Unknown(detail, err)
}

// Retryable reports whether the classified form of err is retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isOffline(err error) bool {
	return errors.Is(err, ErrNoNetwork) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.ENETDOWN)
}

func isNetwork(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
