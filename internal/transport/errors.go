package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// ErrUnreachable matches (via errors.Is) any timeout or host-down error.
var ErrUnreachable = errors.New("device unreachable")

// Kind classifies low-level failures.
type Kind int

const (
	KindOther Kind = iota
	KindTimeout
	KindHostDown
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindHostDown:
		return "host_down"
	default:
		return "other"
	}
}

// Error is a classified network failure.
type Error struct {
	Kind   Kind
	Method string
	Path   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Method, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrUnreachable) match timeouts and host-down failures.
func (e *Error) Is(target error) bool {
	return target == ErrUnreachable && (e.Kind == KindTimeout || e.Kind == KindHostDown)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func classify(method, path string, err error) *Error {
	return &Error{Kind: kindOf(err), Method: method, Path: path, Err: err}
}

func kindOf(err error) Kind {
	// Caller gave up; says nothing about the device.
	if errors.Is(err, context.Canceled) {
		return KindOther
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.EHOSTDOWN),
		errors.Is(err, syscall.ENETUNREACH):
		return KindHostDown
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindHostDown
	}

	return KindOther
}
