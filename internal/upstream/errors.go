package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel kinds matched with errors.Is.
var (
	ErrTimeout     = errors.New("upstream: timeout")
	ErrTransport   = errors.New("upstream: transport")
	ErrHTTPStatus  = errors.New("upstream: http status")
	ErrUnreachable = errors.New("upstream: unreachable")
)

// Error is the typed failure returned by Fetch. Unreachable errors wrap the
// cause of the last attempt.
type Error struct {
	Kind     error
	Status   int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == ErrHTTPStatus:
		return fmt.Sprintf("%s %d", e.Kind, e.Status)
	case e.Kind == ErrUnreachable && e.Err != nil:
		return fmt.Sprintf("%s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

// Outcome names the error kind for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrHTTPStatus):
		return "http_status"
	default:
		return "transport"
	}
}

func statusError(code int) *Error {
	return &Error{Kind: ErrHTTPStatus, Status: code}
}

// classify maps a transport-level failure to Timeout or Transport.
func classify(err error) error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrTimeout, Err: err}
	}
	return &Error{Kind: ErrTransport, Err: err}
}
