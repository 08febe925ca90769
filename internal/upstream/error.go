package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrMalformed marks a response whose shape could not be decoded.
var ErrMalformed = errors.New("malformed response")

// #region error
// Error wraps a failed call to an external model backend.
type Error struct {
	Service string // "ollama" | "codec" | "helper"
	Op      string // "chat" | "embed" | "refine" | "generate"
	Status  int    // HTTP status when known, 0 otherwise
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "upstream error"
	}
	msg := fmt.Sprintf("%s %s", e.Service, e.Op)
	if e.Timeout {
		msg += " timed out"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status=%d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// #endregion error

// #region constructors
// Wrap builds an Error for service/op, classifying deadline expiry as a timeout.
// Returns nil when err is nil.
func Wrap(service, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{
		Service: service,
		Op:      op,
		Timeout: isTimeout(err),
		Err:     err,
	}
}

// WithStatus builds an Error carrying an HTTP status code.
func WithStatus(service, op string, status int, err error) error {
	return &Error{Service: service, Op: op, Status: status, Err: err}
}

// FromContext wraps err and marks it as a timeout when the deadline on ctx
// has passed, even if the transport reported something else.
func FromContext(ctx context.Context, service, op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(service, op, err)
	var ue *Error
	if errors.As(wrapped, &ue) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		ue.Timeout = true
	}
	return wrapped
}

// Malformed builds an Error for a response that could not be decoded.
func Malformed(service, op, detail string) error {
	return &Error{Service: service, Op: op, Err: fmt.Errorf("%w: %s", ErrMalformed, detail)}
}

// #endregion constructors

// #region classify
// IsTimeout reports whether err is an upstream timeout.
func IsTimeout(err error) bool {
	var ue *Error
	if errors.As(err, &ue) && ue.Timeout {
		return true
	}
	return isTimeout(err)
}

// IsTransient reports whether a retry could succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsTimeout(err) {
		return true
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Status == 429 || (ue.Status >= 500 && ue.Status <= 599)
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// #endregion classify
