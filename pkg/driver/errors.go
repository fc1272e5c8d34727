package driver

import (
	"errors"
	"fmt"
)

// Kind separates transient transport faults, which callers retry or
// skip, from fatal ones that end a connection. This keeps retry
// decisions off error-string matching.
type Kind int

const (
	KindRetryable Kind = iota
	KindFatal
)

// Error is a driver operation failure with an explicit kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps a transient fault (bus timeout, dropped frame).
func Retryable(op string, err error) error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// Fatal wraps a terminal fault (handshake failure, closed handle).
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// IsRetryable reports whether an error may be retried. Errors that do not
// carry a kind are treated as retryable; only explicit fatals end a
// connection.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == KindRetryable
	}
	return err != nil
}
