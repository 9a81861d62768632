package exchange

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// KindTransient covers rate limits, network failures and 5xx
	// responses; safe to retry after backoff.
	KindTransient ErrorKind = iota
	// KindPermanent covers rejected requests and insufficient balances;
	// retrying cannot succeed.
	KindPermanent
)

type Error struct {
	Kind  ErrorKind
	Op    string
	Label string
	Err   error
}

func (e *Error) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Label, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Permanent(op, label string, err error) *Error {
	return &Error{Kind: KindPermanent, Op: op, Label: label, Err: err}
}

// IsPermanent reports whether err is a distinguished permanent exchange
// error. Unclassified errors (timeouts, broken connections) count as
// transient so the caller retries them.
func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindPermanent
}
