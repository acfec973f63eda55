package bridge

import (
	"errors"
	"fmt"
)

// Kind classifies command failures. Consumer transports map kinds to wire
// error codes.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindInvalidKey
	KindPermissionDenied
	KindSourceUnavailable
	KindNotification
	KindNotImplemented
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindInvalidKey:
		return "INVALID_KEY"
	case KindPermissionDenied:
		return "PERMISSION_DENIED"
	case KindSourceUnavailable:
		return "SOURCE_UNAVAILABLE"
	case KindNotification:
		return "NOTIFICATION_ERROR"
	case KindNotImplemented:
		return "NOT_IMPLEMENTED"
	default:
		return "INTERNAL"
	}
}

// Error is a classified command failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return e.Op + ": " + e.Kind.String()
	case e.Op == "":
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so callers can write
// errors.Is(err, bridge.ErrSourceUnavailable).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Kind == e.Kind
}

var (
	ErrSourceUnavailable = &Error{Kind: KindSourceUnavailable}
	ErrInvalidKey        = &Error{Kind: KindInvalidKey}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
)

// KindOf extracts the Kind of err, KindUnknown if it is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func opErr(op string, kind Kind, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}
