package notes

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for the caller. Components never surface raw
// driver or transport errors; they wrap them into an *Error with a Kind.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindConfigurationMissing
	KindPermissionDenied
	KindValidation
	KindNotFound
	KindNotAuthenticated
	KindOffline
	KindMissingContext
)

var (
	ErrTransient            = errors.New("transient backend failure")
	ErrConfigurationMissing = errors.New("feed storage missing")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrValidation           = errors.New("invalid input")
	ErrNotFound             = errors.New("not found")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrOffline              = errors.New("offline")
	ErrMissingContext       = errors.New("missing session context")
)

var kindSentinels = map[Kind]error{
	KindTransient:            ErrTransient,
	KindConfigurationMissing: ErrConfigurationMissing,
	KindPermissionDenied:     ErrPermissionDenied,
	KindValidation:           ErrValidation,
	KindNotFound:             ErrNotFound,
	KindNotAuthenticated:     ErrNotAuthenticated,
	KindOffline:              ErrOffline,
	KindMissingContext:       ErrMissingContext,
}

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConfigurationMissing:
		return "configuration_missing"
	case KindPermissionDenied:
		return "permission_denied"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindOffline:
		return "offline"
	case KindMissingContext:
		return "missing_context"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		msg = sentinel.Error()
	}
	if e.Err != nil && !errors.Is(e.Err, kindSentinels[e.Kind]) {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// E builds an *Error of the given kind.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error of the given kind with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of err. Context cancellation and deadline errors
// count as transient; anything unclassified is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindUnknown
}

// Wrap attaches op to err, keeping an existing kind and defaulting
// unclassified failures to transient.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindTransient
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Op == op {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
