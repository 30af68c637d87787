package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("revision conflict")
)

// Kind is the failure classification of a store call.
type Kind int

const (
	KindTransport Kind = iota
	KindRateLimited
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "transport"
	}
}

// Classify maps an error returned by a Backend to its Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindTransport
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindTransport
	}
}

// Error is the structured failure returned by every Store operation.
type Error struct {
	Kind     Kind
	Store    string
	Op       string
	DocID    string
	View     string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "storage %s.%s", e.Store, e.Op)
	if e.DocID != "" {
		fmt.Fprintf(&b, " id=%s", e.DocID)
	}
	if e.View != "" {
		fmt.Fprintf(&b, " view=%s", e.View)
	}
	fmt.Fprintf(&b, " (%s, attempts=%d)", e.Kind, e.Attempts)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConflict) hold for classified errors even when
// the backend error did not wrap the sentinel itself.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	}
	return false
}

// KindOf returns the classification of any error produced by this package.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Classify(err)
}

func rateLimited(err error) error { return fmt.Errorf("%w: %v", ErrRateLimited, err) }

func conflict(id string) error { return fmt.Errorf("%w: %s", ErrConflict, id) }

func notFound(id string) error { return fmt.Errorf("%w: %s", ErrNotFound, id) }
