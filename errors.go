package dedup

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies why a read or upsert failed.
type Kind int

const (
	// KindUnknown is the zero Kind, reported for errors that are not *Error.
	KindUnknown Kind = iota
	// KindValidation means the identifier is not a canonical UUIDv4.
	KindValidation
	// KindMethod means the request method maps to no operation.
	KindMethod
	// KindClock means the current time could not be obtained.
	KindClock
	// KindStore means the store call failed or returned an unusable result.
	KindStore
	// KindSerialization means the result could not be encoded.
	KindSerialization
	// KindNotFound means a read found no live record.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindMethod:
		return "method"
	case KindClock:
		return "clock"
	case KindStore:
		return "store"
	case KindSerialization:
		return "serialization"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the failure type returned by Service.
// Now and Expires are set for upserts once the clock has been read.
type Error struct {
	Kind    Kind
	Op      string
	Key     string
	Now     time.Time
	Expires time.Time
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Key != "" {
		b.WriteString(" key=")
		b.WriteString(e.Key)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Detail describes the failure for a client without exposing the
// underlying cause: operation, key, and the timestamps computed for it.
func (e *Error) Detail() string {
	s := fmt.Sprintf("%s failure: %s key=%s", e.Kind, e.Op, e.Key)
	if !e.Now.IsZero() {
		s += fmt.Sprintf(" now=%d exp=%d", e.Now.Unix(), e.Expires.Unix())
	}
	return s
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
