// Package faults defines the error taxonomy shared by the dispatcher,
// the provider facade and the handlers. Every failure is classified as
// Capacity, Transient, Terminal or Partial; the dispatcher owns all
// retry/abandon decisions based on that classification.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error for retry decisions.
type Kind int

const (
	// KindUnknown is an unclassified error. Treated as Transient after the
	// text-pattern fallback fails to find a better match, since handlers
	// are idempotent and a wasted retry is cheaper than a lost job.
	KindUnknown Kind = iota
	// KindCapacity means a rate limit was exceeded. Retryable after the
	// reported reset time.
	KindCapacity
	// KindTransient means a temporary failure (timeout, provider 5xx).
	// Retryable with backoff.
	KindTransient
	// KindTerminal means retrying can never succeed (bad credentials,
	// invalid recipient, malformed payload).
	KindTerminal
	// KindPartial means a batch operation where some items succeeded and
	// others failed; each item carries its own classification.
	KindPartial
)

func (k Kind) String() string {
	switch k {
	case KindCapacity:
		return "capacity"
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind       Kind
	Op         string
	RetryAfter time.Time // set for capacity errors; zero otherwise
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error wrapping a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap classifies an existing error. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Capacity returns a capacity error carrying the window reset time.
func Capacity(op string, retryAfter time.Time, msg string) *Error {
	return &Error{Kind: KindCapacity, Op: op, RetryAfter: retryAfter, Err: errors.New(msg)}
}

// KindOf unwraps err looking for a classified *Error. When none is found
// it falls back to text-pattern classification of the message.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return classifyMessage(err.Error())
}

// Retryable reports whether the dispatcher may retry after err.
// Unknown errors are retried: handlers are idempotent by contract.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTerminal:
		return false
	case KindPartial:
		return false
	default:
		return true
	}
}

// RetryAfterOf returns the reset time carried by a capacity error, or the
// zero time when the error carries none.
func RetryAfterOf(err error) time.Time {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return time.Time{}
}

// classifyMessage is the documented fallback for opaque third-party
// errors that only expose a message. Pattern tables are checked in
// order: terminal first so that "invalid token" never gets retried just
// because it also mentions "connection".
var (
	terminalPatterns = []string{
		"invalid credentials",
		"invalid token",
		"unauthorized",
		"permission denied",
		"forbidden",
		"invalid recipient",
		"no such user",
		"malformed",
		"bad request",
	}
	capacityPatterns = []string{
		"rate limit",
		"too many requests",
		"quota exceeded",
		"capacity exceeded",
	}
	transientPatterns = []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"temporarily unavailable",
		"service unavailable",
		"internal server error",
		"i/o error",
		"broken pipe",
		"eof",
	}
)

func classifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	for _, p := range terminalPatterns {
		if strings.Contains(m, p) {
			return KindTerminal
		}
	}
	for _, p := range capacityPatterns {
		if strings.Contains(m, p) {
			return KindCapacity
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(m, p) {
			return KindTransient
		}
	}
	return KindUnknown
}
