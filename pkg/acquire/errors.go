package acquire

import (
	"errors"
	"fmt"
	"time"

	"github.com/shelfsync/opdsacq/pkg/opds"
)

// Kind classifies a failed resolution.
type Kind string

const (
	KindAuthRequired      Kind = "auth_required"
	KindRateLimited       Kind = "rate_limited"
	KindUnavailable       Kind = "unavailable"
	KindNetwork           Kind = "network"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindTooManyHops       Kind = "too_many_hops"
	KindCanceled          Kind = "canceled"
	KindInvalidResponse   Kind = "invalid_response"
	KindRetryAborted      Kind = "retry_aborted"
)

// Error is the failure half of a resolution. Status is the HTTP status that
// caused it, when there was one.
type Error struct {
	Kind   Kind
	Status int
	URL    string
	Host   string

	// RetryAfter is set for rate limiting when the server sent a hint.
	RetryAfter time.Duration

	// AuthDocument is set for auth_required when the server described how
	// to authenticate.
	AuthDocument *opds.AuthDocument

	Err error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.URL != "" {
		msg += ": " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err,
// &Error{Kind: KindUnavailable}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Status == 0 || t.Status == e.Status)
}

// KindOf returns the kind of a resolution error, or "" for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf returns the HTTP status attached to a resolution error.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// IsRecoverable reports whether a user action (signing in, retrying later on
// another route) can turn err into a success.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindAuthRequired, KindNetwork:
		return true
	}
	return false
}

func newError(kind Kind, status int, url string, err error) *Error {
	return &Error{Kind: kind, Status: status, URL: url, Err: err}
}
