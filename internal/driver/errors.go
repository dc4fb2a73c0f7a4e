package driver

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a driver-level failure. Transient kinds are retried by the
// scheduler; the driver itself never retries.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnreachable
	KindAuthRejected
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindAuthRejected:
		return "auth_rejected"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error is the typed failure a driver reports to the slot manager.
type Error struct {
	Kind   Kind
	Driver string
	Op     string
	Err    error

	// After is an optional retry-after hint (rate limiting). Zero means none.
	After time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("driver %s: %s: %s: %v", e.Driver, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("driver %s: %s: %s", e.Driver, e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// RetryAfter returns the driver's retry-after hint, if any.
func (e *Error) RetryAfter() time.Duration { return e.After }

// Errf builds a classified driver error.
func Errf(kind Kind, driverName, op string, err error) *Error {
	return &Error{Kind: kind, Driver: driverName, Op: op, Err: err}
}

// KindOf extracts the failure kind from err. Non-driver errors map to
// KindUnknown, which the scheduler still treats as transient.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsAuthRejected reports whether err is a terminal authentication failure.
// Auth rejections are not retried against the same driver.
func IsAuthRejected(err error) bool { return KindOf(err) == KindAuthRejected }
