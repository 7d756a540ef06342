package burn

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sentinel errors classify failures across the pipeline. Stages and facades
// wrap these with context; callers branch with errors.Is.
var (
	// ErrAuth indicates bad provider credentials. Never retried; the
	// owning breaker latches open until reconfiguration.
	ErrAuth = errors.New("provider credentials rejected")

	// ErrUnavailable indicates a transient provider failure. Retried with
	// exponential backoff within the stage budget.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrBackpressure indicates the work queue or a breaker is saturated.
	// Callers may retry later.
	ErrBackpressure = errors.New("coordinator saturated")

	// ErrCapacity indicates the per-date burn set exceeds the optimizer cap.
	ErrCapacity = errors.New("per-date burn capacity exceeded")

	// ErrNumeric indicates the dispersion model produced a non-finite
	// output. Fatal for the request; never retried.
	ErrNumeric = errors.New("non-finite model output")

	// ErrCancelled indicates explicit cooperative cancellation.
	ErrCancelled = errors.New("request cancelled")

	// ErrNotFound indicates an unknown request or row identifier.
	ErrNotFound = errors.New("not found")

	// ErrShape indicates a vector dimension mismatch for a (table, field).
	ErrShape = errors.New("vector dimension mismatch")
)

// ValidationError reports rejected user input. Fields maps each offending
// field name to a human-readable reason. Terminal for the request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s: %s", k, e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// RateLimitedError reports a provider rate limit along with the delay the
// provider asked callers to honor before retrying.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ErrorKind returns the stable wire identifier for an error in the pipeline
// taxonomy. Unknown errors map to "internal".
func ErrorKind(err error) string {
	var ve *ValidationError
	var rl *RateLimitedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrNumeric):
		return "numeric"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrShape):
		return "shape"
	default:
		return "internal"
	}
}

// Fatal reports whether the error rejects the request outright rather than
// exhausting its retry budget. Fatal errors transition the request to the
// rejected state.
func Fatal(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrAuth) || errors.Is(err, ErrNumeric)
}

// Transient reports whether the error may succeed on retry.
func Transient(err error) bool {
	var rl *RateLimitedError
	return errors.Is(err, ErrUnavailable) || errors.As(err, &rl)
}
