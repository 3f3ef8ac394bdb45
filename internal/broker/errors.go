package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull rejects an enqueue when the outstanding bound is reached.
	ErrQueueFull = errors.New("request queue is full")
	// ErrTimeout marks a forward that exceeded the fixed per-request timeout.
	ErrTimeout = errors.New("request to vision backend timed out")
	// ErrWorkerFault marks a request whose processing panicked.
	ErrWorkerFault = errors.New("unexpected broker worker fault")
)

// UpstreamError is a non-200 answer from the vision backend.
type UpstreamError struct {
	StatusCode int
	Detail     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("vision backend returned HTTP %d: %s", e.StatusCode, e.Detail)
}

// UnreachableError wraps a transport failure talking to the vision backend.
type UnreachableError struct {
	Target string
	Err    error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("cannot reach vision backend at %s: %v", e.Target, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// Outcome names the result label used for request metrics.
func Outcome(err error) string {
	var upstream *UpstreamError
	var unreachable *UnreachableError
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, ErrQueueFull):
		return "rejected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrWorkerFault):
		return "fault"
	case errors.As(err, &upstream):
		return "upstream_error"
	case errors.As(err, &unreachable):
		return "unreachable"
	default:
		return "abandoned"
	}
}
