package dispatch

import "fmt"

// jobFailedError is terminal: every retry against the pool was used up.
// It carries enough context to diagnose which backend failed last.
type jobFailedError struct {
	jobID      string
	attempts   int
	instanceID string
	lastErr    error
}

func (e jobFailedError) Error() string {
	return fmt.Sprintf("job %s failed after %d attempts (last instance %s): %v",
		e.jobID, e.attempts, e.instanceID, e.lastErr)
}

func (e jobFailedError) Unwrap() error { return e.lastErr }

// IsJobFailed reports whether err is a terminal per-job failure.
func IsJobFailed(err error) bool {
	_, ok := err.(jobFailedError)
	return ok
}

// Attempts returns the attempt count recorded in a terminal job failure,
// or 0 for other errors.
func Attempts(err error) int {
	if jf, ok := err.(jobFailedError); ok {
		return jf.attempts
	}
	return 0
}

// noInstanceError signals that no dispatchable instance existed (or became
// available) within the wait budget.
type noInstanceError struct{ model string }

func (e noInstanceError) Error() string {
	if e.model != "" {
		return "no backend instance available for model " + e.model
	}
	return "no backend instance available"
}

// IsNoInstance reports whether err means the pool had no usable backend.
func IsNoInstance(err error) bool {
	_, ok := err.(noInstanceError)
	return ok
}
