package backend

// unreachableError signals a transport-level failure: the endpoint could not
// be reached or timed out. Drives health transitions, not caller failures.
type unreachableError struct {
	url string
	err error
}

func (e unreachableError) Error() string { return "backend unreachable: " + e.url + ": " + e.err.Error() }
func (e unreachableError) Unwrap() error { return e.err }

// IsUnreachable reports whether err is a transport-level failure.
func IsUnreachable(err error) bool {
	_, ok := err.(unreachableError)
	return ok
}

// inferenceError signals a reachable backend that returned an error or a
// malformed response. Counts toward the job retry budget.
type inferenceError struct {
	url string
	msg string
}

func (e inferenceError) Error() string { return "inference error: " + e.url + ": " + e.msg }

// IsInference reports whether err is a backend-side inference failure.
func IsInference(err error) bool {
	_, ok := err.(inferenceError)
	return ok
}
