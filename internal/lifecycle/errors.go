package lifecycle

// provisionError signals a container that failed to start or become
// reachable. A broken instance is never registered when this is returned.
type provisionError struct {
	reason string
	err    error
}

func (e provisionError) Error() string {
	if e.err != nil {
		return "provision failed: " + e.reason + ": " + e.err.Error()
	}
	return "provision failed: " + e.reason
}

func (e provisionError) Unwrap() error { return e.err }

// ErrProvision constructs a provisioning failure.
func ErrProvision(reason string, err error) error { return provisionError{reason: reason, err: err} }

// IsProvision reports whether err is a provisioning failure.
func IsProvision(err error) bool {
	_, ok := err.(provisionError)
	return ok
}
