package orchestrator

import "errors"

// errClosed is returned by SubmitBatch after Close.
var errClosed = errors.New("orchestrator is shutting down")

// IsClosed reports whether err means the orchestrator no longer accepts work.
func IsClosed(err error) bool { return errors.Is(err, errClosed) }

type notFoundError struct{ batchID string }

func (e notFoundError) Error() string { return "batch not found: " + e.batchID }

// ErrNotFound builds the error returned for unknown batch handles.
func ErrNotFound(batchID string) error { return notFoundError{batchID: batchID} }

// IsNotFound reports whether err refers to an unknown batch handle.
func IsNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

type invalidBatchError struct{ reason string }

func (e invalidBatchError) Error() string { return "invalid batch: " + e.reason }

// ErrInvalidBatch builds the error returned for rejected submissions.
func ErrInvalidBatch(reason string) error { return invalidBatchError{reason: reason} }

// IsInvalidBatch reports whether err is a rejected batch submission.
func IsInvalidBatch(err error) bool {
	_, ok := err.(invalidBatchError)
	return ok
}
