package registry

import "errors"

var errInvalidID = errors.New("instance id must not be empty")

// duplicateIDError signals a Register call reusing a live instance id.
type duplicateIDError struct{ id string }

func (e duplicateIDError) Error() string { return "instance already registered: " + e.id }

// IsDuplicateID reports whether err indicates an id collision on Register.
func IsDuplicateID(err error) bool {
	_, ok := err.(duplicateIDError)
	return ok
}
