package db

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the storage layer. Callers translate these
// to HTTP status codes at the ingress boundary.
var (
	// ErrNotFound means the requested experiment does not exist.
	ErrNotFound = errors.New("experiment not found")

	// ErrNameConflict means an experiment with the same name exists.
	ErrNameConflict = errors.New("experiment name already exists")

	// ErrUnknownVariant means a metrics batch referenced a variant name
	// that is not part of the experiment.
	ErrUnknownVariant = errors.New("unknown variant")
)

// ValidationError reports a shape or invariant violation with field-level
// detail.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func validationErr(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
