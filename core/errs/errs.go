// Package errs defines the error kinds shared by the song pipeline and the
// HTTP layer. Operations wrap one of these with context; callers use errors.Is.
package errs

import "errors"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrDuplicateResource  = errors.New("duplicate resource")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrTransformFailure   = errors.New("transform failure")
)

// Kind returns the sentinel err wraps, or nil for unclassified errors.
func Kind(err error) error {
	for _, kind := range []error{
		ErrInvalidInput,
		ErrUnauthorized,
		ErrForbidden,
		ErrNotFound,
		ErrDuplicateResource,
		ErrStorageUnavailable,
		ErrTransformFailure,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
