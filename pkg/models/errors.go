package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound marks direct lookups of absent areas or rules.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks duplicate rule creation and blocked area deletion.
	ErrConflict = errors.New("conflict")
)

// ValidationError reports malformed input: bad identifiers, batch sizes
// outside [1,100], unknown rule types.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidateAreaID requires RFC 4122 UUID text.
func ValidateAreaID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return Validationf("invalid id format: %q", id)
	}
	return nil
}
