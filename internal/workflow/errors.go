package workflow

import (
	"errors"
	"fmt"
)

// ErrNoRefillsRemaining is returned when refilling an exhausted prescription
var ErrNoRefillsRemaining = errors.New("no refills remaining")

// ValidationError reports bad operator input. Nothing is written when an
// operation returns one.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
