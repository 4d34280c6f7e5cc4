package availability

import (
	"errors"
	"fmt"
)

// Error kinds returned by the availability engine. Concrete errors wrap one
// of these, so callers classify them with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrSlotUnavailable   = errors.New("slot unavailable")
	ErrInvalidTransition = errors.New("invalid transition")
)

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func slotUnavailableErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSlotUnavailable, fmt.Sprintf(format, args...))
}
