package pingate

import (
	"errors"
	"fmt"
)

var (
	ErrFormatInvalid     = errors.New("format invalid")
	ErrNotConfigured     = errors.New("pin not configured")
	ErrAlreadyConfigured = errors.New("pin already configured")
	ErrStorageFailure    = errors.New("storage failure")
	ErrStorageCorruption = errors.New("stored credential is corrupt")
	ErrVersionConflict   = errors.New("credential changed concurrently")
	ErrWeakConfiguration = errors.New("configuration weaker than documented minimum")
	ErrInvalidGateToken  = errors.New("invalid gate token")
)

var errSubjectIDRequired = &FormatError{Field: "subject_id", Reason: "subject id is required"}

// FormatError describes a rejected input. Reason is safe to show to a user
// and never echoes the rejected value.
type FormatError struct {
	Field  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormatInvalid
}

// NeedsSetup reports whether the caller should route to the setup flow:
// either nothing is configured or the stored secrets are unreadable.
func NeedsSetup(err error) bool {
	return errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrStorageCorruption)
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
}
