package domain

import "errors"

// Error taxonomy shared by the store, the reconciler and the conversation
// flow. Callers classify with errors.Is and turn every branch into a
// user-visible message; none of these is fatal to the process.
var (
	// ErrValidation covers malformed slot input (bad HH:MM, day out of
	// range, duplicate slot). Recovered locally by re-prompting.
	ErrValidation = errors.New("validation failed")

	// ErrConflict means a schedule already exists for the group.
	ErrConflict = errors.New("schedule already exists")

	// ErrNotFound is benign: operating on a schedule or group that is
	// not there is reported as information, not failure.
	ErrNotFound = errors.New("not found")
)
