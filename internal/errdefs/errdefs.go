// Package errdefs holds the error values shared by every orchestrator layer.
// Callers match them with errors.Is; wrapping adds the offending id.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrBackendUnavailable  = errors.New("no runtime backend available")
	ErrSandboxCreateFailed = errors.New("sandbox create failed")
	ErrSandboxStartFailed  = errors.New("sandbox start failed")
	ErrSandboxNotFound     = errors.New("sandbox not found")
	ErrNotRunning          = errors.New("sandbox not running")
	ErrBeingReclaimed      = errors.New("sandbox is being reclaimed")
	ErrSessionNotFound     = errors.New("session not found")
	ErrBindingNotFound     = errors.New("thread binding not found")
	ErrExecutionFailed     = errors.New("execution failed")
	ErrCheckpointFailed    = errors.New("checkpoint failed")
)

// ValidationError reports a single rejected field.
type ValidationError struct {
	Field string
	Value any
	Max   any
}

func (e *ValidationError) Error() string {
	if e.Max != nil {
		return fmt.Sprintf("%s: %v exceeds maximum %v", e.Field, e.Value, e.Max)
	}
	return fmt.Sprintf("%s: invalid value %v", e.Field, e.Value)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsNotFound reports whether err refers to an unknown sandbox, session or binding.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSandboxNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrBindingNotFound)
}
