package module

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("module not found")
	ErrCancelled = errors.New("operation cancelled")
	// ErrInvalidTransition signals a record state change the machine does
	// not allow.
	ErrInvalidTransition = errors.New("invalid module state transition")
)

// ResolutionError reports a module that could not be fetched or linked.
type ResolutionError struct {
	Specifier string
	Referrer  Key
	Key       Key
	Err       error
}

func (e *ResolutionError) Error() string {
	if e.Referrer == "" {
		return fmt.Sprintf("cannot resolve module %q: %v", e.Specifier, e.Err)
	}
	return fmt.Sprintf("cannot resolve module %q from %q: %v", e.Specifier, e.Referrer, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
