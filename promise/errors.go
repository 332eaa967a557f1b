package promise

import "errors"

var (
	ErrPending  = errors.New("promise pending")
	ErrRejected = errors.New("promise rejected")
)

// RejectionError carries a script rejection reason into host code.
type RejectionError struct {
	Reason  string
	Stack   string
	Value   any
	Wrapped error
}

func (e *RejectionError) Error() string {
	if e.Reason == "" {
		return ErrRejected.Error()
	}
	return "promise rejected: " + e.Reason
}

func (e *RejectionError) Unwrap() []error {
	if e.Wrapped != nil {
		return []error{ErrRejected, e.Wrapped}
	}
	return []error{ErrRejected}
}
