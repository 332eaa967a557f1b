package projection

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrConversion            = errors.New("conversion failed")
	ErrMissingModuleMetadata = errors.New("missing module metadata")
	ErrNotProjectable        = errors.New("type cannot be projected")
	ErrDuplicateMember       = errors.New("duplicate member name")
)

// ConversionError reports a value that does not fit the requested type.
type ConversionError struct {
	From   string
	To     string
	Reason string
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("cannot convert %s to %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ConversionError) Is(target error) bool { return target == ErrConversion }

func conversionError(from string, to reflect.Type, reason string) error {
	name := "<nil>"
	if to != nil {
		name = to.String()
	}
	return &ConversionError{From: from, To: name, Reason: reason}
}

// ProjectionError reports a type whose metadata cannot be projected.
type ProjectionError struct {
	Type   reflect.Type
	Member string
	Err    error
}

func (e *ProjectionError) Error() string {
	name := "<nil>"
	if e.Type != nil {
		name = e.Type.String()
	}
	if e.Member != "" {
		return fmt.Sprintf("project %s.%s: %v", name, e.Member, e.Err)
	}
	return fmt.Sprintf("project %s: %v", name, e.Err)
}

func (e *ProjectionError) Unwrap() error { return e.Err }
