package engine

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/jshost/module"
)

var (
	ErrPlatformUnsupported    = errors.New("platform unsupported")
	ErrEngineDisposed         = errors.New("engine disposed")
	ErrContextDisposed        = errors.New("context disposed")
	ErrContextInUse           = errors.New("context in use by another activation")
	ErrContextNotActive       = errors.New("context not active")
	ErrModuleAlreadyEvaluated = errors.New("module already evaluated")
	ErrInvalidOperation       = errors.New("invalid operation")
	ErrValueReleased          = errors.New("value released")
	ErrScriptException        = errors.New("script exception")
	ErrParse                  = errors.New("parse error")

	// ErrCancelled is shared with the module package so a cancelled fetch and
	// an interrupted script match the same sentinel.
	ErrCancelled = module.ErrCancelled
)

// ParseError reports source that could not be parsed as a module.
type ParseError struct {
	Name    string
	Line    int
	Column  int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.Name, e.Line, e.Column, e.Message)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// ScriptError wraps a value thrown by script code. Value is a handle to the
// thrown value and is nil once the context is gone. Cause is set when the
// thrown value carries a host error.
type ScriptError struct {
	Name    string
	Message string
	Stack   string
	Value   *Value
	Cause   error
}

func (e *ScriptError) Error() string {
	switch {
	case e.Name == "":
		return e.Message
	case e.Message == "":
		return e.Name
	}
	return e.Name + ": " + e.Message
}

func (e *ScriptError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrScriptException}
	}
	return []error{ErrScriptException, e.Cause}
}
