package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/jshost/promise"
	"github.com/dop251/goja"
)

// translate maps runtime failures onto the package's error types. Errors
// that are already host errors pass through.
func (c *Context) translate(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause := context.Cause(ctx); cause != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, cause)
		}
		return ErrCancelled
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return c.scriptError(ex.Value(), ex.String())
	}
	return err
}

// scriptError pins the thrown value and describes it. A thrown host error
// becomes the Cause.
func (c *Context) scriptError(v goja.Value, fallbackStack string) *ScriptError {
	name, msg, stack := describe(v)
	if stack == "" {
		stack = fallbackStack
	}
	se := &ScriptError{
		Name:    name,
		Message: msg,
		Stack:   stack,
		Cause:   hostError(v),
	}
	if !c.isDisposed() {
		se.Value = c.pin(v)
	}
	return se
}

// hostError returns the Go error carried by a GoError object.
func hostError(v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	inner := obj.Get("value")
	if inner == nil {
		return nil
	}
	err, _ := inner.Export().(error)
	return err
}

// errorValue returns the script value to reject or throw for err.
func (c *Context) errorValue(err error) goja.Value {
	var rej *promise.RejectionError
	if errors.As(err, &rej) {
		if jv, ok := rej.Value.(goja.Value); ok {
			return jv
		}
	}
	var se *ScriptError
	if errors.As(err, &se) && se.Value != nil {
		if jv, ok := c.handles[se.Value.id.Load()]; ok {
			return jv
		}
	}
	return c.vm.NewGoError(err)
}

// rejection describes a script rejection reason as a host error.
func rejection(reason goja.Value) error {
	name, msg, stack := describe(reason)
	if name != "" {
		msg = name + ": " + msg
	}
	return &promise.RejectionError{
		Reason:  msg,
		Stack:   stack,
		Value:   reason,
		Wrapped: hostError(reason),
	}
}

// describe extracts name, message and stack from a thrown value.
func describe(v goja.Value) (name, message, stack string) {
	if v == nil || goja.IsUndefined(v) {
		return "", "undefined", ""
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return "", safeString(v), ""
	}
	name = stringProp(obj, "name")
	message = stringProp(obj, "message")
	stack = stringProp(obj, "stack")
	if name == "" && message == "" {
		message = safeString(v)
	}
	return name, message, stack
}

func stringProp(obj *goja.Object, key string) (s string) {
	defer func() {
		if recover() != nil {
			s = ""
		}
	}()
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// safeString converts v with a fallback when a script toString throws.
func safeString(v goja.Value) (s string) {
	defer func() {
		if recover() != nil {
			s = "[object]"
		}
	}()
	return v.String()
}
