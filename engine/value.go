package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"weak"

	"github.com/caffeineduck/jshost/projection"
	"github.com/dop251/goja"
)

// Value is a handle to a script value pinned in its Context. The pin is
// dropped by Dispose or, failing that, after the handle is garbage
// collected. Both paths go through the engine's release queue.
type Value struct {
	ctx     *Context
	engine  weak.Pointer[Engine]
	id      atomic.Uint64 // 0 once released
	cleanup runtime.Cleanup
}

// releaseTicket must not reference the Value, or the cleanup never runs.
type releaseTicket struct {
	engine weak.Pointer[Engine]
	ctx    *Context
	id     uint64
}

func (c *Context) pin(v goja.Value) *Value {
	if v == nil {
		v = goja.Undefined()
	}
	c.nextID++
	id := c.nextID
	c.handles[id] = v
	c.live.Add(1)
	c.engine.pinned.Add(1)

	val := &Value{ctx: c, engine: weak.Make(c.engine)}
	val.id.Store(id)
	val.cleanup = runtime.AddCleanup(val, collectValue, releaseTicket{
		engine: val.engine,
		ctx:    c,
		id:     id,
	})
	return val
}

func collectValue(t releaseTicket) {
	e := t.engine.Value()
	if e == nil {
		return
	}
	e.collected.Add(1)
	e.enqueueRelease(t.ctx, t.id)
}

func (e *Engine) enqueueRelease(c *Context, id uint64) {
	if !e.queue.push(job{kind: releaseJob, ctx: c, id: id}) {
		e.dropped.Add(1)
	}
}

// releaseHandle runs on the release worker.
func (c *Context) releaseHandle(id uint64) {
	_, exit, ok := c.enterBlocking()
	if !ok {
		c.engine.dropped.Add(1)
		return
	}
	defer exit()

	if _, ok := c.handles[id]; !ok {
		c.engine.failed.Add(1)
		releaseFailed(c, id)
		return
	}
	delete(c.handles, id)
	c.live.Add(-1)
	c.engine.pinned.Add(-1)
	c.engine.released.Add(1)
}

// Dispose releases the pin. Only the first call has an effect.
func (v *Value) Dispose() {
	id := v.id.Swap(0)
	if id == 0 {
		return
	}
	v.cleanup.Stop()
	if e := v.engine.Value(); e != nil {
		e.enqueueRelease(v.ctx, id)
	}
}

// Released reports whether Dispose has been called.
func (v *Value) Released() bool { return v.id.Load() == 0 }

// Context returns the Context the value belongs to.
func (v *Value) Context() *Context { return v.ctx }

func (v *Value) native(ctx context.Context) (goja.Value, error) {
	id := v.id.Load()
	if id == 0 {
		return nil, ErrValueReleased
	}
	if err := v.ctx.check(ctx); err != nil {
		return nil, err
	}
	jv, ok := v.ctx.handles[id]
	if !ok {
		return nil, ErrValueReleased
	}
	return jv, nil
}

// ScriptValue lets a handle be passed back into script code of its own
// runtime.
func (v *Value) ScriptValue(vm *goja.Runtime) (goja.Value, error) {
	if vm != v.ctx.vm {
		return nil, fmt.Errorf("%w: value belongs to context %s", ErrInvalidOperation, v.ctx.id)
	}
	jv, ok := v.ctx.handles[v.id.Load()]
	if !ok {
		return nil, ErrValueReleased
	}
	return jv, nil
}

// Export converts the value to its natural Go form.
func (v *Value) Export(ctx context.Context) (any, error) {
	jv, err := v.native(ctx)
	if err != nil {
		return nil, err
	}
	c := v.ctx
	defer c.within(ctx)()
	var out any
	err = c.guard(ctx, func() (err error) {
		out, err = c.projector.Export(jv)
		return err
	})
	return out, err
}

// String returns the script string conversion of the value.
func (v *Value) String(ctx context.Context) (string, error) {
	jv, err := v.native(ctx)
	if err != nil {
		return "", err
	}
	c := v.ctx
	defer c.within(ctx)()
	var s string
	err = c.guard(ctx, func() error {
		s = jv.String()
		return nil
	})
	return s, err
}

// JSON returns JSON.stringify of the value; values with no JSON form
// encode as null.
func (v *Value) JSON(ctx context.Context) ([]byte, error) {
	jv, err := v.native(ctx)
	if err != nil {
		return nil, err
	}
	c := v.ctx
	defer c.within(ctx)()
	var out []byte
	err = c.guard(ctx, func() error {
		stringify, ok := goja.AssertFunction(c.vm.Get("JSON").ToObject(c.vm).Get("stringify"))
		if !ok {
			return fmt.Errorf("%w: JSON.stringify unavailable", ErrInvalidOperation)
		}
		res, err := c.call(stringify, goja.Undefined(), jv)
		if err != nil {
			return err
		}
		if goja.IsUndefined(res) {
			out = []byte("null")
			return nil
		}
		out = []byte(res.String())
		return nil
	})
	return out, err
}

// Type returns the script typeof of the value, with "null" and "array"
// distinguished.
func (v *Value) Type(ctx context.Context) (string, error) {
	jv, err := v.native(ctx)
	if err != nil {
		return "", err
	}
	defer v.ctx.within(ctx)()
	return projection.TypeOf(jv), nil
}

// IsPromise reports whether the value is a promise.
func (v *Value) IsPromise(ctx context.Context) (bool, error) {
	jv, err := v.native(ctx)
	if err != nil {
		return false, err
	}
	defer v.ctx.within(ctx)()
	return isPromise(jv), nil
}

func isPromise(jv goja.Value) bool {
	obj, ok := jv.(*goja.Object)
	if !ok {
		return false
	}
	_, ok = obj.Export().(*goja.Promise)
	return ok
}

// Get reads a property.
func (v *Value) Get(ctx context.Context, name string) (*Value, error) {
	jv, err := v.native(ctx)
	if err != nil {
		return nil, err
	}
	c := v.ctx
	defer c.within(ctx)()
	if goja.IsUndefined(jv) || goja.IsNull(jv) {
		return nil, fmt.Errorf("%w: cannot read property %q of %s", ErrInvalidOperation, name, jv)
	}
	var prop goja.Value
	err = c.guard(ctx, func() error {
		prop = jv.ToObject(c.vm).Get(name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.pin(prop), nil
}

// Set writes a property.
func (v *Value) Set(ctx context.Context, name string, x any) error {
	jv, err := v.native(ctx)
	if err != nil {
		return err
	}
	c := v.ctx
	defer c.within(ctx)()
	obj, ok := jv.(*goja.Object)
	if !ok {
		return fmt.Errorf("%w: cannot set property %q on %s", ErrInvalidOperation, name, projection.TypeOf(jv))
	}
	return c.guard(ctx, func() error {
		xv, err := c.projector.ToScript(x)
		if err != nil {
			return err
		}
		return obj.Set(name, xv)
	})
}

// Call invokes the value as a function with an undefined receiver.
func (v *Value) Call(ctx context.Context, args ...any) (*Value, error) {
	jv, err := v.native(ctx)
	if err != nil {
		return nil, err
	}
	return v.ctx.invoke(ctx, func() goja.Value { return jv }, goja.Undefined(), args)
}

// Invoke calls the method name with the value as receiver.
func (v *Value) Invoke(ctx context.Context, name string, args ...any) (*Value, error) {
	jv, err := v.native(ctx)
	if err != nil {
		return nil, err
	}
	obj, ok := jv.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no methods", ErrInvalidOperation, projection.TypeOf(jv))
	}
	return v.ctx.invoke(ctx, func() goja.Value { return obj.Get(name) }, obj, args)
}

func (c *Context) invoke(ctx context.Context, target func() goja.Value, this goja.Value, args []any) (*Value, error) {
	defer c.within(ctx)()
	var res goja.Value
	err := c.guard(ctx, func() error {
		fnVal := target()
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return fmt.Errorf("%w: %s is not a function", ErrInvalidOperation, projection.TypeOf(fnVal))
		}
		jsArgs := make([]goja.Value, len(args))
		for i, a := range args {
			jv, err := c.projector.ToScript(a)
			if err != nil {
				return fmt.Errorf("argument %d: %w", i+1, err)
			}
			jsArgs[i] = jv
		}
		var err error
		res, err = c.call(fn, this, jsArgs...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.pin(res), nil
}
