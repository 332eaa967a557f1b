package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/jshost/hostfunc"
	"github.com/caffeineduck/jshost/module"
	"github.com/caffeineduck/jshost/projection"
	"github.com/caffeineduck/jshost/promise"
	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Context is an isolated script global environment with its own module
// records. Every operation on it requires the Context to be active on the
// caller's context.Context, see Enter.
type Context struct {
	id     string
	engine *Engine
	log    *zap.Logger

	vm        *goja.Runtime
	projector *projection.Projector
	resolver  *module.Resolver[*moduleBody]

	sem    chan struct{}
	closed chan struct{}

	mu       sync.Mutex
	owner    *chainToken
	depth    int
	disposed bool

	// Only touched while the scope is held.
	current   context.Context
	callDepth int
	handles   map[uint64]goja.Value
	nextID    uint64
	wasmMods  []api.Module

	jobsMu    sync.Mutex
	jobs      []func()
	jobSignal chan struct{}

	live        atomic.Int64
	nativeCalls atomic.Int64
}

// ContextStats is a snapshot of per-context counters.
type ContextStats struct {
	Handles     int64
	Modules     int
	NativeCalls int64
}

// NewContext creates a Context. It fails with ErrEngineDisposed once the
// engine has been disposed.
func (e *Engine) NewContext(opts ...ContextOption) (*Context, error) {
	cfg := contextConfig{loader: e.cfg.loader}
	for _, opt := range opts {
		opt(&cfg)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return nil, ErrEngineDisposed
	}

	id := uuid.NewString()
	c := &Context{
		id:        id,
		engine:    e,
		log:       e.log.With(zap.String("context", id)),
		vm:        goja.New(),
		sem:       make(chan struct{}, 1),
		closed:    make(chan struct{}),
		handles:   make(map[uint64]goja.Value),
		jobSignal: make(chan struct{}, 1),
	}
	c.vm.SetPromiseRejectionTracker(c.trackRejection)
	c.projector = projection.New(c.vm, projection.Hooks{
		Context: c.operation,
		Promise: c.promiseFor,
		Await:   c.completionFor,
		Adopt:   c.adopt,
	})
	c.resolver = module.NewResolver(cfg.loader, c.declare, module.Options{
		Logger:  c.log,
		Suspend: c.suspendFetch,
	})

	if e.cfg.console {
		enableConsole(c.vm, newConsolePrinter(c.log, e.cfg.consoleOut))
	}
	if err := c.install(e.cfg.hostFuncs, cfg.globals); err != nil {
		return nil, err
	}

	e.contexts[c] = struct{}{}
	c.log.Debug("context created")
	return c, nil
}

func (c *Context) install(funcs *hostfunc.Registry, globals map[string]any) error {
	if funcs != nil {
		for name, fn := range funcs.All() {
			if err := c.setGlobal(name, fn); err != nil {
				return fmt.Errorf("install host func %s: %w", name, err)
			}
		}
	}
	keys := lo.Keys(globals)
	slices.Sort(keys)
	for _, name := range keys {
		if err := c.setGlobal(name, globals[name]); err != nil {
			return fmt.Errorf("install global %s: %w", name, err)
		}
	}
	return nil
}

func (c *Context) setGlobal(name string, v any) error {
	jv, err := c.projector.ToScript(v)
	if err != nil {
		return err
	}
	return c.vm.GlobalObject().Set(name, jv)
}

// ID returns the context's unique identifier.
func (c *Context) ID() string { return c.id }

// Engine returns the owning engine.
func (c *Context) Engine() *Engine { return c.engine }

// Stats returns a snapshot of the context counters.
func (c *Context) Stats() ContextStats {
	return ContextStats{
		Handles:     c.live.Load(),
		Modules:     c.resolver.Len(),
		NativeCalls: c.nativeCalls.Load(),
	}
}

// ModuleStatus describes one module record.
type ModuleStatus struct {
	Key   module.Key
	State module.State
	Err   error
}

// Modules lists the context's module records sorted by key.
func (c *Context) Modules() []ModuleStatus {
	return lo.Map(c.resolver.Records(), func(rec *module.Record[*moduleBody], _ int) ModuleStatus {
		return ModuleStatus{Key: rec.Key(), State: rec.State(), Err: rec.Err()}
	})
}

// ModuleState reports the resolution state of key.
func (c *Context) ModuleState(key module.Key) (module.State, bool) {
	rec, ok := c.resolver.Lookup(key)
	if !ok {
		return 0, false
	}
	return rec.State(), true
}

func (c *Context) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// Dispose tears the context down. Values pinned in it become unusable and
// their pending releases are dropped. Calling it again is a no-op.
func (c *Context) Dispose(ctx context.Context) error {
	if c.isDisposed() {
		return nil
	}
	ctx, scope, err := c.Enter(ctx)
	if err != nil {
		if errors.Is(err, ErrContextDisposed) {
			return nil
		}
		return err
	}
	defer scope.Exit()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.mu.Unlock()
	close(c.closed)

	var errs []error
	closeCtx := context.WithoutCancel(ctx)
	for _, m := range c.wasmMods {
		if err := m.Close(closeCtx); err != nil {
			errs = append(errs, err)
		}
	}
	c.wasmMods = nil

	c.live.Store(0)
	c.engine.pinned.Add(-int64(len(c.handles)))
	clear(c.handles)
	c.jobsMu.Lock()
	c.jobs = nil
	c.jobsMu.Unlock()
	c.engine.tracker.FlushContext(c.id)
	c.engine.removeContext(c)

	c.log.Debug("context disposed")
	return errors.Join(errs...)
}

// operation returns the context.Context of the running operation.
func (c *Context) operation() context.Context {
	return c.current
}

// within marks ctx as the running operation until the returned func is
// called. Cancelling ctx interrupts script execution started meanwhile.
// The outermost operation reports unhandled rejections when it ends.
func (c *Context) within(ctx context.Context) func() {
	c.nativeCalls.Add(1)
	prev := c.current
	c.current = ctx

	var stop func() bool
	var fired chan struct{}
	if ctx.Done() != nil {
		chain := frameOf(ctx).chain
		fired = make(chan struct{})
		stop = context.AfterFunc(ctx, func() {
			defer close(fired)
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.owner == chain {
				c.vm.Interrupt(ErrCancelled)
			}
		})
	}

	return func() {
		if stop != nil && !stop() {
			<-fired
			c.vm.ClearInterrupt()
		}
		c.current = prev
		if prev == nil {
			c.engine.tracker.FlushContext(c.id)
		}
	}
}

// call invokes a script function, counting it as an active script frame.
func (c *Context) call(fn goja.Callable, this goja.Value, args ...goja.Value) (goja.Value, error) {
	c.callDepth++
	defer func() { c.callDepth-- }()
	return fn(this, args...)
}

// guard runs fn and converts script exceptions thrown through Go frames
// into errors.
func (c *Context) guard(ctx context.Context, fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch x := r.(type) {
		case *goja.Exception:
			err = c.translate(ctx, x)
		case *goja.InterruptedError:
			err = c.translate(ctx, x)
		case goja.Value:
			err = c.scriptError(x, "")
		default:
			panic(r)
		}
	}()
	return c.translate(ctx, fn())
}

var valuePtrType = reflect.TypeFor[*Value]()

func (c *Context) adopt(v goja.Value, t reflect.Type) (any, bool, error) {
	if t != valuePtrType {
		return nil, false, nil
	}
	return c.pin(v), true, nil
}

// Set projects v into the global object under name.
func (c *Context) Set(ctx context.Context, name string, v any) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	defer c.within(ctx)()
	return c.guard(ctx, func() error {
		return c.setGlobal(name, v)
	})
}

// Get returns the global named name; undefined when absent.
func (c *Context) Get(ctx context.Context, name string) (*Value, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	defer c.within(ctx)()
	var jv goja.Value
	err := c.guard(ctx, func() error {
		jv = c.vm.GlobalObject().Get(name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.pin(jv), nil
}

// Call invokes fn with args projected into script values.
func (c *Context) Call(ctx context.Context, fn *Value, args ...any) (*Value, error) {
	if _, err := c.own(ctx, fn); err != nil {
		return nil, err
	}
	return fn.Call(ctx, args...)
}

// own resolves a handle that must belong to c.
func (c *Context) own(ctx context.Context, v *Value) (goja.Value, error) {
	if v.ctx != c {
		return nil, fmt.Errorf("%w: value belongs to context %s", ErrInvalidOperation, v.ctx.id)
	}
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return v.native(ctx)
}

// ToScript projects v and pins the result.
func (c *Context) ToScript(ctx context.Context, v any) (*Value, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	defer c.within(ctx)()
	var jv goja.Value
	err := c.guard(ctx, func() (err error) {
		jv, err = c.projector.ToScript(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.pin(jv), nil
}

// ToHost converts v into a Go value of type t.
func (c *Context) ToHost(ctx context.Context, v *Value, t reflect.Type) (any, error) {
	jv, err := c.own(ctx, v)
	if err != nil {
		return nil, err
	}
	defer c.within(ctx)()
	var out any
	err = c.guard(ctx, func() (err error) {
		out, err = c.projector.ToHost(jv, t)
		return err
	})
	return out, err
}

// As converts v into T.
func As[T any](ctx context.Context, v *Value) (T, error) {
	var zero T
	x, err := v.ctx.ToHost(ctx, v, reflect.TypeFor[T]())
	if err != nil || x == nil {
		return zero, err
	}
	out, ok := x.(T)
	if !ok {
		return zero, &projection.ConversionError{
			From:   fmt.Sprintf("%T", x),
			To:     reflect.TypeFor[T]().String(),
			Reason: "unexpected result type",
		}
	}
	return out, nil
}

func (c *Context) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		name, msg, stack := describe(p.Result())
		reason := msg
		if name != "" {
			reason = name + ": " + msg
		}
		c.engine.tracker.Rejected(p, promise.Rejection{
			Context: c.id,
			Reason:  reason,
			Stack:   stack,
		})
	case goja.PromiseRejectionHandle:
		c.engine.tracker.Handled(p)
	}
}
