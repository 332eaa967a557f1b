package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/jshost/promise"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// promiseFor turns a host completion into a script promise. The settlement
// is scheduled back onto this context; it never touches script values from
// the goroutine that completed it.
func (c *Context) promiseFor(comp *promise.Completion) (goja.Value, error) {
	p, resolve, reject := c.vm.NewPromise()
	comp.OnSettle(func(v any, err error) {
		c.schedule(func() {
			if err != nil {
				reject(c.errorValue(err))
				return
			}
			jv, cerr := c.projector.ToScript(v)
			if cerr != nil {
				reject(c.vm.NewGoError(cerr))
				return
			}
			resolve(jv)
		})
	})
	return c.vm.ToValue(p), nil
}

// completionFor subscribes to a script value. Non-promise values complete
// immediately, as with await.
func (c *Context) completionFor(v goja.Value) (*promise.Completion, error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return promise.Resolved(v), nil
	}
	p, ok := obj.Export().(*goja.Promise)
	if !ok {
		return promise.Resolved(v), nil
	}

	comp := promise.NewCompletion()
	switch p.State() {
	case goja.PromiseStateFulfilled:
		comp.Resolve(p.Result())
		return comp, nil
	case goja.PromiseStateRejected:
		// Subscribing below still marks the rejection handled.
		comp.Reject(rejection(p.Result()))
	}

	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		return nil, fmt.Errorf("%w: promise has no then", ErrInvalidOperation)
	}
	onFulfilled := c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		comp.Resolve(call.Argument(0))
		return goja.Undefined()
	})
	onRejected := c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		comp.Reject(rejection(call.Argument(0)))
		return goja.Undefined()
	})
	if _, err := c.call(then, obj, onFulfilled, onRejected); err != nil {
		return nil, err
	}
	return comp, nil
}

// Await waits for v to settle and returns the fulfilled value. A rejection
// is returned as a *ScriptError. While no script frames are active the
// scope is released during the wait. Inside a script call a promise that is
// still pending after scheduled jobs ran fails with ErrInvalidOperation.
func (c *Context) Await(ctx context.Context, v *Value) (*Value, error) {
	jv, err := c.own(ctx, v)
	if err != nil {
		return nil, err
	}
	defer c.within(ctx)()
	var res goja.Value
	err = c.guard(ctx, func() (err error) {
		res, err = c.settle(ctx, jv)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.pin(res), nil
}

func (c *Context) settle(ctx context.Context, jv goja.Value) (goja.Value, error) {
	comp, err := c.completionFor(jv)
	if err != nil {
		return nil, err
	}
	res, err := c.wait(ctx, comp)
	if err != nil {
		var rej *promise.RejectionError
		if errors.As(err, &rej) {
			if reason, ok := rej.Value.(goja.Value); ok {
				return nil, c.scriptError(reason, rej.Stack)
			}
		}
		return nil, err
	}
	out, _ := res.(goja.Value)
	return out, nil
}

// wait drives scheduled jobs until comp settles.
func (c *Context) wait(ctx context.Context, comp *promise.Completion) (any, error) {
	for {
		c.runJobs()
		if comp.Settled() {
			return comp.Result()
		}
		// Reactions only run once the outermost script call returns.
		if c.callDepth > 0 {
			return nil, fmt.Errorf("%w: promise still pending inside a script call", ErrInvalidOperation)
		}

		err := c.suspend(ctx, func(ctx context.Context) error {
			select {
			case <-comp.Done():
			case <-c.jobSignal:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			}
			return nil, err
		}
	}
}

// schedule queues fn to run inside the scope and wakes whoever can run it:
// an owner blocked in wait, or the engine worker.
func (c *Context) schedule(fn func()) {
	c.jobsMu.Lock()
	c.jobs = append(c.jobs, fn)
	c.jobsMu.Unlock()

	select {
	case c.jobSignal <- struct{}{}:
	default:
	}
	c.engine.queue.push(job{kind: drainJob, ctx: c})
}

// runJobs runs scheduled jobs with the scope held.
func (c *Context) runJobs() {
	for {
		c.jobsMu.Lock()
		jobs := c.jobs
		c.jobs = nil
		c.jobsMu.Unlock()
		if len(jobs) == 0 {
			return
		}
		for _, fn := range jobs {
			c.runJob(fn)
		}
	}
}

// runJob runs fn as a script call so promise reactions it triggers run
// when the call returns. Nested inside script frames they stay queued until
// the outermost frame returns.
func (c *Context) runJob(fn func()) {
	c.callDepth++
	defer func() {
		c.callDepth--
		if r := recover(); r != nil {
			c.log.Error("scheduled job failed", zap.Any("panic", r))
		}
	}()
	run, _ := goja.AssertFunction(c.vm.ToValue(func(goja.FunctionCall) goja.Value {
		fn()
		return goja.Undefined()
	}))
	if _, err := run(goja.Undefined()); err != nil {
		c.log.Error("scheduled job failed", zap.Error(err))
	}
}

// drainScheduled runs on the engine worker.
func (c *Context) drainScheduled() {
	ctx, exit, ok := c.enterBlocking()
	if !ok {
		return
	}
	defer exit()
	defer c.within(ctx)()
	c.runJobs()
}
