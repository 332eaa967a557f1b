// Package promise bridges asynchronous host work and script promises.
//
// A Completion is the host side of a promise: host functions return one to
// hand script code a Promise, and the engine completes one when host code
// awaits a script promise. A Completion settles exactly once; later calls to
// Resolve or Reject are ignored.
package promise

import (
	"context"
	"sync"
)

// Completion is a single-assignment result slot.
type Completion struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	value     any
	err       error
	callbacks []func(any, error)
}

// NewCompletion returns an unsettled Completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolved returns a Completion already fulfilled with v.
func Resolved(v any) *Completion {
	c := NewCompletion()
	c.Resolve(v)
	return c
}

// Rejected returns a Completion already rejected with err.
func Rejected(err error) *Completion {
	c := NewCompletion()
	c.Reject(err)
	return c
}

// Go runs fn on a new goroutine and settles the returned Completion with its
// result.
func Go(ctx context.Context, fn func(ctx context.Context) (any, error)) *Completion {
	c := NewCompletion()
	go func() {
		v, err := fn(ctx)
		c.settle(v, err)
	}()
	return c
}

// Resolve fulfills the completion. It reports whether this call settled it.
func (c *Completion) Resolve(v any) bool {
	return c.settle(v, nil)
}

// Reject rejects the completion with err. A nil err is replaced with
// ErrRejected.
func (c *Completion) Reject(err error) bool {
	if err == nil {
		err = ErrRejected
	}
	return c.settle(nil, err)
}

func (c *Completion) settle(v any, err error) bool {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return false
	}
	c.settled = true
	c.value, c.err = v, err
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(v, err)
	}
	return true
}

// Done is closed once the completion settles.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Settled reports whether Resolve or Reject has taken effect.
func (c *Completion) Settled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled
}

// Result returns the settled value and error. Before settlement it returns
// ErrPending.
func (c *Completion) Result() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.settled {
		return nil, ErrPending
	}
	return c.value, c.err
}

// Wait blocks until the completion settles or ctx is done.
func (c *Completion) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnSettle registers fn to run once with the settled result. If the
// completion has already settled fn runs immediately on the caller's
// goroutine; otherwise it runs on the goroutine that settles it.
func (c *Completion) OnSettle(fn func(v any, err error)) {
	c.mu.Lock()
	if !c.settled {
		c.callbacks = append(c.callbacks, fn)
		c.mu.Unlock()
		return
	}
	v, err := c.value, c.err
	c.mu.Unlock()
	fn(v, err)
}
