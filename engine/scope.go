package engine

import (
	"context"
	"sync"
)

// chainToken identifies one activation chain: the sequence of nested
// scopes entered through a single context.Context lineage.
type chainToken struct{ _ byte }

type frameKey struct{}

type frame struct {
	c      *Context
	parent *frame
	chain  *chainToken
}

func frameOf(ctx context.Context) *frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

// Active returns the innermost Context entered on ctx, or nil.
func Active(ctx context.Context) *Context {
	if f := frameOf(ctx); f != nil {
		return f.c
	}
	return nil
}

// Scope is one activation of a Context. Exit restores the previous
// activation; it is safe to call more than once.
type Scope struct {
	c    *Context
	once sync.Once
}

// Context returns the activated Context.
func (s *Scope) Context() *Context { return s.c }

// Exit ends the activation.
func (s *Scope) Exit() {
	s.once.Do(s.c.leave)
}

// Enter activates c on the chain carried by ctx and returns the derived
// context to pass to engine operations. Entering a Context already active
// on the same chain nests; a Context held by another chain fails with
// ErrContextInUse without waiting.
//
//	ctx, scope, err := c.Enter(ctx)
//	if err != nil {
//		return err
//	}
//	defer scope.Exit()
func (c *Context) Enter(ctx context.Context) (context.Context, *Scope, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.isDisposed() {
		return ctx, nil, ErrContextDisposed
	}

	top := frameOf(ctx)
	chain := new(chainToken)
	if top != nil {
		chain = top.chain
	}
	if !c.acquire(chain) {
		return ctx, nil, ErrContextInUse
	}
	if c.isDisposed() {
		c.leave()
		return ctx, nil, ErrContextDisposed
	}

	f := &frame{c: c, parent: top, chain: chain}
	return context.WithValue(ctx, frameKey{}, f), &Scope{c: c}, nil
}

// Do runs fn with c active and exits on every path, panics included.
func (c *Context) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, scope, err := c.Enter(ctx)
	if err != nil {
		return err
	}
	defer scope.Exit()
	return fn(ctx)
}

func (c *Context) acquire(chain *chainToken) bool {
	c.mu.Lock()
	if c.owner == chain && c.depth > 0 {
		c.depth++
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	select {
	case c.sem <- struct{}{}:
	default:
		return false
	}

	c.mu.Lock()
	c.owner = chain
	c.depth = 1
	c.mu.Unlock()
	return true
}

func (c *Context) leave() {
	c.mu.Lock()
	c.depth--
	last := c.depth == 0
	if last {
		c.owner = nil
	}
	c.mu.Unlock()
	if last {
		<-c.sem
	}
}

// enterBlocking activates c for the release worker, waiting for the current
// owner to exit. It reports false once the context is disposed.
func (c *Context) enterBlocking() (context.Context, func(), bool) {
	select {
	case c.sem <- struct{}{}:
	case <-c.closed:
		return nil, nil, false
	}
	if c.isDisposed() {
		<-c.sem
		return nil, nil, false
	}

	chain := new(chainToken)
	c.mu.Lock()
	c.owner = chain
	c.depth = 1
	c.mu.Unlock()

	ctx := context.WithValue(context.Background(), frameKey{}, &frame{c: c, chain: chain})
	return ctx, c.leave, true
}

// check fails with ErrContextNotActive unless ctx carries the chain that
// currently owns c.
func (c *Context) check(ctx context.Context) error {
	if c.isDisposed() {
		return ErrContextDisposed
	}
	f := frameOf(ctx)
	if f == nil || f.c != c {
		return ErrContextNotActive
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != f.chain || c.depth == 0 {
		return ErrContextNotActive
	}
	return nil
}

// suspend releases the scope for the duration of wait and re-acquires it
// before returning, so other callers can use the context while this one
// waits on I/O or a promise.
func (c *Context) suspend(ctx context.Context, wait func(context.Context) error) error {
	c.mu.Lock()
	owner, depth := c.owner, c.depth
	c.owner, c.depth = nil, 0
	c.mu.Unlock()
	<-c.sem

	err := wait(ctx)

	c.sem <- struct{}{}
	c.mu.Lock()
	c.owner, c.depth = owner, depth
	c.mu.Unlock()

	if err == nil && c.isDisposed() {
		err = ErrContextDisposed
	}
	return err
}

// suspendFetch suspends around module fetches unless script frames are on
// the stack; a running script cannot be parked, so its dynamic imports fetch
// while holding the scope.
func (c *Context) suspendFetch(ctx context.Context, wait func(context.Context) error) error {
	if c.callDepth > 0 {
		return wait(ctx)
	}
	return c.suspend(ctx, wait)
}
