package module

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Declarer turns a fetched source into a module body and reports the
// module's static import specifiers in source order.
type Declarer[T any] func(ctx context.Context, rec *Record[T], src Source) (body T, requests []string, err error)

// Options configures a Resolver.
type Options struct {
	Logger *zap.Logger
	// Suspend runs wait with the caller's engine scope released and
	// re-acquires it before returning. Nil runs wait directly.
	Suspend func(ctx context.Context, wait func(ctx context.Context) error) error
}

// Resolver owns the Record cache of one context.
type Resolver[T any] struct {
	loader  Loader
	declare Declarer[T]
	suspend func(ctx context.Context, wait func(ctx context.Context) error) error
	log     *zap.Logger

	mu      sync.Mutex
	records map[Key]*Record[T]
	// bySource maps a fetched Source.Name to the first record declared from
	// it, so keys that resolve to the same file share one body.
	bySource map[string]*Record[T]
}

// NewResolver creates a Resolver fetching through loader.
func NewResolver[T any](loader Loader, declare Declarer[T], opts Options) *Resolver[T] {
	if loader == nil {
		loader = NewMap()
	}
	r := &Resolver[T]{
		loader:   loader,
		declare:  declare,
		suspend:  opts.Suspend,
		log:      opts.Logger,
		records:  make(map[Key]*Record[T]),
		bySource: make(map[string]*Record[T]),
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.suspend == nil {
		r.suspend = func(ctx context.Context, wait func(context.Context) error) error {
			return wait(ctx)
		}
	}
	return r
}

// Lookup returns the record for key if one exists.
func (r *Resolver[T]) Lookup(key Key) (*Record[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	return rec, ok
}

// Records returns all records sorted by key.
func (r *Resolver[T]) Records() []*Record[T] {
	r.mu.Lock()
	out := make([]*Record[T], 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *Record[T]) int { return strings.Compare(string(a.key), string(b.key)) })
	return out
}

// Len returns the number of records.
func (r *Resolver[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Forget drops an Errored record so its key can be declared again.
func (r *Resolver[T]) Forget(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok || rec.State() != Errored {
		return false
	}
	delete(r.records, key)
	for name, canon := range r.bySource {
		if canon == rec {
			delete(r.bySource, name)
		}
	}
	return true
}

// insert returns the record for key, creating it in Requested when absent.
func (r *Resolver[T]) insert(key Key, specifier string, referrer Key) (*Record[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok {
		return rec, false
	}
	rec := newRecord[T](key, specifier, referrer)
	r.records[key] = rec
	return rec, true
}

// Add declares a record for key from a supplied source. It fails if the key
// is already known.
func (r *Resolver[T]) Add(ctx context.Context, key Key, src Source) (*Record[T], error) {
	rec, created := r.insert(key, string(key), "")
	if !created {
		return rec, fmt.Errorf("module %q already declared", key)
	}
	r.fetch(ctx, rec, &src)
	return rec, rec.Err()
}

// Resolve returns the record for specifier as imported by referrer, fetching
// and declaring it if this is the first request for its key. A record being
// fetched by another caller is waited for.
func (r *Resolver[T]) Resolve(ctx context.Context, referrer Key, specifier string) (*Record[T], error) {
	key := KeyFor(referrer, specifier)
	rec, created := r.insert(key, specifier, referrer)
	if created {
		r.fetch(ctx, rec, nil)
		return rec, rec.Err()
	}

	switch rec.State() {
	case Requested, Fetching:
		err := r.suspend(ctx, rec.Wait)
		if err != nil {
			return rec, r.wrap(rec.key, specifier, referrer, err)
		}
	}
	return rec, rec.Err()
}

func (r *Resolver[T]) fetch(ctx context.Context, rec *Record[T], supplied *Source) {
	if err := rec.startFetch(); err != nil {
		rec.fail(err)
		return
	}

	var src Source
	if supplied != nil {
		src = *supplied
	} else {
		r.log.Debug("fetching module", zap.String("key", string(rec.key)))
		err := r.suspend(ctx, func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := r.loader.Fetch(ctx, string(rec.key))
			src = s
			return err
		})
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			rec.fail(r.wrap(rec.key, rec.specifier, rec.referrer, err))
			return
		}
		if canon := r.sourceRecord(src.Name); canon != nil {
			r.log.Debug("module aliased",
				zap.String("key", string(rec.key)),
				zap.String("canonical", string(canon.key)))
			if err := rec.declare(canon.Body(), canon.Requests(), src.Name); err != nil {
				rec.fail(err)
			}
			return
		}
	}

	body, requests, err := r.declare(ctx, rec, src)
	if err != nil {
		rec.fail(err)
		return
	}
	if err := rec.declare(body, requests, src.Name); err != nil {
		rec.fail(err)
		return
	}
	if supplied == nil && src.Name != "" {
		r.mu.Lock()
		if _, ok := r.bySource[src.Name]; !ok {
			r.bySource[src.Name] = rec
		}
		r.mu.Unlock()
	}
}

// sourceRecord returns the healthy record already declared from name.
func (r *Resolver[T]) sourceRecord(name string) *Record[T] {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	canon, ok := r.bySource[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	switch canon.State() {
	case Declared, Ready:
		return canon
	}
	return nil
}

func (r *Resolver[T]) wrap(key Key, specifier string, referrer Key, err error) error {
	var rerr *ResolutionError
	if errors.As(err, &rerr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if !errors.Is(err, ErrCancelled) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
	}
	return &ResolutionError{Specifier: specifier, Referrer: referrer, Key: key, Err: err}
}

// Link resolves the static import graph below root depth-first, in the order
// imports were first observed, then delivers the ready notification to every
// visited record. On failure only the records on the import path from root
// to the failing module become Errored; fully linked subtrees stay Declared
// and link again from another root.
func (r *Resolver[T]) Link(ctx context.Context, root *Record[T]) error {
	visited := make(map[Key]bool)
	var order, path []*Record[T]

	var visit func(rec *Record[T]) error
	visit = func(rec *Record[T]) error {
		if visited[rec.key] {
			return nil
		}
		visited[rec.key] = true
		order = append(order, rec)
		path = append(path, rec)

		if rec.State() == Errored {
			return rec.Err()
		}
		for _, spec := range rec.Requests() {
			if err := ctx.Err(); err != nil {
				return r.wrap(KeyFor(rec.key, spec), spec, rec.key, err)
			}
			child, err := r.Resolve(ctx, rec.key, spec)
			if err != nil {
				return err
			}
			if err := visit(child); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		return nil
	}

	err := visit(root)
	if err != nil {
		for _, rec := range path {
			rec.fail(err)
		}
	} else {
		for _, rec := range order {
			rec.ready()
		}
	}
	if err != nil {
		r.log.Debug("link failed", zap.String("root", string(root.key)), zap.Error(err))
	}
	return err
}
