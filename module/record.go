package module

import (
	"context"
	"fmt"
	"sync"
)

// State is a Record's position in the resolution state machine.
type State int

const (
	Requested State = iota
	Fetching
	Declared
	Ready
	Errored
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Fetching:
		return "fetching"
	case Declared:
		return "declared"
	case Ready:
		return "ready"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Ready || s == Errored }

// Record is the per-key module entry. T is the engine's module body.
type Record[T any] struct {
	key       Key
	specifier string
	referrer  Key

	mu       sync.Mutex
	state    State
	err      error
	body     T
	requests []string
	source   string
	fetched  chan struct{}
}

func newRecord[T any](key Key, specifier string, referrer Key) *Record[T] {
	return &Record[T]{
		key:       key,
		specifier: specifier,
		referrer:  referrer,
		fetched:   make(chan struct{}),
	}
}

// Key returns the canonical key.
func (r *Record[T]) Key() Key { return r.key }

// Specifier returns the specifier text that first requested this record.
func (r *Record[T]) Specifier() string { return r.specifier }

// Referrer returns the key of the module that first requested this record.
func (r *Record[T]) Referrer() Key { return r.referrer }

func (r *Record[T]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the failure of an Errored record.
func (r *Record[T]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Body returns the declared module body. It is the zero value before the
// record is Declared.
func (r *Record[T]) Body() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body
}

// Requests returns the static import specifiers in source order.
func (r *Record[T]) Requests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requests...)
}

// SourceName returns the resolved location the source was loaded from.
func (r *Record[T]) SourceName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source == "" {
		return string(r.key)
	}
	return r.source
}

// Wait blocks until the record has left Requested and Fetching.
func (r *Record[T]) Wait(ctx context.Context) error {
	select {
	case <-r.fetched:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	return r.Err()
}

func (r *Record[T]) startFetch() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Requested {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, Fetching)
	}
	r.state = Fetching
	return nil
}

func (r *Record[T]) declare(body T, requests []string, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Fetching {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, Declared)
	}
	r.state = Declared
	r.body = body
	r.requests = requests
	r.source = source
	close(r.fetched)
	return nil
}

// ready is the module ready notification. It only affects Declared records.
func (r *Record[T]) ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Declared {
		return false
	}
	r.state = Ready
	return true
}

// fail moves a non-terminal record to Errored.
func (r *Record[T]) fail(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	if r.state == Requested || r.state == Fetching {
		close(r.fetched)
	}
	r.state = Errored
	r.err = err
	return true
}
