package promise

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Rejection describes a script promise that was rejected with no handler
// attached by the end of a top-level operation.
type Rejection struct {
	Context string
	Reason  string
	Stack   string
	At      time.Time
}

// Handler receives unhandled rejections.
type Handler func(Rejection)

// Tracker collects reject/handle notifications from script runtimes and
// reports the rejections still unhandled when Flush runs. Events never
// propagate back into script code.
type Tracker struct {
	handler Handler
	log     *zap.Logger

	mu      sync.Mutex
	pending map[any]Rejection
	order   []any

	reported atomic.Int64
}

// NewTracker creates a Tracker. A nil handler only logs.
func NewTracker(handler Handler, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		handler: handler,
		log:     log,
		pending: make(map[any]Rejection),
	}
}

// Rejected records a rejection without a handler. key identifies the promise.
func (t *Tracker) Rejected(key any, r Rejection) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	t.mu.Lock()
	if _, ok := t.pending[key]; !ok {
		t.order = append(t.order, key)
	}
	t.pending[key] = r
	t.mu.Unlock()
}

// Handled removes a previously recorded rejection once a handler is attached.
func (t *Tracker) Handled(key any) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

// Pending returns the number of rejections awaiting Flush.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Reported returns how many rejections have been delivered so far.
func (t *Tracker) Reported() int64 {
	return t.reported.Load()
}

// Flush delivers every pending rejection in the order it was recorded and
// returns them. Handler panics are recovered and logged.
func (t *Tracker) Flush() []Rejection {
	return t.flush(func(Rejection) bool { return true })
}

// FlushContext delivers the pending rejections raised by one context.
func (t *Tracker) FlushContext(id string) []Rejection {
	return t.flush(func(r Rejection) bool { return r.Context == id })
}

func (t *Tracker) flush(match func(Rejection) bool) []Rejection {
	t.mu.Lock()
	var out []Rejection
	order := t.order[:0:0]
	for _, key := range t.order {
		r, ok := t.pending[key]
		if !ok {
			continue
		}
		if match(r) {
			out = append(out, r)
			delete(t.pending, key)
			continue
		}
		order = append(order, key)
	}
	t.order = order
	t.mu.Unlock()

	for _, r := range out {
		t.deliver(r)
	}
	return out
}

func (t *Tracker) deliver(r Rejection) {
	t.reported.Add(1)
	t.log.Warn("unhandled promise rejection",
		zap.String("context", r.Context),
		zap.String("reason", r.Reason))

	if t.handler == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			t.log.Error("rejection handler panicked", zap.Any("panic", p))
		}
	}()
	t.handler(r)
}
