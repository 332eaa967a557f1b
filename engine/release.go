package engine

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type jobKind int

const (
	releaseJob jobKind = iota
	drainJob
)

type job struct {
	kind jobKind
	ctx  *Context
	id   uint64
}

// releaseQueue serialises work that must run inside a context's scope but
// originates elsewhere: handle releases from Dispose or the garbage
// collector, and promise settlements from host goroutines. A single worker
// drains it, entering each target context with a blocking acquire.
type releaseQueue struct {
	log *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []job
	pending int // queued plus in flight
	stopped bool
	done    chan struct{}

	enqueued atomic.Int64
}

func newReleaseQueue(log *zap.Logger) *releaseQueue {
	q := &releaseQueue{
		log:  log,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// push reports false once the queue has stopped.
func (q *releaseQueue) push(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	q.jobs = append(q.jobs, j)
	q.pending++
	if j.kind == releaseJob {
		q.enqueued.Add(1)
	}
	q.cond.Broadcast()
	return true
}

func (q *releaseQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		q.process(j)

		q.mu.Lock()
		q.pending--
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *releaseQueue) process(j job) {
	defer func() {
		if r := recover(); r != nil {
			if debugRelease {
				panic(r)
			}
			q.log.Error("release worker recovered", zap.Any("panic", r))
		}
	}()
	switch j.kind {
	case releaseJob:
		j.ctx.releaseHandle(j.id)
	case drainJob:
		j.ctx.drainScheduled()
	}
}

// drain blocks until every queued job has been processed.
func (q *releaseQueue) drain() {
	q.mu.Lock()
	for q.pending > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

func (q *releaseQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}
