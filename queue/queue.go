// Package queue serializes work per bucket key while letting distinct
// buckets make progress independently. A bucket is, in practice, a
// protocol.Address: every encrypt/decrypt against one remote session
// must happen in the order callers submitted it, but two different
// remote sessions never need to wait on each other.
//
// Each bucket gets its own buffered-channel-backed worker goroutine,
// started lazily on first use and torn down once its channel has sat
// empty past an idle grace period — the same lazy-goroutine-per-key
// lifecycle a connection-handling server uses per live connection,
// generalized here to a logical key instead of a network conn.
package queue

import (
	"context"
	"sync"
	"time"
)

const (
	defaultBacklog = 64
	defaultIdleTTL = 30 * time.Second
)

// task is one submitted unit of work, with a channel to deliver its
// single result back to the caller that submitted it.
type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) (any, error)
	done chan result
}

type result struct {
	val any
	err error
}

// worker owns one bucket's channel and its single consuming goroutine.
type worker struct {
	tasks    chan task
	lastSeen time.Time
}

// Queue runs one FIFO worker goroutine per bucket key, lazily created
// and torn down after idleTTL of inactivity. The zero value is not
// usable; construct with New.
type Queue struct {
	mu      sync.Mutex
	workers map[string]*worker
	backlog int
	idleTTL time.Duration
}

// Option configures a Queue constructed by New.
type Option func(*Queue)

// WithBacklog sets the per-bucket channel buffer size. Submissions
// beyond the buffer block the caller until a slot frees up — Run never
// drops work.
func WithBacklog(n int) Option {
	return func(q *Queue) { q.backlog = n }
}

// WithIdleTTL sets how long a bucket's worker lingers after its
// channel drains before it exits and frees the bucket's goroutine.
func WithIdleTTL(d time.Duration) Option {
	return func(q *Queue) { q.idleTTL = d }
}

// New returns a ready Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		workers: make(map[string]*worker),
		backlog: defaultBacklog,
		idleTTL: defaultIdleTTL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Run submits fn to bucket's FIFO queue and blocks until it has run
// and produced a result or error. Two concurrent Run calls on the same
// bucket are guaranteed to execute fn in submission order; calls on
// different buckets run independently and may interleave or overlap.
//
// A failed task never poisons the bucket: the worker goroutine
// recovers from a panicking fn, reports it as an error to that
// caller, and keeps serving the bucket's remaining queued tasks.
//
// Canceling ctx before fn starts means fn never runs: Run returns
// ctx.Err() at once, and the worker skips the task when its turn
// comes. Canceling after fn has started does not stop it — fn always
// runs to completion once begun — but Run then returns ctx.Err()
// without waiting for fn's result.
func (q *Queue) Run(ctx context.Context, bucket string, fn func(ctx context.Context) (any, error)) (any, error) {
	w := q.workerFor(bucket)

	t := task{ctx: ctx, fn: fn, done: make(chan result, 1)}
	select {
	case w.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-t.done:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) workerFor(bucket string) *worker {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.workers[bucket]
	if ok {
		w.lastSeen = nowFunc()
		return w
	}
	w = &worker{
		tasks:    make(chan task, q.backlog),
		lastSeen: nowFunc(),
	}
	q.workers[bucket] = w
	go q.serve(bucket, w)
	return w
}

func (q *Queue) serve(bucket string, w *worker) {
	ticker := time.NewTicker(q.idleTTL)
	defer ticker.Stop()

	for {
		select {
		case t := <-w.tasks:
			runTask(t)
		case <-ticker.C:
			q.mu.Lock()
			idle := len(w.tasks) == 0 && nowFunc().Sub(w.lastSeen) >= q.idleTTL
			if idle {
				delete(q.workers, bucket)
			}
			q.mu.Unlock()
			if idle {
				return
			}
		}
	}
}

func runTask(t task) {
	if t.ctx.Err() != nil {
		t.done <- result{err: t.ctx.Err()}
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.done <- result{err: &PanicError{Value: r}}
		}
	}()
	val, err := t.fn(t.ctx)
	t.done <- result{val: val, err: err}
}

// nowFunc is a seam for tests that need deterministic idle-eviction
// timing; production code always calls time.Now.
var nowFunc = time.Now
