package proactor

import "sync"

// wakeSignal is the platform-specific single counting signal fd of
// §4.3: "a single counting signal fd that is written once to unblock
// any waiting thread regardless of how many contexts are queued."
type wakeSignal interface {
	fd() int
	write() error
	drain() error
	close() error
}

// wakeQueue is the singly-linked FIFO of §4.3, protected by its own
// dedicated lock (a leaf lock with respect to every endpoint mutex:
// "endpoint lock held → may take wake-queue lock; never the reverse").
type wakeQueue struct {
	mu         sync.Mutex
	head, tail *epCtx
	inProgress bool

	signal wakeSignal
}

func newWakeQueue() (*wakeQueue, error) {
	sig, err := newWakeSignal()
	if err != nil {
		return nil, err
	}
	return &wakeQueue{signal: sig}, nil
}

func (q *wakeQueue) fd() int { return q.signal.fd() }

// enqueue appends ctx to the tail. Called by context.wakeLocked while
// ctx's own lock is held — this is the other half of the two-step dance
// described in §4.3: enqueuing happens under the endpoint's context
// lock, but the dedicated wake-queue lock guards the list itself so the
// popping side never needs to take an endpoint lock to drain it.
//
// Returns true if the caller must write to the signal fd (this was the
// first entry added while the queue was empty); the caller must do so
// outside of any lock, to avoid a lock-inversion with the proactor
// context lock that observes the signal.
func (q *wakeQueue) enqueue(ctx *epCtx) (shouldSignal bool) {
	q.mu.Lock()
	ctx.wakeNext = nil
	if q.tail != nil {
		q.tail.wakeNext = ctx
	} else {
		q.head = ctx
	}
	q.tail = ctx
	shouldSignal = !q.inProgress
	q.inProgress = true
	q.mu.Unlock()
	return shouldSignal
}

// notify writes to the signal fd. Called with no locks held.
func (q *wakeQueue) notify() error {
	return q.signal.write()
}

// popFront unlinks and returns the head context, or nil if the queue is
// empty. Called with no locks held. If the queue becomes empty, the
// signal fd is drained and inProgress cleared; the caller is
// responsible for rearming the signal fd in the multiplexer afterwards.
func (q *wakeQueue) popFront() (*epCtx, error) {
	q.mu.Lock()
	ctx := q.head
	if ctx != nil {
		q.head = ctx.wakeNext
		ctx.wakeNext = nil
		if q.head == nil {
			q.tail = nil
		}
	}
	empty := q.head == nil
	if empty {
		q.inProgress = false
	}
	q.mu.Unlock()

	if empty {
		if err := q.signal.drain(); err != nil {
			return ctx, err
		}
	}
	return ctx, nil
}

func (q *wakeQueue) close() error { return q.signal.close() }
