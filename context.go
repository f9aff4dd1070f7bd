package proactor

import (
	"sync"

	"github.com/google/uuid"
)

// ctxKind discriminates the three kinds of serialization context §3
// names: one per connection, one per listener, one for the proactor
// itself.
type ctxKind int

const (
	ctxProactor ctxKind = iota
	ctxConnection
	ctxListener
)

func (k ctxKind) String() string {
	switch k {
	case ctxProactor:
		return "proactor"
	case ctxConnection:
		return "connection"
	case ctxListener:
		return "listener"
	default:
		return "unknown"
	}
}

// epCtx is the abstract unit of single-threaded-ness described in §3 and
// §5: "holder of working=true owns it." Exactly one epCtx exists per
// connection, per listener, and one for the proactor itself. (Named
// epCtx rather than context to avoid colliding with the standard
// library's context package, which address.go in this package
// imports.)
type epCtx struct {
	mu sync.Mutex

	proactor *Proactor
	kind     ctxKind
	id       uuid.UUID

	// owner is the *pConnection or *pListener this context belongs to,
	// set once at construction. Read-only after that, so safe to read
	// without holding mu.
	owner interface{}

	// working is true while some thread currently holds the right to
	// touch this endpoint's private state. Transitions true->false and
	// false->true only happen under mu.
	working bool

	// wakeOps is the number of unclaimed enqueuings of this context on
	// the proactor's wake queue; invariant: ctx is on the wake queue iff
	// wakeOps > 0 and it is not already the tail of no-list (i.e. it is
	// actually linked in).
	wakeOps  int
	wakeNext *epCtx

	closing bool

	// prev/next are the proactor's endpoint-list linkage, guarded by
	// the proactor's listMu, not this context's own lock.
	prev, next *epCtx
}

func newEpCtx(p *Proactor, kind ctxKind) *epCtx {
	return &epCtx{proactor: p, kind: kind, id: uuid.New()}
}

// wakeLocked implements wake(ctx) from §4.3. Must be called with mu
// held. Returns true if the caller must, outside any lock, write the
// wake-queue's signal fd.
func (ctx *epCtx) wakeLocked() bool {
	if ctx.wakeOps == 0 && !ctx.working {
		ctx.wakeOps = 1
		return ctx.proactor.wakeQ.enqueue(ctx)
	}
	return false
}

// wakeDoneLocked implements wake_done(ctx) from §4.3: called under mu,
// exactly once per pop from the wake queue.
func (ctx *epCtx) wakeDoneLocked() {
	if ctx.wakeOps > 0 {
		ctx.wakeOps--
	}
}

// claimLocked attempts to become (or remain, if topup) the working
// thread for this context. Must be called with mu held. Returns false
// if another thread already owns the context and topup is false.
func (ctx *epCtx) claimLocked(topup bool) bool {
	if !topup && ctx.working {
		return false
	}
	ctx.working = true
	return true
}

// releaseLocked clears the working flag. Must be called with mu held.
func (ctx *epCtx) releaseLocked() {
	ctx.working = false
}

// finalLocked reports whether this context has no outstanding reason to
// stay alive: no thread working it, and no queued wake ops. It does not
// itself check endpoint-specific liveness (multiplexer arm, pending
// timer) — callers combine this with their own state.
func (ctx *epCtx) finalLocked() bool {
	return !ctx.working && ctx.wakeOps == 0
}
