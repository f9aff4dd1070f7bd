package proactor

import (
	"sync"
	"testing"
)

// TestWakeCoalescesWhileWorking exercises the coalescing property
// described in §4.3: many concurrent wake() calls against a context
// that is currently claimed (working=true) must not enqueue it more
// than once once it is released.
func TestWakeCoalescesWhileWorking(t *testing.T) {
	p := &Proactor{}
	wq, err := newWakeQueue()
	if err != nil {
		t.Fatalf("newWakeQueue: %v", err)
	}
	defer wq.close()
	p.wakeQ = wq

	ctx := newEpCtx(p, ctxConnection)

	ctx.mu.Lock()
	if !ctx.claimLocked(false) {
		t.Fatal("expected initial claim to succeed")
	}
	ctx.mu.Unlock()

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	signals := 0
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ctx.mu.Lock()
			should := ctx.wakeLocked()
			ctx.mu.Unlock()
			if should {
				mu.Lock()
				signals++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if signals != 0 {
		t.Fatalf("expected no signals while context is claimed, got %d", signals)
	}

	// None of the concurrent wakeLocked calls enqueued ctx onto the wake
	// queue, since the owning thread is expected to observe the pending
	// work itself (via its own wake counter) before releasing — wake()
	// against a busy context is a no-op on the shared queue by design.
	if ctx.wakeOps != 0 {
		t.Fatalf("expected wakeOps to remain 0 while working, got %d", ctx.wakeOps)
	}

	ctx.mu.Lock()
	ctx.releaseLocked()
	ctx.mu.Unlock()

	if popped, _ := wq.popFront(); popped != nil {
		t.Fatalf("expected no queue entries: wakes against a busy context never enqueue, got %v", popped)
	}

	// A wake issued once the context is idle does enqueue, and a second
	// one immediately after coalesces into the same pending entry.
	ctx.mu.Lock()
	should1 := ctx.wakeLocked()
	should2 := ctx.wakeLocked()
	ctx.mu.Unlock()
	if !should1 {
		t.Fatal("first wake against an idle context should request a signal")
	}
	if should2 {
		t.Fatal("second wake while already queued should not request another signal")
	}
	popped, err := wq.popFront()
	if err != nil {
		t.Fatalf("popFront: %v", err)
	}
	if popped != ctx {
		t.Fatalf("expected to pop the context exactly once, got %v", popped)
	}
	if popped2, _ := wq.popFront(); popped2 != nil {
		t.Fatalf("expected exactly one dequeue after a burst of wakes, got a second: %v", popped2)
	}
}

// TestClaimLockedTopup verifies a topup call always succeeds even while
// another logical round is in progress on the same goroutine, and a
// non-topup call is refused while working is already true.
func TestClaimLockedTopup(t *testing.T) {
	ctx := newEpCtx(&Proactor{}, ctxConnection)

	ctx.mu.Lock()
	if !ctx.claimLocked(false) {
		t.Fatal("first claim should succeed")
	}
	if ctx.claimLocked(false) {
		t.Fatal("second non-topup claim should fail while working")
	}
	if !ctx.claimLocked(true) {
		t.Fatal("topup claim should always succeed")
	}
	ctx.mu.Unlock()
}

func TestFinalLockedRequiresNoWakeOps(t *testing.T) {
	p := &Proactor{}
	wq, err := newWakeQueue()
	if err != nil {
		t.Fatalf("newWakeQueue: %v", err)
	}
	defer wq.close()
	p.wakeQ = wq

	ctx := newEpCtx(p, ctxConnection)
	ctx.mu.Lock()
	if !ctx.finalLocked() {
		t.Fatal("fresh context should be final")
	}
	ctx.wakeLocked()
	if ctx.finalLocked() {
		t.Fatal("context with a pending wake op should not be final")
	}
	ctx.mu.Unlock()
}
