package proactor

import (
	"testing"
	"time"
)

// TestOneShotTimerCancelRace exercises §4.2's pendingCount/skipCount
// reconciliation: after an arm and a cancel (pendingCount 1, skipCount
// 1), fired() on the cancelled timer must honor no expiry.
func TestOneShotTimerCancelRace(t *testing.T) {
	timer, err := newOneShotTimer()
	if err != nil {
		t.Fatalf("newOneShotTimer: %v", err)
	}
	defer timer.close()

	if err := timer.set(1000); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := timer.set(0); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	timer.mu.Lock()
	timer.pendingCount = 1
	timer.skipCount = 1
	timer.mu.Unlock()

	honored, err := timer.fired()
	if err != nil {
		t.Fatalf("fired: %v", err)
	}
	if honored != 0 {
		t.Fatalf("expected a cancelled expiry to never be honored, got %d", honored)
	}
}

// TestOneShotTimerFiresOnce arms a short timer against the real
// platform backend and waits for it to become readable, confirming the
// fd becomes readable and fired() honors exactly one expiry.
func TestOneShotTimerFiresOnce(t *testing.T) {
	timer, err := newOneShotTimer()
	if err != nil {
		t.Fatalf("newOneShotTimer: %v", err)
	}
	defer timer.close()

	if err := timer.set(10); err != nil {
		t.Fatalf("set: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		honored, err := timer.fired()
		if err != nil {
			t.Fatalf("fired: %v", err)
		}
		if honored == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timer never fired within deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestOneShotTimerMultipleArmCoalesce arms and re-arms several times in
// quick succession; only the final arm's deadline should ever be
// honored (never more than once) per §4.2's one-shot guarantee.
func TestOneShotTimerMultipleArmCoalesce(t *testing.T) {
	timer, err := newOneShotTimer()
	if err != nil {
		t.Fatalf("newOneShotTimer: %v", err)
	}
	defer timer.close()

	for i := 0; i < 5; i++ {
		if err := timer.set(200); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	time.Sleep(250 * time.Millisecond)
	honored, err := timer.fired()
	if err != nil {
		t.Fatalf("fired: %v", err)
	}
	if honored != 1 {
		t.Fatalf("expected exactly one honored expiry after repeated re-arms, got %d", honored)
	}
}
