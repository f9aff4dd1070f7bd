package proactor

import "sync"

// timerSource is the platform hook a oneShotTimer is built on: a real
// fd the multiplexer can watch for readability, plus arm/disarm/drain
// primitives. timer_linux.go backs this with timerfd; timer_darwin.go
// backs it with a self-pipe driven by a time.Timer, since Darwin has no
// timerfd equivalent.
type timerSource interface {
	fd() int
	arm(ms int) error
	disarm() error
	// drainCount reads and clears the fd's readiness, returning how many
	// expiries the kernel (or, on Darwin, the self-pipe) has signalled
	// since the last drain.
	drainCount() (uint64, error)
	close() error
}

// oneShotTimer is the one-shot countdown descriptor of §4.2: a monotonic
// timer plus pendingCount/skipCount bookkeeping so that a cancel racing
// with an in-flight kernel expiry never double-fires or panics on
// under-flow.
type oneShotTimer struct {
	src timerSource

	mu           sync.Mutex
	pendingCount uint64
	skipCount    uint64
}

func newOneShotTimer() (*oneShotTimer, error) {
	src, err := newTimerSource()
	if err != nil {
		return nil, err
	}
	return &oneShotTimer{src: src}, nil
}

func (t *oneShotTimer) fd() int { return t.src.fd() }

// set arms the timer for ms milliseconds from now (ms > 0), or cancels
// any pending arm (ms == 0), per §4.2.
func (t *oneShotTimer) set(ms int) error {
	if ms > 0 {
		if err := t.src.arm(ms); err != nil {
			return err
		}
		t.mu.Lock()
		t.pendingCount++
		t.mu.Unlock()
		return nil
	}

	if err := t.src.disarm(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.pendingCount > t.skipCount {
		t.skipCount++
	}
	t.mu.Unlock()
	return nil
}

// fired is invoked when the multiplexer reports the timer fd readable.
// It reads the accumulated expiry count, reconciles it against
// skipCount/pendingCount, and returns the number of expiries that
// should actually be honored — absorbing the race where a cancel lands
// between the kernel signalling expiry and this call observing it.
func (t *oneShotTimer) fired() (int, error) {
	count, err := t.src.drainCount()
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	honored := 0
	for i := uint64(0); i < count; i++ {
		if t.skipCount > 0 {
			t.skipCount--
			continue
		}
		if t.pendingCount > 0 {
			t.pendingCount--
			honored++
		}
	}
	// This timer is always re-armed (or left disarmed) before it could
	// have expired a second time against the same arm; clamp so a
	// coalesced kernel count never reports more than one logical fire.
	if honored > 1 {
		honored = 1
	}
	return honored, nil
}

func (t *oneShotTimer) close() error { return t.src.close() }
