//go:build darwin

package proactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// fdTimerSource backs oneShotTimer on Darwin, which has no timerfd
// equivalent, with a self-pipe: a time.Timer writes one byte to the
// write end on expiry, and the read end is what the kqueue multiplexer
// watches, mirroring the self-pipe idiom
// joeycumines-go-utilpkg/eventloop/wakeup_darwin.go uses for its own
// wake-up fd.
type fdTimerSource struct {
	readFD, writeFD int

	mu    sync.Mutex
	timer *time.Timer
}

func newTimerSource() (timerSource, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	return &fdTimerSource{readFD: fds[0], writeFD: fds[1]}, nil
}

func (s *fdTimerSource) fd() int { return s.readFD }

func (s *fdTimerSource) arm(ms int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	writeFD := s.writeFD
	s.timer = time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		var b [1]byte
		_, _ = unix.Write(writeFD, b[:])
	})
	return nil
}

func (s *fdTimerSource) disarm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	return nil
}

func (s *fdTimerSource) drainCount() (uint64, error) {
	var buf [64]byte
	var total uint64
	for {
		n, err := unix.Read(s.readFD, buf[:])
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			return total, err
		}
		if n <= 0 {
			break
		}
		total += uint64(n)
	}
	return total, nil
}

func (s *fdTimerSource) close() error {
	_ = unix.Close(s.writeFD)
	return unix.Close(s.readFD)
}
