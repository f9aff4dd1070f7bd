//go:build linux

package proactor

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// fdTimerSource backs oneShotTimer with a Linux timerfd, the same
// mechanism original_source/proton-c/src/proactor/epoll.c uses
// (sys/timerfd.h) and spec.md names directly in §4.2.
type fdTimerSource struct {
	tfd int
}

func newTimerSource() (timerSource, error) {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &fdTimerSource{tfd: tfd}, nil
}

func (s *fdTimerSource) fd() int { return s.tfd }

func (s *fdTimerSource) arm(ms int) error {
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(int64(ms) * int64(time.Millisecond))}
	return unix.TimerfdSettime(s.tfd, 0, &spec, nil)
}

func (s *fdTimerSource) disarm() error {
	var spec unix.ItimerSpec
	return unix.TimerfdSettime(s.tfd, 0, &spec, nil)
}

func (s *fdTimerSource) drainCount() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(s.tfd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	if n < 8 {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (s *fdTimerSource) close() error { return unix.Close(s.tfd) }
