//go:build linux

package proactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// eventfdSignal backs the wake subsystem's single counting signal fd
// (§4.3) on Linux with eventfd, the same primitive
// joeycumines-go-utilpkg/eventloop/wakeup_linux.go uses for its own
// wake-up fd.
type eventfdSignal struct {
	efd int
}

func newWakeSignal() (wakeSignal, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &eventfdSignal{efd: efd}, nil
}

func (s *eventfdSignal) fd() int { return s.efd }

func (s *eventfdSignal) write() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(s.efd, buf[:])
	if err == unix.EAGAIN {
		// The eventfd counter is at its maximum, so the fd is already
		// readable, which is all one unit of signal promises.
		return nil
	}
	return err
}

func (s *eventfdSignal) drain() error {
	var buf [8]byte
	_, err := unix.Read(s.efd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (s *eventfdSignal) close() error { return unix.Close(s.efd) }
