//go:build darwin

package proactor

import "golang.org/x/sys/unix"

// pipeSignal backs the wake subsystem's signal fd on Darwin with a
// self-pipe, mirroring
// joeycumines-go-utilpkg/eventloop/wakeup_darwin.go's createWakeFd.
type pipeSignal struct {
	readFD, writeFD int
}

func newWakeSignal() (wakeSignal, error) {
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
	return &pipeSignal{readFD: fds[0], writeFD: fds[1]}, nil
}

func (s *pipeSignal) fd() int { return s.readFD }

func (s *pipeSignal) write() error {
	var b [1]byte
	_, err := unix.Write(s.writeFD, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (s *pipeSignal) drain() error {
	var buf [64]byte
	for {
		n, err := unix.Read(s.readFD, buf[:])
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return err
		}
		if n <= 0 {
			return nil
		}
	}
}

func (s *pipeSignal) close() error {
	_ = unix.Close(s.writeFD)
	return unix.Close(s.readFD)
}
