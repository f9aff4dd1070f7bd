//go:build darwin

package proactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const maxKqueueEvents = 1024

// kqueueMultiplexer implements multiplexer on Darwin/BSD using kqueue.
// Unlike epoll's single combined interest mask, kqueue tracks read and
// write interest as two independent EVFILT_READ/EVFILT_WRITE
// registrations; this type folds them back into the single one-shot
// "registration" model §4.1 describes by adding/removing each filter to
// match the requested interest on every add/modify call.
type kqueueMultiplexer struct {
	kq int

	mu   sync.Mutex
	regs map[int]*registration

	eventBuf [maxKqueueEvents]unix.Kevent_t
}

func newMultiplexer() (multiplexer, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueueMultiplexer{kq: kq, regs: make(map[int]*registration)}, nil
}

func kqueueChangeFilter(kq, fd int, filter int16, add bool) error {
	flags := uint16(unix.EV_DELETE)
	if add {
		flags = unix.EV_ADD | unix.EV_ONESHOT
	}
	ev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
	_, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil)
	if !add && err == unix.ENOENT {
		// Nothing registered to delete; not an error for our purposes.
		return nil
	}
	return err
}

func (m *kqueueMultiplexer) applyInterest(reg *registration, wantRead, wantWrite bool) error {
	if err := kqueueChangeFilter(m.kq, reg.fd, unix.EVFILT_READ, wantRead); err != nil {
		return err
	}
	if err := kqueueChangeFilter(m.kq, reg.fd, unix.EVFILT_WRITE, wantWrite); err != nil {
		return err
	}
	m.mu.Lock()
	reg.wantRead, reg.wantWrite = wantRead, wantWrite
	reg.armed = true
	m.mu.Unlock()
	return nil
}

func (m *kqueueMultiplexer) add(reg *registration) error {
	m.mu.Lock()
	m.regs[reg.fd] = reg
	m.mu.Unlock()

	if err := m.applyInterest(reg, reg.wantRead, reg.wantWrite); err != nil {
		m.mu.Lock()
		delete(m.regs, reg.fd)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *kqueueMultiplexer) modify(reg *registration, wantRead, wantWrite bool) error {
	return m.applyInterest(reg, wantRead, wantWrite)
}

func (m *kqueueMultiplexer) remove(reg *registration) error {
	m.mu.Lock()
	delete(m.regs, reg.fd)
	m.mu.Unlock()
	_ = kqueueChangeFilter(m.kq, reg.fd, unix.EVFILT_READ, false)
	_ = kqueueChangeFilter(m.kq, reg.fd, unix.EVFILT_WRITE, false)
	return nil
}

func (m *kqueueMultiplexer) wait(timeoutMs int) ([]polledEvent, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(time.Millisecond))
		ts = &t
	}

	n, err := unix.Kevent(m.kq, nil, m.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]polledEvent, 0, n)
	m.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(m.eventBuf[i].Ident)
		reg, ok := m.regs[fd]
		if !ok {
			continue
		}
		flags := m.eventBuf[i].Flags
		pe := polledEvent{
			reg:     reg,
			hangup:  flags&unix.EV_EOF != 0,
			errored: flags&unix.EV_ERROR != 0,
		}
		switch m.eventBuf[i].Filter {
		case unix.EVFILT_READ:
			pe.readable = true
		case unix.EVFILT_WRITE:
			pe.writable = true
		}
		reg.armed = false
		out = append(out, pe)
	}
	m.mu.Unlock()
	return out, nil
}

func (m *kqueueMultiplexer) close() error {
	return unix.Close(m.kq)
}
