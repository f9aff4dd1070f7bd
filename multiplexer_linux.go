//go:build linux

package proactor

import (
	"sync"

	"golang.org/x/sys/unix"
)

const maxEpollEvents = 1024

// epollMultiplexer implements multiplexer on Linux using epoll with
// EPOLLONESHOT (level-triggered, one delivery per arm), grounded on
// joeycumines-go-utilpkg/eventloop/poller_linux.go's EpollCreate1/
// EpollCtl/EpollWait wrapping, but keyed by fd in a map (matching the
// teacher's descs map) rather than a fixed-size array, since proactor
// registrations are not bounded to a small fd range by any particular
// caller.
type epollMultiplexer struct {
	epfd int

	mu   sync.Mutex
	regs map[int]*registration

	eventBuf [maxEpollEvents]unix.EpollEvent
}

func newMultiplexer() (multiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollMultiplexer{
		epfd: epfd,
		regs: make(map[int]*registration),
	}, nil
}

func epollBits(wantRead, wantWrite bool) uint32 {
	var bits uint32 = unix.EPOLLONESHOT
	if wantRead {
		bits |= unix.EPOLLIN
	}
	if wantWrite {
		bits |= unix.EPOLLOUT
	}
	return bits
}

func (m *epollMultiplexer) add(reg *registration) error {
	ev := unix.EpollEvent{Events: epollBits(reg.wantRead, reg.wantWrite), Fd: int32(reg.fd)}
	m.mu.Lock()
	m.regs[reg.fd] = reg
	m.mu.Unlock()

	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, reg.fd, &ev); err != nil {
		m.mu.Lock()
		delete(m.regs, reg.fd)
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	reg.armed = true
	m.mu.Unlock()
	return nil
}

func (m *epollMultiplexer) modify(reg *registration, wantRead, wantWrite bool) error {
	ev := unix.EpollEvent{Events: epollBits(wantRead, wantWrite), Fd: int32(reg.fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, reg.fd, &ev); err != nil {
		return err
	}
	m.mu.Lock()
	reg.wantRead, reg.wantWrite = wantRead, wantWrite
	reg.armed = true
	m.mu.Unlock()
	return nil
}

func (m *epollMultiplexer) remove(reg *registration) error {
	m.mu.Lock()
	delete(m.regs, reg.fd)
	m.mu.Unlock()
	// Deletion can race harmlessly with a fd the kernel already dropped
	// (e.g. the socket was closed out from under us); epoll(7) removes
	// closed fds silently, so ENOENT here is not fatal.
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
		return err
	}
	return nil
}

func (m *epollMultiplexer) wait(timeoutMs int) ([]polledEvent, error) {
	n, err := unix.EpollWait(m.epfd, m.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]polledEvent, 0, n)
	m.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(m.eventBuf[i].Fd)
		reg, ok := m.regs[fd]
		if !ok {
			continue
		}
		bits := m.eventBuf[i].Events
		reg.armed = false
		out = append(out, polledEvent{
			reg:      reg,
			readable: bits&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			writable: bits&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			hangup:   bits&unix.EPOLLHUP != 0,
			errored:  bits&unix.EPOLLERR != 0,
		})
	}
	m.mu.Unlock()
	return out, nil
}

func (m *epollMultiplexer) close() error {
	return unix.Close(m.epfd)
}
