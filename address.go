package proactor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// defaultPort is the AMQP default port used when an address string omits
// one, per §6.
const defaultPort = "5672"

// splitHostPort parses a host:port style address per §6: empty host
// means "any", empty port means defaultPort.
func splitHostPort(address string) (host, port string, err error) {
	if address == "" {
		return "", defaultPort, nil
	}
	host, port, err = net.SplitHostPort(address)
	if err != nil {
		// net.SplitHostPort rejects a bare host with no colon at all;
		// treat that as host with the default port, matching the AMQP
		// convention the spec describes.
		if strings.Contains(address, ":") {
			return "", "", fmt.Errorf("%w: %s: %v", ErrBadAddress, address, err)
		}
		host, port = address, defaultPort
		err = nil
	}
	if port == "" {
		port = defaultPort
	}
	return host, port, nil
}

// resolvedAddr is one candidate socket address to connect to or bind on.
type resolvedAddr struct {
	family int
	sa     unix.Sockaddr
	ip     net.IP
	port   int
}

// resolveConnectAddrs resolves an address string the way a connector
// does per §6: "AI_V4MAPPED|AI_ADDRCONFIG" — i.e. prefer whatever
// families are actually configured on this host, and let IPv4 addresses
// map onto an IPv6 socket where the OS supports it. Go's resolver
// already performs the equivalent dual-stack lookup; this just turns the
// result into raw sockaddrs for non-blocking connect().
func resolveConnectAddrs(address string) ([]resolvedAddr, error) {
	host, port, err := splitHostPort(address)
	if err != nil {
		return nil, err
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("%w: bad port %q", ErrBadAddress, port)
	}
	if host == "" {
		host = "localhost"
	}

	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadAddress, address, err)
	}

	out := make([]resolvedAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ipToResolved(ip, portNum))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no addresses for %s", ErrBadAddress, address)
	}
	return out, nil
}

// resolveListenAddrs resolves an address string the way a passive
// listener does per §6: "AI_PASSIVE|AI_ALL" — bind one socket per
// resolved address (typically one IPv4 and one IPv6 wildcard when host
// is empty).
func resolveListenAddrs(address string) ([]resolvedAddr, error) {
	host, port, err := splitHostPort(address)
	if err != nil {
		return nil, err
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("%w: bad port %q", ErrBadAddress, port)
	}

	if host == "" {
		// AI_PASSIVE with no host: wildcard bind on both families.
		return []resolvedAddr{
			{family: unix.AF_INET, ip: net.IPv4zero, port: portNum},
			{family: unix.AF_INET6, ip: net.IPv6unspecified, port: portNum},
		}, nil
	}

	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadAddress, address, err)
	}
	out := make([]resolvedAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ipToResolved(ip, portNum))
	}
	return out, nil
}

func ipToResolved(ip net.IP, port int) resolvedAddr {
	if ip4 := ip.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = port
		copy(sa.Addr[:], ip4)
		return resolvedAddr{family: unix.AF_INET, sa: &sa, ip: ip, port: port}
	}
	var sa unix.SockaddrInet6
	sa.Port = port
	copy(sa.Addr[:], ip.To16())
	return resolvedAddr{family: unix.AF_INET6, sa: &sa, ip: ip, port: port}
}

func (a resolvedAddr) String() string {
	return net.JoinHostPort(a.ip.String(), strconv.Itoa(a.port))
}

// newNonblockingSocket creates a non-blocking TCP socket for the given
// family, configuring TCP_NODELAY per §6.
func newNonblockingSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	return fd, nil
}

// dialNonblocking starts a non-blocking connect() to addr. A return of
// connected=false with err=nil means the connect is in progress and
// will complete asynchronously, signalled by write-readiness on fd.
func dialNonblocking(addr resolvedAddr) (fd int, connected bool, err error) {
	fd, err = newNonblockingSocket(addr.family)
	if err != nil {
		return -1, false, err
	}
	err = unix.Connect(fd, addr.sa)
	if err == nil {
		return fd, true, nil
	}
	if err == unix.EINPROGRESS {
		return fd, false, nil
	}
	unix.Close(fd)
	return -1, false, err
}

// listenSocket creates, configures, binds and starts listening on one
// resolved address per §6: non-blocking, SO_REUSEADDR, V6ONLY for IPv6
// sockets (set in the AF_INET6 branch below).
func listenSocket(addr resolvedAddr, backlog int) (int, error) {
	fd, err := unix.Socket(addr.family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if addr.family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	if err := unix.Bind(fd, addr.sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// acceptNonblocking accepts one connection from listenFD, configuring
// the new socket non-blocking with TCP_NODELAY per §6.
func acceptNonblocking(listenFD int) (fd int, remote string, err error) {
	nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", err
	}
	if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(nfd)
		return -1, "", err
	}
	return nfd, sockaddrString(sa), nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	default:
		return ""
	}
}

// socketConnectError reports the pending SO_ERROR on a non-blocking
// socket whose connect() just became writable, distinguishing success
// from a deferred connection-refused/timeout style error (§7a/§7b, S3).
func socketConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(uintptr(errno))
	}
	return nil
}
