//go:build linux

package reactor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

const listenBacklog = 128

type fdConn struct {
	fd int
}

func (c *fdConn) Fd() int {
	return c.fd
}

func (c *fdConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	switch {
	case err != nil && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)):
		return 0, errWouldBlock
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func (c *fdConn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, errWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// SocketError reports the pending error of a connect in progress.
func (c *fdConn) SocketError() error {
	code, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if code != 0 {
		return unix.Errno(code)
	}
	return nil
}

func (c *fdConn) Close() error {
	return unix.Close(c.fd)
}

type fdListener struct {
	fd   int
	addr string
}

func (l *fdListener) Fd() int {
	return l.fd
}

func (l *fdListener) Addr() string {
	return l.addr
}

// Accept returns errWouldBlock once the backlog is empty.
func (l *fdListener) Accept() (*fdConn, string, error) {
	fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			return nil, "", errWouldBlock
		}
		return nil, "", err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return &fdConn{fd: fd}, sockaddrString(sa), nil
}

func (l *fdListener) Close() error {
	return unix.Close(l.fd)
}

func listenTCP(addr string) (*fdListener, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, &TransportError{Op: "listen", Addr: addr, Err: err}
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, &TransportError{Op: "listen", Addr: addr, Err: err}
	}
	fail := func(err error) (*fdListener, error) {
		_ = unix.Close(fd)
		return nil, &TransportError{Op: "listen", Addr: addr, Err: err}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail(err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail(err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fail(err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail(err)
	}
	return &fdListener{fd: fd, addr: sockaddrString(bound)}, nil
}

// dialTCP starts a non-blocking connect. The connection is usable once the
// descriptor reports writable and SocketError returns nil.
func dialTCP(addr string) (*fdConn, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: addr, Err: err}
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: addr, Err: err}
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		return nil, &TransportError{Op: "dial", Addr: addr, Err: err}
	}
	return &fdConn{fd: fd}, nil
}

func resolveSockaddr(addr string) (unix.Sockaddr, int, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, err
	}
	if ip4 := tcp.IP.To4(); ip4 != nil || tcp.IP == nil {
		sa := &unix.SockaddrInet4{Port: tcp.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET, nil
	}
	if ip6 := tcp.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: tcp.Port}
		copy(sa.Addr[:], ip6)
		return sa, unix.AF_INET6, nil
	}
	return nil, 0, fmt.Errorf("unsupported address %q", addr)
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
