package conn

import (
	"golang.org/x/sys/unix"
)

// Acceptor owns the listening socket. Its Event tag is permanently
// TagAccept; the EventQueue rearms it after every accept completion
// unless the kernel supports multishot accept, in which case a single
// armed accept keeps producing connections on its own.
type Acceptor struct {
	fd int
}

// NewAcceptor creates an IPv4 stream socket, binds it to the given port
// on any local address with SO_REUSEADDR, and listens with backlog.
func NewAcceptor(port int, backlog int) (*Acceptor, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Acceptor{fd: fd}, nil
}

func (a *Acceptor) Tag() Tag { return TagAccept }

// Fd returns the listening socket descriptor.
func (a *Acceptor) Fd() int32 { return int32(a.fd) }

// Port returns the port the listening socket is bound to, resolving a
// requested port of 0 to whatever the kernel actually assigned.
func (a *Acceptor) Port() (int, error) {
	sa, err := unix.Getsockname(a.fd)
	if err != nil {
		return 0, err
	}
	addr, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, unix.EINVAL
	}
	return addr.Port, nil
}

// Close shuts down the listening socket. Outstanding accept submissions
// targeting it will complete with an error, which the dispatcher treats
// as ordinary shutdown noise.
func (a *Acceptor) Close() error {
	return unix.Close(a.fd)
}
