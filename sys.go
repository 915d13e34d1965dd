package pollnet

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SetupError reports a failure while creating the listening socket.
// The server never starts serving after one.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return "setup " + e.Op + ": " + e.Err.Error()
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

func setupError(op string, err error) error {
	return &SetupError{Op: op, Err: errors.WithStack(err)}
}

// errWouldBlock is returned by acceptConn when no connection is queued.
var errWouldBlock = errors.New("would block")

// listenTCP creates a non-blocking IPv4 listener on the wildcard address.
// It returns the listening descriptor and the port actually bound.
func listenTCP(port int) (fd, bound int, err error) {
	if port < 0 || port > 0xffff {
		return -1, 0, setupError("bind", errors.Errorf("invalid port %d", port))
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, 0, setupError("socket", err)
	}
	unix.CloseOnExec(fd)

	fail := func(op string, err error) (int, int, error) {
		_ = unix.Close(fd)
		return -1, 0, setupError(op, err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err = unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		return fail("bind", err)
	}
	if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail("listen", err)
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		return fail("nonblock", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	inet, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return fail("getsockname", errors.Errorf("unexpected address family %T", sa))
	}

	return fd, inet.Port, nil
}

// acceptConn accepts one queued connection and switches it to non-blocking
// mode. It returns errWouldBlock once the accept queue is empty.
func acceptConn(lfd int) (int, string, error) {
	for {
		nfd, sa, err := unix.Accept(lfd)
		switch {
		case err == nil:
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return -1, "", errWouldBlock
		default:
			return -1, "", errors.Wrap(err, "accept")
		}

		unix.CloseOnExec(nfd)
		if err = unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			return -1, "", errors.Wrap(err, "set nonblock")
		}
		return nfd, sockaddrString(sa), nil
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	default:
		return "unknown"
	}
}

// pollWait blocks until a descriptor in fds is ready or timeoutMs elapses.
// An interrupted wait reports zero ready descriptors.
func pollWait(fds []unix.PollFd, timeoutMs int) (int, error) {
	n, err := unix.Poll(fds, timeoutMs)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "poll")
	}
	return n, nil
}

// fdSocket performs raw non-blocking I/O on an accepted descriptor.
type fdSocket int

func (fd fdSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(int(fd), p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (fd fdSocket) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(int(fd), p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (fd fdSocket) Close() error {
	return unix.Close(int(fd))
}

// ioResult classifies the outcome of one socket call.
type ioResult int

const (
	ioOK ioResult = iota
	ioWouldBlock
	ioEOF
	ioFailed
)

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func classifyRead(n int, err error) ioResult {
	switch {
	case err != nil && isWouldBlock(err):
		return ioWouldBlock
	case err != nil:
		return ioFailed
	case n == 0:
		return ioEOF
	default:
		return ioOK
	}
}

// classifyWrite treats a zero-byte write as would-block: the kernel accepted
// nothing but reported no failure.
func classifyWrite(n int, err error) ioResult {
	switch {
	case err != nil && isWouldBlock(err):
		return ioWouldBlock
	case err != nil:
		return ioFailed
	case n == 0:
		return ioWouldBlock
	default:
		return ioOK
	}
}
