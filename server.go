// Package pollnet serves a length-prefixed request/response protocol from a
// single goroutine that multiplexes every connection with poll(2).
//
// Each message on the wire is a 4-byte length followed by that many payload
// bytes. The server decodes requests as they arrive, hands each one to a
// Handler, and queues the framed response; clients may pipeline several
// requests before reading any reply.
package pollnet

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
	"golang.org/x/sys/unix"
)

var (
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("server closed")
	// ErrServerRunning is returned by a second concurrent call to Serve.
	ErrServerRunning = errors.New("server already serving")
	// ErrInvalidHandler is returned by Serve when no handler is given.
	ErrInvalidHandler = errors.New("invalid handler")
)

// Statistics is a snapshot of the server counters.
type Statistics struct {
	Accepted    int64
	Closed      int64
	MessagesIn  int64
	// MessagesOut counts responses fully written to their peer.
	MessagesOut int64
	BytesIn     int64
	BytesOut    int64
}

type counters struct {
	accepted    atomic.Int64
	closed      atomic.Int64
	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
}

// Server accepts TCP connections and services all of them from the
// goroutine that calls Serve.
type Server struct {
	lfd     int
	port    int
	cfg     Config
	codec   LengthPrefixCodec
	logger  Logger
	onClose func(addr string, reason CloseReason, err error)

	// Owned by the Serve goroutine.
	handler  Handler
	table    *connTable
	pollfds  []unix.PollFd
	pollgens []uint64

	stats counters

	mu       sync.Mutex
	running  bool
	closed   bool
	quit     syncx.DoneChan
	quitOnce sync.Once
	done     syncx.DoneChan
}

// New creates the listening socket described by cfg.
// Setup failures are returned as *SetupError.
func New(cfg Config, opts ...ServerOption) (*Server, error) {
	o := serverOptions{cfg: cfg}
	for _, opt := range opts {
		opt(&o)
	}
	checkConfig(&o.cfg)
	if o.logger == nil {
		o.logger = defaultLogger()
	}

	lfd, port, err := listenTCP(o.cfg.Port)
	if err != nil {
		return nil, err
	}

	return &Server{
		lfd:     lfd,
		port:    port,
		cfg:     o.cfg,
		codec:   NewLengthPrefixCodec(o.cfg.MaxMessageSize),
		logger:  o.logger,
		onClose: o.onClose,
		table:   newConnTable(),
		quit:    syncx.NewDoneChan(),
		done:    syncx.NewDoneChan(),
	}, nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero, Port: s.port}
}

// Config returns the effective configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Statistics returns a snapshot of the server counters.
// Safe to call from any goroutine.
func (s *Server) Statistics() Statistics {
	return Statistics{
		Accepted:    s.stats.accepted.Load(),
		Closed:      s.stats.closed.Load(),
		MessagesIn:  s.stats.messagesIn.Load(),
		MessagesOut: s.stats.messagesOut.Load(),
		BytesIn:     s.stats.bytesIn.Load(),
		BytesOut:    s.stats.bytesOut.Load(),
	}
}

// Serve runs the event loop on the calling goroutine until ctx is done,
// Close is called, or the readiness wait fails. Every connection and the
// listener are closed before it returns.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	if handler == nil {
		return ErrInvalidHandler
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.running = true
	s.mu.Unlock()

	s.handler = handler
	defer s.shutdown()

	s.logger.Info("server started", "addr", s.Addr(),
		"max_message_size", s.cfg.MaxMessageSize,
		"poll_timeout", s.cfg.PollTimeout)

	timeout := s.cfg.pollTimeoutMillis()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.quit.R().Done() {
			return ErrServerClosed
		}

		s.buildPollSet()

		n, err := pollWait(s.pollfds, timeout)
		if err != nil {
			s.logger.Error("poll failed", "error", err)
			return err
		}
		if n == 0 {
			continue
		}

		s.dispatch()

		if s.pollfds[0].Revents != 0 {
			s.acceptAll()
		}
	}
}

// buildPollSet registers the listener and every live connection exactly once.
func (s *Server) buildPollSet() {
	s.pollfds = append(s.pollfds[:0], unix.PollFd{Fd: int32(s.lfd), Events: unix.POLLIN})
	s.pollgens = append(s.pollgens[:0], 0)

	s.table.each(func(c *conn) {
		events := int16(unix.POLLERR)
		if c.wantsWrite() {
			events |= unix.POLLOUT
		} else {
			events |= unix.POLLIN
		}
		s.pollfds = append(s.pollfds, unix.PollFd{Fd: int32(c.fd), Events: events})
		s.pollgens = append(s.pollgens, c.generation)
	})
}

// dispatch steps every ready connection once and reaps the ones that closed.
func (s *Server) dispatch() {
	for i := 1; i < len(s.pollfds); i++ {
		pfd := s.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}

		c, ok := s.table.lookup(int(pfd.Fd), s.pollgens[i])
		if !ok {
			continue
		}

		if c.step() == PhaseClosing {
			s.reap(c)
		}
	}
}

// acceptAll drains the accept queue.
func (s *Server) acceptAll() {
	for {
		fd, addr, err := acceptConn(s.lfd)
		if err == errWouldBlock {
			return
		}
		if err != nil {
			// EMFILE and friends: retry on the next readiness report.
			s.logger.Warn("accept error", "error", err)
			return
		}

		c := newConn(fd, fdSocket(fd), addr, s.codec, s.handler, s.logger, &s.stats)
		if !s.table.insert(c) {
			s.logger.Error("descriptor still in use", "fd", fd, "addr", addr)
			_ = c.close()
			continue
		}

		s.stats.accepted.Add(1)
		s.logger.Debug("accepted connection", "fd", fd, "addr", addr, "live", s.table.len())
	}
}

// reap releases a closing connection's slot and descriptor.
func (s *Server) reap(c *conn) {
	s.table.release(c.fd, c.generation)
	if err := c.close(); err != nil {
		s.logger.Debug("close error", "fd", c.fd, "error", err)
	}
	s.stats.closed.Add(1)

	switch c.reason {
	case CloseEOF, CloseShutdown:
		s.logger.Debug("connection closed", "fd", c.fd, "addr", c.addr, "reason", c.reason)
	case CloseIOError:
		s.logger.Info("connection closed with error", "fd", c.fd, "addr", c.addr,
			"reason", c.reason, "error", c.err)
	default:
		s.logger.Warn("connection closed with error", "fd", c.fd, "addr", c.addr,
			"reason", c.reason, "error", c.err)
	}

	if s.onClose != nil {
		s.onClose(c.addr, c.reason, c.err)
	}
}

// shutdown closes every live connection and the listener.
func (s *Server) shutdown() {
	var live []*conn
	s.table.each(func(c *conn) {
		live = append(live, c)
	})
	for _, c := range live {
		c.closeWith(CloseShutdown, ErrServerClosed)
		s.reap(c)
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signalQuit()

	_ = unix.Close(s.lfd)
	s.logger.Info("server stopped", "addr", s.Addr())
	s.done.SetDone()
}

func (s *Server) signalQuit() {
	s.quitOnce.Do(s.quit.SetDone)
}

// Stop asks a running Serve to return without waiting for it. Unlike Close
// it may be called from a Handler or an OnCloseOption callback.
func (s *Server) Stop() {
	s.signalQuit()
}

// Close stops the server. A running Serve notices within one poll timeout;
// Close waits for it to release every connection, so it must not be called
// from the loop goroutine (a Handler or an OnCloseOption callback); use Stop
// there. Safe to call multiple times.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	running := s.running
	s.mu.Unlock()

	s.signalQuit()
	if !running {
		err := unix.Close(s.lfd)
		s.done.SetDone()
		return err
	}

	<-s.done
	return nil
}

// Done returns a channel closed once Serve has released everything.
func (s *Server) Done() syncx.DoneChanR {
	return s.done.R()
}
