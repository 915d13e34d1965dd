package pollnet

import (
	"io"

	"github.com/pkg/errors"
)

// Errors recorded on a connection when it is closed.
var (
	// ErrProtocolViolation is recorded when a peer declares a message
	// longer than the maximum message size.
	ErrProtocolViolation = errors.New("protocol violation")
	// errInboundFull guards the receive path; a full inbound buffer always
	// holds at least one complete message, so this signals a framing bug.
	errInboundFull = errors.New("inbound buffer full")
)

// Handler produces the response for one request.
//
// Handle runs on the server loop; it must not block or call Server.Close.
// The request slice aliases the connection's inbound buffer and is only
// valid for the duration of the call.
type Handler interface {
	Handle(request []byte) []byte
}

// The HandlerFunc type is an adapter to allow the use of ordinary
// functions as handlers.
type HandlerFunc func(request []byte) []byte

// Handle calls f(request).
func (f HandlerFunc) Handle(request []byte) []byte {
	return f(request)
}

// Phase is the position of a connection in its state machine.
type Phase int

const (
	// PhaseReading waits for request bytes.
	PhaseReading Phase = iota
	// PhaseWriting flushes queued responses.
	PhaseWriting
	// PhaseClosing is terminal.
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseReading:
		return "reading"
	case PhaseWriting:
		return "writing"
	case PhaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// CloseReason records why a connection reached PhaseClosing.
type CloseReason int

const (
	CloseNone CloseReason = iota
	// CloseEOF is a clean shutdown by the peer between messages.
	CloseEOF
	// CloseUnexpectedEOF is a peer shutdown with a partial message buffered.
	CloseUnexpectedEOF
	// CloseProtocolViolation is a declared length above the maximum.
	CloseProtocolViolation
	// CloseResponseTooLarge is a handler response that cannot be framed.
	CloseResponseTooLarge
	// CloseIOError is any socket failure other than would-block.
	CloseIOError
	// CloseShutdown is a connection dropped because the server stopped.
	CloseShutdown
)

func (r CloseReason) String() string {
	switch r {
	case CloseNone:
		return "none"
	case CloseEOF:
		return "EOF"
	case CloseUnexpectedEOF:
		return "unexpected EOF"
	case CloseProtocolViolation:
		return "protocol violation"
	case CloseResponseTooLarge:
		return "response too large"
	case CloseIOError:
		return "I/O error"
	case CloseShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// socket is the non-blocking byte transport under a connection.
// Read and Write report would-block with unix.EAGAIN.
type socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// conn is one accepted connection. It is owned by the server loop's table
// and never touched from another goroutine.
type conn struct {
	fd         int
	generation uint64
	addr       string

	sock    socket
	codec   Codec
	handler Handler
	logger  Logger
	stats   *counters

	phase  Phase
	reason CloseReason
	err    error
	closed bool

	// inbound holds unconsumed request bytes; len is the authoritative count
	// and cap is fixed at HeaderSize+max.
	inbound []byte
	// outbound holds framed responses; sent bytes of it are already written.
	outbound []byte
	sent     int
	// queued counts the responses framed into outbound.
	queued int
	// held is a framed response that did not fit in outbound. Decoding
	// pauses until it has been moved in.
	held []byte
}

func newConn(fd int, sock socket, addr string, codec Codec, handler Handler, logger Logger, stats *counters) *conn {
	size := HeaderSize + codec.MaxMessageSize()
	return &conn{
		fd:       fd,
		addr:     addr,
		sock:     sock,
		codec:    codec,
		handler:  handler,
		logger:   logger,
		stats:    stats,
		phase:    PhaseReading,
		inbound:  make([]byte, 0, size),
		outbound: make([]byte, 0, size),
	}
}

// step services one readiness notification and returns the resulting phase.
func (c *conn) step() Phase {
	switch c.phase {
	case PhaseReading:
		c.stepRead()
	case PhaseWriting:
		c.stepWrite()
	}
	return c.phase
}

func (c *conn) stepRead() {
	free := c.inbound[len(c.inbound):cap(c.inbound)]
	if len(free) == 0 {
		c.closeWith(CloseProtocolViolation, errInboundFull)
		return
	}

	n, err := c.sock.Read(free)
	switch classifyRead(n, err) {
	case ioWouldBlock:
		return
	case ioFailed:
		c.closeWith(CloseIOError, errors.Wrap(err, "read"))
		return
	case ioEOF:
		if len(c.inbound) > 0 {
			c.closeWith(CloseUnexpectedEOF, io.ErrUnexpectedEOF)
		} else {
			c.closeWith(CloseEOF, io.EOF)
		}
		return
	}

	c.inbound = c.inbound[:len(c.inbound)+n]
	c.stats.bytesIn.Add(int64(n))

	c.process()
	if c.phase == PhaseWriting {
		c.stepWrite()
	}
}

// process decodes every complete request in inbound, queueing one framed
// response per request. It moves the connection to PhaseWriting when
// anything is queued.
func (c *conn) process() {
	for c.phase != PhaseClosing && c.held == nil {
		frame := c.codec.TryDecode(c.inbound)
		if frame.Status == NeedMoreData {
			break
		}
		if frame.Status == Malformed {
			c.closeWith(CloseProtocolViolation, errors.Wrapf(ErrProtocolViolation,
				"declared length %d exceeds %d", frame.Declared, c.codec.MaxMessageSize()))
			return
		}

		c.logger.Debug("request", "fd", c.fd, "size", len(frame.Payload))
		resp := c.handler.Handle(frame.Payload)

		// Encode before consuming: resp may alias the request bytes.
		var err error
		if HeaderSize+len(resp) <= cap(c.outbound)-len(c.outbound) {
			c.outbound, err = c.codec.Encode(c.outbound, resp)
			c.queued++
		} else {
			c.held, err = c.codec.Encode(nil, resp)
		}
		if err != nil {
			c.closeWith(CloseResponseTooLarge, errors.Wrapf(err, "response of %d bytes", len(resp)))
			return
		}

		c.consume(frame.Consumed)
		c.stats.messagesIn.Add(1)
	}

	if c.phase != PhaseClosing && len(c.outbound) > c.sent {
		c.phase = PhaseWriting
	}
}

// consume drops n bytes from the front of inbound, keeping the rest in order.
func (c *conn) consume(n int) {
	rest := copy(c.inbound, c.inbound[n:])
	c.inbound = c.inbound[:rest]
}

func (c *conn) stepWrite() {
	n, err := c.sock.Write(c.outbound[c.sent:])
	switch classifyWrite(n, err) {
	case ioWouldBlock:
		return
	case ioFailed:
		c.closeWith(CloseIOError, errors.Wrap(err, "write"))
		return
	}

	c.sent += n
	c.stats.bytesOut.Add(int64(n))
	if c.sent < len(c.outbound) {
		return
	}

	c.stats.messagesOut.Add(int64(c.queued))
	c.outbound = c.outbound[:0]
	c.sent = 0
	c.queued = 0
	c.phase = PhaseReading
	if c.held != nil {
		c.outbound = append(c.outbound, c.held...)
		c.held = nil
		c.queued = 1
	}

	// Pipelined requests may already be buffered; no readiness event will
	// announce them again.
	c.process()
}

// closeWith moves the connection to PhaseClosing. The first reason wins.
func (c *conn) closeWith(reason CloseReason, err error) {
	if c.phase == PhaseClosing {
		return
	}
	c.phase = PhaseClosing
	c.reason = reason
	c.err = err
}

// close releases the socket and buffers. Safe to call more than once.
func (c *conn) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeWith(CloseShutdown, nil)
	c.inbound = nil
	c.outbound = nil
	c.held = nil
	return c.sock.Close()
}

// wantsWrite reports whether the connection waits for writability.
func (c *conn) wantsWrite() bool {
	return c.phase == PhaseWriting
}
