package pollnet

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Errors returned by the client.
var (
	// ErrShortWrite is returned when a request could not be fully written.
	ErrShortWrite = errors.New("short write")
	// ErrShortRead is returned when the connection ends before a full reply.
	ErrShortRead = errors.New("short read")
	// ErrClientBroken is returned by every call after a pipeline failed
	// part way; unread replies may still be queued on the connection.
	ErrClientBroken = errors.New("client unusable after failed pipeline")
)

// Client sends framed requests over one blocking TCP connection.
// A Client is not safe for concurrent use.
type Client struct {
	conn   net.Conn
	codec  LengthPrefixCodec
	opts   clientOptions
	logger Logger

	// wbuf holds the framed requests of the current pipeline.
	wbuf []byte
	// rbuf holds received bytes not yet framed into a reply.
	rbuf []byte
	// broken is the failure that left the stream out of step.
	broken error
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return NewClient(conn, opts...), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, opts ...ClientOption) *Client {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	checkClientOptions(&o)

	size := HeaderSize + o.maxMessageSize
	return &Client{
		conn:   conn,
		codec:  NewLengthPrefixCodec(o.maxMessageSize),
		opts:   o,
		logger: o.logger,
		wbuf:   make([]byte, 0, size),
		rbuf:   make([]byte, 0, size),
	}
}

// Query sends one request and waits for its reply.
func (c *Client) Query(ctx context.Context, request []byte) ([]byte, error) {
	replies, err := c.Pipeline(ctx, [][]byte{request})
	if err != nil {
		return nil, err
	}
	return replies[0], nil
}

// Pipeline writes every request back-to-back without waiting, then reads
// exactly one reply per request, in order. Requests are framed before
// anything is written, so ErrPayloadTooLarge leaves the connection usable.
// Any later failure aborts the rest of the pipeline and every following
// call returns ErrClientBroken.
func (c *Client) Pipeline(ctx context.Context, requests [][]byte) ([][]byte, error) {
	if c.broken != nil {
		return nil, errors.Wrapf(ErrClientBroken, "%v", c.broken)
	}
	if len(requests) == 0 {
		return nil, nil
	}

	wbuf := c.wbuf[:0]
	for i, req := range requests {
		var err error
		if wbuf, err = c.codec.Encode(wbuf, req); err != nil {
			return nil, errors.Wrapf(err, "request %d", i)
		}
	}
	c.wbuf = wbuf[:0]

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "set deadline")
	}
	defer c.conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.send(wbuf); err != nil {
		return nil, c.abort(ctx, errors.Wrapf(err, "%d requests", len(requests)))
	}
	c.logger.Debug("pipeline sent", "addr", c.conn.RemoteAddr(), "requests", len(requests))

	replies := make([][]byte, 0, len(requests))
	for i := range requests {
		reply, err := c.receive()
		if err != nil {
			return replies, c.abort(ctx, errors.Wrapf(err, "reply %d", i))
		}
		replies = append(replies, reply)
	}

	return replies, nil
}

// abort marks the client broken and prefers the context error when the
// context caused the failure.
func (c *Client) abort(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = errors.Wrap(ctxErr, err.Error())
	}
	c.broken = err
	c.logger.Debug("pipeline aborted", "addr", c.conn.RemoteAddr(), "error", err)
	return err
}

// send fully writes the framed requests.
func (c *Client) send(frames []byte) error {
	n, err := c.conn.Write(frames)
	if err != nil {
		return errors.Wrapf(ErrShortWrite, "wrote %d of %d bytes: %v", n, len(frames), err)
	}
	if n < len(frames) {
		return errors.Wrapf(ErrShortWrite, "wrote %d of %d bytes", n, len(frames))
	}
	return nil
}

// receive reads until one complete reply is framed and returns a copy of it.
func (c *Client) receive() ([]byte, error) {
	for {
		frame := c.codec.TryDecode(c.rbuf)
		switch frame.Status {
		case Decoded:
			reply := append([]byte(nil), frame.Payload...)
			rest := copy(c.rbuf, c.rbuf[frame.Consumed:])
			c.rbuf = c.rbuf[:rest]
			return reply, nil
		case Malformed:
			return nil, errors.Wrapf(ErrProtocolViolation,
				"declared length %d exceeds %d", frame.Declared, c.codec.MaxMessageSize())
		}

		n, err := c.conn.Read(c.rbuf[len(c.rbuf):cap(c.rbuf)])
		c.rbuf = c.rbuf[:len(c.rbuf)+n]
		if n > 0 {
			continue
		}
		if err == nil {
			err = io.ErrNoProgress
		}
		if err == io.EOF && len(c.rbuf) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrapf(ErrShortRead, "have %d buffered bytes: %v", len(c.rbuf), err)
	}
}

// RemoteAddr returns the server address.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
