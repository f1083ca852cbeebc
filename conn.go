// Package lobby implements a multi-room TCP chat/lobby server: clients log
// in with a username, create or join rooms by code, exchange chat messages
// scoped to their current room, and receive live room-occupancy updates.
// Messages travel as length-prefixed JSON frames over a plain TCP stream.
package lobby

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the send buffer cannot accept more messages.
	ErrBufferFull = errors.New("send buffer full")
)

// limitedReader wraps a reader and returns ErrMessageTooLarge when the limit is exceeded.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, ErrMessageTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return
}

// reset resets the limit counter for the next message. Only remaining is
// reset because the underlying bufio.Reader keeps its own buffer state and
// continues reading where it left off.
func (l *limitedReader) reset(limit int64) {
	l.remaining = limit
}

// Conn is one client connection. It owns the socket, decodes inbound frames
// on a read loop, and serializes all outbound writes through a dedicated
// writer goroutine so concurrent Writes never interleave bytes on the wire.
// Conn carries no chat state: username and room membership live in the
// Registry, keyed by ID.
type Conn struct {
	id            uuid.UUID
	rawConn       *net.TCPConn
	reader        *bufio.Reader
	limitedReader *limitedReader
	logger        Logger

	opts options

	sendMsg chan []byte
	closed  atomic.Bool
	cancel  context.CancelFunc
}

// Default configuration values.
const (
	// defaultBufferSize is the default size of the outbound message channel.
	defaultBufferSize = 16
	// defaultMaxPackageLength is the default maximum size of a single message (64KB).
	defaultMaxPackageLength = 64 * 1024
	// defaultIdleTimeout is the default idle window before read/write deadlines fire.
	defaultIdleTimeout = 5 * time.Minute
)

// NewConn wraps an accepted TCP connection. It applies the provided options
// and validates them before returning; the onMessage callback is required.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	reader := bufio.NewReaderSize(conn, opts.maxReadLength)
	return &Conn{
		id:            uuid.New(),
		rawConn:       conn,
		reader:        reader,
		limitedReader: newLimitedReader(reader, int64(opts.maxReadLength)),
		logger:        opts.logger,
		opts:          opts,
		sendMsg:       make(chan []byte, opts.bufferSize),
	}, nil
}

// ID returns the stable identity of this connection, usable as a map key.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Run starts the connection's read and write loops and blocks until either
// fails or the context is canceled. The socket is closed before Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Debug("connection established", "conn", c.id, "addr", c.Addr())

	ctx, c.cancel = context.WithCancel(ctx)
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	c.closed.Store(true)
	c.rawConn.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Debug("connection closed with error", "conn", c.id, "error", err)
	}

	return err
}

// Close shuts the connection down. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	if c.cancel != nil {
		c.cancel()
	}
	return c.rawConn.Close()
}

// IsClosed reports whether the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Write encodes the message and queues it for the writer goroutine without
// blocking. Queueing, not delivery, is guaranteed: the frame reaches the
// socket through the write loop, which keeps concurrent callers from
// interleaving bytes on the stream.
//
// Returns ErrBufferFull when the outbound queue is full (the receiver is not
// draining fast enough) and ErrConnectionClosed on a closed connection.
func (c *Conn) Write(message *Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	frame, err := c.opts.codec.Encode(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// readLoop decodes inbound frames and hands them to the message handler.
// Decode errors go through the onError callback, which decides whether the
// connection survives them; handler errors always end the connection.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout * 2))

			// Reset the limit for each message. maxReadLength bounds the
			// payload; the length prefix rides on top, so a payload at
			// exactly the limit still fits the read window.
			c.limitedReader.reset(int64(c.opts.maxReadLength) + frameHeaderSize)

			message, err := c.opts.codec.Decode(c.limitedReader)
			if err != nil {
				if c.opts.onError(err) == Disconnect {
					return err
				}
				continue
			}

			if err = c.opts.onMessage(message); err != nil {
				return err
			}
		}
	}
}

// writeLoop drains the send queue onto the socket.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.sendMsg:
			_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout * 2))
			if _, err := c.rawConn.Write(frame); err != nil {
				if c.opts.onError(err) == Disconnect {
					return err
				}
			}
		}
	}
}
