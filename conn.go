// Package netframe provides a length-framed TCP message transport for Go.
// It supports typed message registration, asynchronous I/O loops with bounded
// send and receive queues, an optional RSA token handshake, and dispatch of
// received messages on a goroutine the application controls.
package netframe

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidRegistry is returned when no message registry is provided.
	ErrInvalidRegistry = errors.New("invalid message registry")
	// ErrInvalidSecurity is returned when a key is configured without a secret.
	ErrInvalidSecurity = errors.New("security key configured without a secret")
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrSendQueueFull is returned when a send overflows the connection's queue.
	// The connection has been closed by the time it is returned.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrReceiveQueueFull ends a read loop whose peer outran Run.
	ErrReceiveQueueFull = errors.New("receive queue full")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

const (
	// defaultReadBufferSize is the bufio buffer in front of each socket.
	defaultReadBufferSize = 16 * 1024
	// maxRetainedWriteBuffer caps the serialization buffer kept between writes.
	maxRetainedWriteBuffer = 1024 * 1024
)

// frameHook sees every frame on the read goroutine before it is queued.
// Returning true consumes the frame. A non-nil error ends the connection.
type frameHook func(c *Conn, payload []byte) (bool, error)

// Conn is one TCP connection with its read and write loops.
// Payloads handed to send are copied into the connection's send queue; frames
// read from the socket are copied into the shared receive queue as events.
type Conn struct {
	id      int
	rawConn *net.TCPConn
	reader  *bufio.Reader
	logger  Logger
	metrics *Metrics
	opts    *options

	sendQ   *sendQueue
	recvQ   *receiveQueue
	onFrame frameHook

	validated atomic.Bool
	closed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	reason string
}

func newConn(ctx context.Context, id int, raw *net.TCPConn, opts *options, recvQ *receiveQueue, pool *bufferPool, hook frameHook) *Conn {
	if opts.noDelay {
		_ = raw.SetNoDelay(true)
	}

	c := &Conn{
		id:      id,
		rawConn: raw,
		reader:  bufio.NewReaderSize(raw, defaultReadBufferSize),
		logger:  opts.logger,
		metrics: opts.metrics,
		opts:    opts,
		sendQ:   newSendQueue(pool),
		recvQ:   recvQ,
		onFrame: hook,
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c
}

// ID returns the connection id.
func (c *Conn) ID() int {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Validated reports whether the connection passed the security handshake,
// or needed none.
func (c *Conn) Validated() bool {
	return c.validated.Load()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Close closes the connection. Safe to call multiple times and from any
// goroutine. The Disconnected event is queued once the loops have exited.
func (c *Conn) Close() error {
	c.setReason(reasonLocal)
	return c.shutdown()
}

// closeWithReason closes the connection, recording why for logs and metrics.
func (c *Conn) closeWithReason(reason string) {
	c.setReason(reason)
	_ = c.shutdown()
}

func (c *Conn) shutdown() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	return c.rawConn.Close()
}

// setReason keeps the first reason recorded.
func (c *Conn) setReason(reason string) {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
}

// violated reports whether the connection was closed for a protocol error.
func (c *Conn) violated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason == reasonProtocol || c.reason == reasonValidation
}

func (c *Conn) closeReason(err error) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.reason != "":
		return c.reason
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return reasonEOF
	default:
		return reasonError
	}
}

// send queues payload for the write loop.
func (c *Conn) send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	if len(payload) > c.opts.maxMessageSize {
		return errors.Wrapf(ErrMessageTooLarge, "size %d, limit %d", len(payload), c.opts.maxMessageSize)
	}

	if !c.sendQ.enqueue(payload, c.opts.sendQueueLimit) {
		c.logger.Warn("send queue full, closing connection",
			"conn_id", c.id, "addr", c.Addr(), "limit", c.opts.sendQueueLimit)
		c.closeWithReason(reasonSendQueueFull)
		return ErrSendQueueFull
	}
	return nil
}

// run queues Connected, runs the read and write loops until either fails or
// the connection is closed, then queues exactly one Disconnected.
func (c *Conn) run() {
	c.logger.Info("connection established", "conn_id", c.id, "addr", c.Addr())
	c.logger.Debug("connection options", "conn_id", c.id,
		"max_message_size", c.opts.maxMessageSize,
		"send_queue_limit", c.opts.sendQueueLimit,
		"receive_queue_limit", c.opts.receiveQueueLimit,
		"send_timeout", c.opts.sendTimeout,
		"receive_timeout", c.opts.receiveTimeout)

	c.metrics.connOpened()
	c.recvQ.enqueue(c.id, EventConnected, nil)

	group, child := errgroup.WithContext(c.ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// Blocked socket calls only return once the socket is closed.
	group.Go(func() error {
		<-child.Done()
		_ = c.shutdown()
		return nil
	})

	err := group.Wait()
	_ = c.shutdown()

	reason := c.closeReason(err)
	switch reason {
	case reasonLocal, reasonEOF:
		c.logger.Info("connection closed", "conn_id", c.id, "addr", c.Addr(), "reason", reason)
	default:
		c.logger.Info("connection closed with error", "conn_id", c.id, "addr", c.Addr(),
			"reason", reason, "error", err)
	}

	c.metrics.connClosed(reason)
	c.recvQ.enqueueError(c.id, EventDisconnected, err)
}

// readLoop reads frames until the socket fails, a protocol rule is broken, or
// this connection has ReceiveQueueLimit events waiting. It never returns nil.
func (c *Conn) readLoop(ctx context.Context) error {
	header := make([]byte, frameHeaderSize)
	buf := make([]byte, c.opts.maxMessageSize)

	for {
		if c.opts.receiveTimeout > 0 {
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.receiveTimeout))
		}

		payload, err := readFrame(c.reader, header, buf, c.opts.maxMessageSize)
		if err != nil {
			if errors.Is(err, ErrInvalidFrameLength) {
				c.setReason(reasonProtocol)
				c.logger.Error("protocol violation", "conn_id", c.id, "addr", c.Addr(), "error", err)
			} else if !c.closed.Load() {
				c.logger.Debug("read error", "conn_id", c.id, "addr", c.Addr(), "error", err)
			}
			return err
		}

		c.metrics.received(frameHeaderSize + len(payload))

		if c.onFrame != nil {
			handled, err := c.onFrame(c, payload)
			if err != nil {
				return err
			}
			if handled {
				continue
			}
		}

		if n := c.recvQ.enqueue(c.id, EventData, payload); n >= c.opts.receiveQueueLimit {
			c.setReason(reasonReceiveQueueFull)
			c.logger.Warn("receive queue full, closing connection",
				"conn_id", c.id, "addr", c.Addr(), "limit", c.opts.receiveQueueLimit)
			return errors.Wrapf(ErrReceiveQueueFull, "%d events pending", n)
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}
}

// writeLoop flushes the whole send queue each time it is signalled.
// Returns when the context is canceled or a write fails.
func (c *Conn) writeLoop(ctx context.Context) error {
	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.sendQ.pending:
		}

		var n int
		buf, n = c.sendQ.dequeueAndSerializeAll(buf[:0])
		if n == 0 {
			continue
		}

		if err := c.write(buf); err != nil {
			return err
		}
		c.metrics.sent(n, len(buf))

		if cap(buf) > maxRetainedWriteBuffer {
			buf = nil
		}
	}
}

// write sends data to the connection with the configured deadline.
func (c *Conn) write(data []byte) error {
	if c.opts.sendTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.sendTimeout))
	}

	if _, err := c.rawConn.Write(data); err != nil {
		if c.closed.Load() {
			return ErrConnectionClosed
		}
		c.logger.Debug("write error", "conn_id", c.id, "addr", c.Addr(), "error", err)
		return errors.Wrap(err, "write")
	}
	return nil
}
