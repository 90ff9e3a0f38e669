package netframe

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
)

// Client errors.
var (
	// ErrNotConnected is returned when sending without an accepted connection.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect unless the client is idle.
	ErrAlreadyConnected = errors.New("already connected or connecting")
)

// State is the client connection state.
type State int32

const (
	// StateIdle means no connection and no dial in progress.
	StateIdle State = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateConnected means the socket is open. Send still waits for the
	// server to accept the client.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Client connects to a Server and exchanges registered messages with it.
//
// Like the server, received events wait in a queue until Run delivers them,
// and all handlers and callbacks run on the goroutine calling Run. Each
// Connect starts a new session; events carry the session number as their
// connection id so events of an old session are never mistaken for the
// current one. Data still queued for a session ended by Disconnect is
// dropped; its Disconnected event is still delivered.
type Client struct {
	opts     options
	logger   Logger
	registry *Registry
	handlers dispatcher[ClientHandler]
	recvQ    *receiveQueue
	pool     *bufferPool

	mu      sync.Mutex
	state   State
	session int
	conn    *Conn
	cancel  context.CancelFunc
	dialD   syncx.DoneChan
	secret  string

	localID atomic.Int64

	// Sessions up to this one were ended by Disconnect.
	droppedSession atomic.Int64

	// Owned by the Run goroutine.
	acceptedSession int
	violatedSession int
}

// NewClient creates a client. RegistryOption is required.
func NewClient(opt ...Option) (*Client, error) {
	opts, err := newOptions(opt)
	if err != nil {
		return nil, err
	}
	if opts.privateKey != nil {
		return nil, errors.Wrap(ErrInvalidSecurity, "client needs a public key")
	}

	c := &Client{
		opts:     opts,
		logger:   opts.logger,
		registry: opts.registry,
		recvQ:    newReceiveQueue(),
		pool:     newBufferPool(),
		secret:   opts.secret,
	}
	c.localID.Store(-1)
	return c, nil
}

// Connect starts connecting to host:port in the background. The outcome is
// reported by Run: OnConnected once the server accepts the client, or
// OnConnectFailed if the dial fails.
func (c *Client) Connect(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("connect called while not idle", "addr", addr, "state", state)
		return ErrAlreadyConnected
	}

	c.session++
	session := c.session
	ctx, cancel := context.WithCancel(context.Background())
	dialD := syncx.NewDoneChan()

	c.state = StateConnecting
	c.cancel = cancel
	c.dialD = dialD
	c.mu.Unlock()

	c.logger.Info("connecting", "addr", addr, "session", session)
	go c.dial(ctx, cancel, session, addr, dialD)
	return nil
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, session int, addr string, dialD syncx.DoneChan) {
	defer dialD.SetDone()
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)

	c.mu.Lock()
	current := c.session == session && c.state == StateConnecting
	if err != nil {
		if current {
			c.state = StateIdle
			c.cancel = nil
		}
		c.mu.Unlock()

		if current {
			c.logger.Warn("connect failed", "addr", addr, "error", err)
			c.recvQ.enqueueError(session, EventConnectFailed, errors.Wrapf(err, "connect %s", addr))
		}
		return
	}
	if !current {
		c.mu.Unlock()
		_ = raw.Close()
		return
	}

	conn := newConn(ctx, session, raw.(*net.TCPConn), &c.opts, c.recvQ, c.pool, c.control)
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	conn.run()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.cancel = nil
		c.state = StateIdle
	}
	c.mu.Unlock()
	conn.sendQ.reset()
}

// Disconnect cancels a dial in progress or closes the connection, and waits
// until its loops have exited. The Disconnected event is queued by the time
// Disconnect returns. Data the session had queued is never delivered.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	conn, cancel, dialD := c.conn, c.cancel, c.dialD
	c.conn, c.cancel = nil, nil
	c.state = StateIdle
	c.droppedSession.Store(int64(c.session))
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	<-dialD

	if conn != nil {
		conn.sendQ.reset()
	}
	c.logger.Info("disconnected")
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LocalID returns the id the server assigned to this client, or -1 before
// the server accepted it. Updated by Run.
func (c *Client) LocalID() int {
	return int(c.localID.Load())
}

// SetSecurityToken replaces the secret sent when the server asks for a token.
func (c *Client) SetSecurityToken(secret string) {
	c.mu.Lock()
	c.secret = secret
	c.mu.Unlock()
}

// control answers token requests and notes acceptance on the read goroutine.
// Accepted frames are still queued so Run can deliver OnConnected.
func (c *Client) control(conn *Conn, payload []byte) (bool, error) {
	switch payload[0] {
	case controlAccepted:
		if conn.Validated() {
			conn.setReason(reasonProtocol)
			c.logger.Error("server sent a second accepted frame", "addr", conn.Addr())
			return true, errors.Wrap(ErrMalformedControl, "already accepted")
		}
		if len(payload) == acceptedPayloadSize {
			conn.validated.Store(true)
		}
		return false, nil

	case controlTokenRequest:
		if len(payload) != 1 {
			conn.setReason(reasonProtocol)
			return true, errors.Wrapf(ErrMalformedControl, "token request of %d bytes", len(payload))
		}
		if c.opts.publicKey == nil {
			conn.setReason(reasonValidation)
			c.logger.Error("server requested a security token but none is configured", "addr", conn.Addr())
			return true, errors.Wrap(ErrInvalidSecurity, "no public key")
		}

		c.mu.Lock()
		secret := c.secret
		c.mu.Unlock()

		token, err := EncryptToken(c.opts.publicKey, secret)
		if err != nil {
			conn.setReason(reasonValidation)
			c.logger.Error("encrypt security token", "addr", conn.Addr(), "error", err)
			return true, err
		}
		c.logger.Debug("sending security token", "addr", conn.Addr(), "size", len(token))
		return true, conn.send(token)
	}
	return false, nil
}

// Send queues m for the server. The server must have accepted the client.
func (c *Client) Send(m Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !conn.Validated() {
		return ErrNotConnected
	}

	payload, err := c.registry.Encode(m)
	if err != nil {
		return err
	}
	return conn.send(payload)
}

// Subscribe adds h to the handlers of message name. Handlers run in
// subscription order.
func (c *Client) Subscribe(name string, h ClientHandler) Subscription {
	return c.handlers.subscribe(name, h)
}

// Unsubscribe removes the handler registered as sub.
func (c *Client) Unsubscribe(sub Subscription) bool {
	return c.handlers.unsubscribe(sub)
}

// ReceiveQueueDepth returns the number of events waiting for Run.
func (c *Client) ReceiveQueueDepth() int {
	return c.recvQ.totalCount()
}

// Run delivers at most limit queued events and returns how many are left.
func (c *Client) Run(limit int) int {
	start := time.Now()

	n := min(limit, c.recvQ.totalCount())
	for i := 0; i < n; i++ {
		e, ok := c.recvQ.tryPeek()
		if !ok {
			break
		}
		c.handle(e)
		c.recvQ.tryDequeue()
	}

	depth := c.recvQ.totalCount()
	c.opts.metrics.ran(start, depth)
	return depth
}

func (c *Client) handle(e event) {
	switch e.kind {
	case EventConnected:
		c.logger.Debug("connection established, waiting for server", "session", e.connID)

	case EventConnectFailed:
		if c.opts.onConnectFailed != nil {
			c.opts.onConnectFailed(e.err)
		}

	case EventDisconnected:
		id := -1
		if c.acceptedSession == e.connID {
			id = int(c.localID.Load())
			c.localID.Store(-1)
			c.acceptedSession = 0
		}
		if c.opts.onDisconnected != nil {
			c.opts.onDisconnected(id)
		}

	case EventData:
		if c.violatedSession == e.connID || e.connID <= int(c.droppedSession.Load()) {
			return
		}

		payload := e.payload()
		if payload[0] == controlAccepted {
			id, err := parseAccepted(payload)
			if err != nil {
				c.abort(e.connID, err)
				return
			}
			c.acceptedSession = e.connID
			c.localID.Store(int64(id))
			c.logger.Info("accepted by server", "conn_id", id)
			if c.opts.onConnected != nil {
				c.opts.onConnected(id)
			}
			return
		}

		msg, err := c.registry.Decode(payload)
		if err != nil {
			c.abort(e.connID, err)
			return
		}

		for _, h := range c.handlers.snapshot(msg.Name()) {
			h.fn(msg)
		}
	}
}

// abort closes the connection of session after a protocol error and drops
// whatever it still has queued.
func (c *Client) abort(session int, err error) {
	c.violatedSession = session
	c.logger.Error("invalid message from server, disconnecting", "session", session, "error", err)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil && conn.id == session {
		conn.closeWithReason(reasonProtocol)
	}
}
