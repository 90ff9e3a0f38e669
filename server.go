package netframe

import (
	"context"
	"math"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/pkg/errors"
)

// Server errors.
var (
	// ErrServerRunning is returned by Start when the server is already listening.
	ErrServerRunning = errors.New("server already running")
	// ErrUnknownConnection is returned for ids with no open connection.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrNotValidated is returned when sending to a connection that has not
	// passed the security handshake yet.
	ErrNotValidated = errors.New("connection not validated")
	// ErrConnectionIDsExhausted is returned once every connection id was used.
	ErrConnectionIDsExhausted = errors.New("connection ids exhausted")
)

// Server accepts TCP clients and exchanges registered messages with them.
//
// Received events are queued and only delivered by Run, so every handler and
// callback runs on the goroutine that calls Run.
type Server struct {
	opts      options
	logger    Logger
	registry  *Registry
	handlers  dispatcher[ServerHandler]
	recvQ     *receiveQueue
	pool      *bufferPool
	validator *validator

	mu         sync.RWMutex
	listener   *net.TCPListener
	halt       *idem.Halter
	cancel     context.CancelFunc
	maxClients int
	conns      map[int]*Conn
	wg         sync.WaitGroup

	nextID atomic.Int64
	active atomic.Int64
}

// NewServer creates a server. RegistryOption is required.
func NewServer(opt ...Option) (*Server, error) {
	opts, err := newOptions(opt)
	if err != nil {
		return nil, err
	}
	if opts.publicKey != nil {
		return nil, errors.Wrap(ErrInvalidSecurity, "server needs a private key")
	}

	s := &Server{
		opts:     opts,
		logger:   opts.logger,
		registry: opts.registry,
		recvQ:    newReceiveQueue(),
		pool:     newBufferPool(),
		conns:    make(map[int]*Conn),
	}
	if opts.privateKey != nil {
		s.validator = newValidator(opts.privateKey, opts.secret)
	}
	return s, nil
}

// Start listens on port and begins accepting clients. A maxClients of zero or
// less means no limit. Port 0 picks a free port; see Addr.
func (s *Server) Start(port, maxClients int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrServerRunning
	}

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return errors.Wrapf(err, "listen on port %d", port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = ln
	s.cancel = cancel
	s.maxClients = maxClients
	s.halt = idem.NewHalter()

	go s.acceptLoop(ctx, ln, s.halt, maxClients)

	s.logger.Info("server started", "addr", ln.Addr(), "max_clients", maxClients,
		"security", s.validator != nil)
	return nil
}

// Stop closes the listener and every connection, and waits for their loops to
// exit. The Disconnected events stay queued for the next Run.
func (s *Server) Stop() {
	s.mu.Lock()
	ln, halt, cancel := s.listener, s.halt, s.cancel
	s.listener, s.halt, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if ln == nil {
		return
	}

	halt.ReqStop.Close()
	_ = ln.Close()
	<-halt.Done.Chan

	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()

	s.logger.Info("server stopped", "addr", ln.Addr())
}

// Running reports whether the server is listening.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener != nil
}

// Addr returns the listener's network address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context, ln *net.TCPListener, halt *idem.Halter, maxClients int) {
	defer halt.Done.Close()

	for {
		raw, err := ln.AcceptTCP()
		if err != nil {
			if halt.ReqStop.IsClosed() {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)

			select {
			case <-halt.ReqStop.Chan:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		s.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		s.accept(ctx, raw, maxClients)
	}
}

func (s *Server) accept(ctx context.Context, raw *net.TCPConn, maxClients int) {
	if n := s.active.Add(1); maxClients > 0 && n > int64(maxClients) {
		s.active.Add(-1)
		s.opts.metrics.connRejected()
		s.logger.Warn("client limit reached, closing connection",
			"addr", raw.RemoteAddr(), "limit", maxClients)
		_ = raw.Close()
		return
	}

	id, err := s.nextConnID()
	if err != nil {
		s.active.Add(-1)
		s.logger.Error("rejecting connection", "addr", raw.RemoteAddr(), "error", err)
		_ = raw.Close()
		return
	}

	var hook frameHook
	if s.validator != nil {
		hook = s.validate
	}
	c := newConn(ctx, id, raw, &s.opts, s.recvQ, s.pool, hook)

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go s.serve(c)
}

// nextConnID hands out ids that are never reused, not even across Stop/Start.
func (s *Server) nextConnID() (int, error) {
	id := s.nextID.Add(1)
	if id >= math.MaxInt32 {
		return 0, ErrConnectionIDsExhausted
	}
	return int(id), nil
}

func (s *Server) serve(c *Conn) {
	defer s.wg.Done()
	defer s.active.Add(-1)

	if s.validator == nil {
		c.validated.Store(true)
		_ = c.send(acceptedPayload(c.id))
	} else {
		_ = c.send(tokenRequestPayload())
		timer := time.AfterFunc(s.opts.validationTimeout, func() {
			if c.Validated() || c.IsClosed() {
				return
			}
			s.opts.metrics.validationFailed()
			s.logger.Warn("security token not received in time, closing connection",
				"conn_id", c.id, "addr", c.Addr(), "timeout", s.opts.validationTimeout)
			c.closeWithReason(reasonValidation)
		})
		defer timer.Stop()
	}

	c.run()
}

// validate treats the first frame of an unvalidated connection as its token
// response. Runs on the connection's read goroutine.
func (s *Server) validate(c *Conn, payload []byte) (bool, error) {
	if c.Validated() {
		return false, nil
	}

	if err := s.validator.validate(payload); err != nil {
		c.setReason(reasonValidation)
		s.opts.metrics.validationFailed()
		s.logger.Error("security validation failed", "conn_id", c.id, "addr", c.Addr(), "error", err)
		return true, err
	}

	c.validated.Store(true)
	s.logger.Info("connection validated", "conn_id", c.id, "addr", c.Addr())
	return true, c.send(acceptedPayload(c.id))
}

// SetSecurityToken replaces the secret expected from clients that have not
// validated yet.
func (s *Server) SetSecurityToken(secret string) {
	if s.validator == nil {
		s.logger.Warn("security token set on a server without security")
		return
	}
	s.validator.setSecret(secret)
}

func (s *Server) conn(connID int) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[connID]
	return c, ok
}

func (s *Server) validatedConns(except int) []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]*Conn, 0, len(s.conns))
	for id, c := range s.conns {
		if id != except && c.Validated() && !c.IsClosed() {
			conns = append(conns, c)
		}
	}
	return conns
}

// Send queues m for connection connID.
func (s *Server) Send(m Message, connID int) error {
	c, ok := s.conn(connID)
	if !ok {
		return errors.Wrapf(ErrUnknownConnection, "conn %d", connID)
	}
	if !c.Validated() {
		return errors.Wrapf(ErrNotValidated, "conn %d", connID)
	}

	payload, err := s.registry.Encode(m)
	if err != nil {
		return err
	}
	return c.send(payload)
}

// SendAll queues m for every validated connection. A connection whose queue
// overflows is closed; the others still receive m.
func (s *Server) SendAll(m Message) error {
	return s.SendAllExcept(m, 0)
}

// SendAllExcept queues m for every validated connection but excludedID.
func (s *Server) SendAllExcept(m Message, excludedID int) error {
	payload, err := s.registry.Encode(m)
	if err != nil {
		return err
	}
	if len(payload) > s.opts.maxMessageSize {
		return errors.Wrapf(ErrMessageTooLarge, "size %d, limit %d", len(payload), s.opts.maxMessageSize)
	}

	for _, c := range s.validatedConns(excludedID) {
		if err := c.send(payload); err != nil && !errors.Is(err, ErrSendQueueFull) {
			s.logger.Debug("broadcast skipped connection", "conn_id", c.id, "error", err)
		}
	}
	return nil
}

// Disconnect closes connection connID. Its Disconnected event is delivered by
// a later Run.
func (s *Server) Disconnect(connID int) error {
	c, ok := s.conn(connID)
	if !ok {
		return errors.Wrapf(ErrUnknownConnection, "conn %d", connID)
	}
	return c.Close()
}

// ClientAddress returns the remote address of connection connID.
func (s *Server) ClientAddress(connID int) (net.Addr, bool) {
	c, ok := s.conn(connID)
	if !ok {
		return nil, false
	}
	return c.Addr(), true
}

// Clients returns the ids of open connections in ascending order.
func (s *Server) Clients() []int {
	s.mu.RLock()
	ids := make([]int, 0, len(s.conns))
	for id, c := range s.conns {
		if !c.IsClosed() {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Ints(ids)
	return ids
}

// Subscribe adds h to the handlers of message name. Handlers run in
// subscription order.
func (s *Server) Subscribe(name string, h ServerHandler) Subscription {
	return s.handlers.subscribe(name, h)
}

// Unsubscribe removes the handler registered as sub.
func (s *Server) Unsubscribe(sub Subscription) bool {
	return s.handlers.unsubscribe(sub)
}

// ReceiveQueueDepth returns the number of events waiting for Run.
func (s *Server) ReceiveQueueDepth() int {
	return s.recvQ.totalCount()
}

// Run delivers at most limit queued events and returns how many are left.
// Events queued while Run is working wait for the next call.
func (s *Server) Run(limit int) int {
	start := time.Now()

	n := min(limit, s.recvQ.totalCount())
	for i := 0; i < n; i++ {
		e, ok := s.recvQ.tryPeek()
		if !ok {
			break
		}
		s.handle(e)
		s.recvQ.tryDequeue()
	}

	depth := s.recvQ.totalCount()
	s.opts.metrics.ran(start, depth)
	return depth
}

func (s *Server) handle(e event) {
	switch e.kind {
	case EventConnected:
		if s.opts.onConnected != nil {
			s.opts.onConnected(e.connID)
		}

	case EventDisconnected:
		s.mu.Lock()
		delete(s.conns, e.connID)
		s.mu.Unlock()

		if s.opts.onDisconnected != nil {
			s.opts.onDisconnected(e.connID)
		}

	case EventData:
		c, ok := s.conn(e.connID)
		if !ok || c.violated() {
			return
		}

		msg, err := s.registry.Decode(e.payload())
		if err != nil {
			s.logger.Error("invalid message, closing connection",
				"conn_id", e.connID, "addr", c.Addr(), "error", err)
			c.closeWithReason(reasonProtocol)
			return
		}

		handlers := s.handlers.snapshot(msg.Name())
		if len(handlers) == 0 {
			s.logger.Debug("no handler for message", "conn_id", e.connID, "name", msg.Name())
			return
		}
		for _, h := range handlers {
			h.fn(e.connID, msg)
		}
	}
}
