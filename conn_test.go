package netframe

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// finished reports whether run has queued this connection's Disconnected
// event, the last thing it does before returning.
func (c *Conn) finished() bool {
	c.recvQ.mu.Lock()
	defer c.recvQ.mu.Unlock()
	for _, e := range c.recvQ.entries[c.recvQ.head:] {
		if e.connID == c.id && e.kind == EventDisconnected {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// writeRawFrame writes one length-prefixed frame to a raw socket.
func writeRawFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	if _, err := conn.Write(appendFrame(nil, payload)); err != nil {
		t.Fatalf("write frame failed: %v", err)
	}
}

// readRawFrame reads one frame from a raw socket.
func readRawFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read header failed: %v", err)
	}
	payload := make([]byte, binary.BigEndian.Uint32(header))
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("read payload failed: %v", err)
	}
	return payload
}

type testConnEnv struct {
	conn   *Conn
	peer   *net.TCPConn
	recvQ  *receiveQueue
	logger *mockLogger
}

func newTestConn(t *testing.T, hook frameHook, opt ...Option) *testConnEnv {
	t.Helper()

	serverConn, clientConn := createTestTCPPair(t)
	t.Cleanup(func() { clientConn.Close() })

	logger := &mockLogger{}
	opts, err := newOptions(append([]Option{RegistryOption(newTestRegistry()), LoggerOption(logger)}, opt...))
	if err != nil {
		t.Fatalf("newOptions failed: %v", err)
	}

	recvQ := newReceiveQueue()
	c := newConn(context.Background(), 7, serverConn, &opts, recvQ, newBufferPool(), hook)
	t.Cleanup(func() { c.Close() })

	return &testConnEnv{conn: c, peer: clientConn, recvQ: recvQ, logger: logger}
}

func (env *testConnEnv) start() {
	go env.conn.run()
}

type queuedEvent struct {
	kind    EventKind
	payload string
	err     error
}

func drainEvents(q *receiveQueue) []queuedEvent {
	var events []queuedEvent
	for {
		e, ok := q.tryPeek()
		if !ok {
			return events
		}
		events = append(events, queuedEvent{kind: e.kind, payload: string(e.payload()), err: e.err})
		q.tryDequeue()
	}
}

func TestConn_Addr(t *testing.T) {
	env := newTestConn(t, nil)

	if env.conn.Addr().String() != env.peer.LocalAddr().String() {
		t.Errorf("Addr = %s, want %s", env.conn.Addr(), env.peer.LocalAddr())
	}
	if env.conn.ID() != 7 {
		t.Errorf("ID = %d, want 7", env.conn.ID())
	}
}

func TestConn_Run_ReadFrames(t *testing.T) {
	env := newTestConn(t, nil)
	env.start()

	writeRawFrame(t, env.peer, []byte("Chat\nhello"))
	writeRawFrame(t, env.peer, []byte("Ping\n"))
	env.peer.Close()

	waitFor(t, 5*time.Second, "loops to exit", env.conn.finished)

	events := drainEvents(env.recvQ)
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(events), events)
	}
	if events[0].kind != EventConnected {
		t.Errorf("first event = %s, want connected", events[0].kind)
	}
	if events[1].payload != "Chat\nhello" || events[2].payload != "Ping\n" {
		t.Errorf("data events = %q, %q", events[1].payload, events[2].payload)
	}
	if events[3].kind != EventDisconnected {
		t.Errorf("last event = %s, want disconnected", events[3].kind)
	}
	if !errors.Is(events[3].err, io.EOF) {
		t.Errorf("disconnect error = %v, want io.EOF", events[3].err)
	}
}

func TestConn_Run_WriteFrames(t *testing.T) {
	env := newTestConn(t, nil)
	env.start()

	if err := env.conn.send([]byte("Chat\none")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := env.conn.send([]byte("Chat\ntwo")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if got := readRawFrame(t, env.peer); string(got) != "Chat\none" {
		t.Errorf("first frame = %q", got)
	}
	if got := readRawFrame(t, env.peer); string(got) != "Chat\ntwo" {
		t.Errorf("second frame = %q", got)
	}
}

func TestConn_Send_TooLarge(t *testing.T) {
	env := newTestConn(t, nil, MessageMaxSize(16))
	env.start()

	err := env.conn.send(make([]byte, 17))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
	if env.conn.IsClosed() {
		t.Error("oversized send closed the connection")
	}

	if err := env.conn.send([]byte("Chat\nok")); err != nil {
		t.Errorf("send after oversized message failed: %v", err)
	}
	if got := readRawFrame(t, env.peer); string(got) != "Chat\nok" {
		t.Errorf("frame = %q", got)
	}
}

func TestConn_Send_QueueFull(t *testing.T) {
	// Loops not started, so nothing drains the queue.
	env := newTestConn(t, nil, SendQueueLimitOption(3))

	for i := 0; i < 3; i++ {
		if err := env.conn.send([]byte("Chat\nx")); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	if err := env.conn.send([]byte("Chat\nx")); !errors.Is(err, ErrSendQueueFull) {
		t.Errorf("expected ErrSendQueueFull, got %v", err)
	}
	if !env.conn.IsClosed() {
		t.Error("connection still open after overflow")
	}
	if !env.logger.has("warn", "send queue full") {
		t.Error("overflow warning not logged")
	}
	if err := env.conn.send([]byte("Chat\nx")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConn_Run_QueueFullDisconnects(t *testing.T) {
	env := newTestConn(t, nil, SendQueueLimitOption(2))

	env.conn.send([]byte("Chat\n1"))
	env.conn.send([]byte("Chat\n2"))
	env.conn.send([]byte("Chat\n3"))
	env.start()

	waitFor(t, 5*time.Second, "loops to exit", env.conn.finished)

	events := drainEvents(env.recvQ)
	if len(events) != 2 || events[0].kind != EventConnected || events[1].kind != EventDisconnected {
		t.Errorf("events = %+v, want connected then disconnected", events)
	}
	if reason := env.conn.closeReason(nil); reason != reasonSendQueueFull {
		t.Errorf("reason = %s, want %s", reason, reasonSendQueueFull)
	}
}

func TestConn_Run_ReceiveQueueLimit(t *testing.T) {
	env := newTestConn(t, nil, ReceiveQueueLimitOption(3))
	env.start()

	for i := 0; i < 5; i++ {
		writeRawFrame(t, env.peer, []byte("Ping\n"))
	}

	waitFor(t, 5*time.Second, "loops to exit", env.conn.finished)

	events := drainEvents(env.recvQ)
	last := events[len(events)-1]
	if last.kind != EventDisconnected || !errors.Is(last.err, ErrReceiveQueueFull) {
		t.Errorf("last event = %+v, want disconnected with ErrReceiveQueueFull", last)
	}
	if len(events) != 4 {
		t.Errorf("got %d events, want connected, 2 data, disconnected", len(events))
	}
}

func TestConn_Run_InvalidFrameLength(t *testing.T) {
	env := newTestConn(t, nil)
	env.start()

	if _, err := env.peer.Write([]byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, 5*time.Second, "loops to exit", env.conn.finished)

	if !env.conn.violated() {
		t.Error("zero length frame not treated as a protocol violation")
	}
	if !env.logger.has("error", "protocol violation") {
		t.Error("protocol violation not logged as an error")
	}

	events := drainEvents(env.recvQ)
	if len(events) != 2 || !errors.Is(events[1].err, ErrInvalidFrameLength) {
		t.Errorf("events = %+v", events)
	}
}

func TestConn_Run_OversizedFrame(t *testing.T) {
	env := newTestConn(t, nil, MessageMaxSize(8))
	env.start()

	writeRawFrame(t, env.peer, []byte("Chat\n123456"))

	waitFor(t, 5*time.Second, "loops to exit", env.conn.finished)
	if !env.conn.violated() {
		t.Error("oversized frame not treated as a protocol violation")
	}
}

func TestConn_Close(t *testing.T) {
	env := newTestConn(t, nil)
	env.start()

	if err := env.conn.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := env.conn.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	waitFor(t, 5*time.Second, "loops to exit", env.conn.finished)

	events := drainEvents(env.recvQ)
	disconnects := 0
	for _, e := range events {
		if e.kind == EventDisconnected {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Errorf("got %d disconnected events, want 1", disconnects)
	}
	if env.conn.closeReason(nil) != reasonLocal {
		t.Errorf("reason = %s, want %s", env.conn.closeReason(nil), reasonLocal)
	}

	// Peer sees EOF.
	_ = env.peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := env.peer.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("peer read = %v, want io.EOF", err)
	}
}

func TestConn_FrameHook(t *testing.T) {
	var seen []string
	hook := func(c *Conn, payload []byte) (bool, error) {
		seen = append(seen, string(payload))
		switch payload[0] {
		case '@':
			return true, nil
		case '!':
			return true, errors.New("hook rejected frame")
		}
		return false, nil
	}

	env := newTestConn(t, hook)
	env.start()

	writeRawFrame(t, env.peer, []byte("@"))
	writeRawFrame(t, env.peer, []byte("Chat\nkept"))
	writeRawFrame(t, env.peer, []byte("!"))

	waitFor(t, 5*time.Second, "loops to exit", env.conn.finished)

	if len(seen) != 3 {
		t.Errorf("hook saw %d frames, want 3", len(seen))
	}

	events := drainEvents(env.recvQ)
	if len(events) != 3 || events[1].payload != "Chat\nkept" {
		t.Errorf("events = %+v, want connected, one data, disconnected", events)
	}
}

func TestConn_ReceiveTimeout(t *testing.T) {
	env := newTestConn(t, nil, ReceiveTimeoutOption(50*time.Millisecond))
	env.start()

	waitFor(t, 5*time.Second, "read deadline to end the connection", env.conn.finished)

	if env.conn.closeReason(nil) != reasonError {
		t.Errorf("reason = %s, want %s", env.conn.closeReason(nil), reasonError)
	}
}
