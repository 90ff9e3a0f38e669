package netframe

import "sync"

// EventKind identifies what a queued receive event carries.
type EventKind uint8

const (
	// EventConnected is queued once when a connection's loops start.
	EventConnected EventKind = iota + 1
	// EventData carries one frame payload.
	EventData
	// EventDisconnected is queued once when a connection's loops have exited.
	EventDisconnected
	// EventConnectFailed is client only: the dial never produced a connection.
	EventConnectFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventDisconnected:
		return "disconnected"
	case EventConnectFailed:
		return "connect_failed"
	default:
		return "unknown"
	}
}

// bufferPool recycles payload buffers handed between goroutines.
// Keyed by *[]byte to avoid interface-boxing allocations.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{pool: sync.Pool{
		New: func() any {
			b := make([]byte, 0, 256)
			return &b
		},
	}}
}

// copyOf returns a pooled buffer holding a copy of p.
func (bp *bufferPool) copyOf(p []byte) *[]byte {
	b := bp.pool.Get().(*[]byte)
	*b = append((*b)[:0], p...)
	return b
}

func (bp *bufferPool) put(b *[]byte) {
	if b == nil {
		return
	}
	*b = (*b)[:0]
	bp.pool.Put(b)
}

// sendQueue holds outbound payloads for one connection until the write loop
// drains them. pending has capacity one and is the write loop's wake-up
// signal; a send on a full pending channel is dropped because one signal
// already covers every entry enqueued before the next drain.
type sendQueue struct {
	mu      sync.Mutex
	entries []*[]byte
	pool    *bufferPool

	pending chan struct{}
}

func newSendQueue(pool *bufferPool) *sendQueue {
	return &sendQueue{
		pool:    pool,
		pending: make(chan struct{}, 1),
	}
}

// enqueue copies p into a pooled buffer and wakes the write loop. It returns
// false, without queuing, when the queue already holds limit entries.
func (q *sendQueue) enqueue(p []byte, limit int) bool {
	q.mu.Lock()
	if limit > 0 && len(q.entries) >= limit {
		q.mu.Unlock()
		return false
	}
	q.entries = append(q.entries, q.pool.copyOf(p))
	q.mu.Unlock()

	select {
	case q.pending <- struct{}{}:
	default:
	}
	return true
}

// dequeueAndSerializeAll drains every entry into dst, each prefixed with its
// 4-byte big-endian length, so one socket write flushes the whole backlog.
// It returns the grown dst and the number of payloads written.
func (q *sendQueue) dequeueAndSerializeAll(dst []byte) ([]byte, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	if n == 0 {
		return dst, 0
	}

	size := 0
	for _, b := range q.entries {
		size += frameHeaderSize + len(*b)
	}
	if cap(dst)-len(dst) < size {
		grown := make([]byte, len(dst), len(dst)+size)
		copy(grown, dst)
		dst = grown
	}

	for i, b := range q.entries {
		dst = appendFrame(dst, *b)
		q.pool.put(b)
		q.entries[i] = nil
	}
	q.entries = q.entries[:0]
	return dst, n
}

func (q *sendQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, b := range q.entries {
		q.pool.put(b)
		q.entries[i] = nil
	}
	q.entries = q.entries[:0]
}

type event struct {
	connID int
	kind   EventKind
	buf    *[]byte
	err    error
}

func (e event) payload() []byte {
	if e.buf == nil {
		return nil
	}
	return *e.buf
}

// receiveQueue is the single FIFO between the read loops and the goroutine
// calling Run. It tracks how many events each connection has pending so a
// read loop can stop when its peer outruns the application.
type receiveQueue struct {
	mu      sync.Mutex
	entries []event
	head    int
	counts  map[int]int
	pool    *bufferPool
}

func newReceiveQueue() *receiveQueue {
	return &receiveQueue{
		counts: make(map[int]int),
		pool:   newBufferPool(),
	}
}

// enqueue copies payload (which may be nil) and returns the number of events
// now pending for connID.
func (q *receiveQueue) enqueue(connID int, kind EventKind, payload []byte) int {
	var buf *[]byte
	if payload != nil {
		buf = q.pool.copyOf(payload)
	}
	return q.push(event{connID: connID, kind: kind, buf: buf})
}

func (q *receiveQueue) enqueueError(connID int, kind EventKind, err error) int {
	return q.push(event{connID: connID, kind: kind, err: err})
}

func (q *receiveQueue) push(e event) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, e)
	q.counts[e.connID]++
	return q.counts[e.connID]
}

// tryPeek returns the oldest event without removing it. The payload stays
// valid until the matching tryDequeue.
func (q *receiveQueue) tryPeek() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.entries) {
		return event{}, false
	}
	return q.entries[q.head], true
}

// tryDequeue removes the oldest event and recycles its payload buffer.
func (q *receiveQueue) tryDequeue() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.entries) {
		return false
	}

	e := q.entries[q.head]
	q.entries[q.head] = event{}
	q.head++
	q.pool.put(e.buf)

	if c := q.counts[e.connID] - 1; c > 0 {
		q.counts[e.connID] = c
	} else {
		delete(q.counts, e.connID)
	}

	switch {
	case q.head == len(q.entries):
		q.entries = q.entries[:0]
		q.head = 0
	case q.head >= 1024 && q.head*2 >= len(q.entries):
		n := copy(q.entries, q.entries[q.head:])
		clear(q.entries[n:])
		q.entries = q.entries[:n]
		q.head = 0
	}
	return true
}

func (q *receiveQueue) totalCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) - q.head
}
