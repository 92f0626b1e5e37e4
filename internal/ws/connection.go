package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pprasoon1/safe-chat/internal/identity"
)

// sendQueueSize bounds the frames waiting to be written to one connection.
const sendQueueSize = 64

var (
	// ErrBusy is returned by TryEnqueue when frames are already waiting to
	// be written.
	ErrBusy = errors.New("ws: connection busy")
	// ErrSlowConsumer is returned by Enqueue when the send queue is full.
	ErrSlowConsumer = errors.New("ws: send queue full")
)

// Connection is one authenticated WebSocket client. Writes are serialized by
// writeMu so concurrent emits never interleave frame bytes.
//
// Frames sent to a connection on behalf of other sessions go through a
// bounded queue drained by a flusher goroutine that only exists while the
// queue is non-empty. A stalled client then fills its own queue instead of
// holding up the sender.
type Connection struct {
	ID        string            // session ID (UUID)
	Identity  identity.Identity // verified at the handshake
	Conn      net.Conn
	Fd        int // -1 where the platform has no pollable fd
	CreatedAt time.Time

	writeMu  sync.Mutex
	lastSeen atomic.Int64 // unix nanos

	queueMu  sync.Mutex
	queue    [][]byte
	flushing bool
	closed   bool
}

// WriteMessage sends a text frame, waiting for any in-progress write.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// WritePong answers a client ping, echoing its payload.
func (c *Connection) WritePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// Enqueue appends a text frame to the send queue and returns at once.
// Frames are written in the order they were queued, each bounded by
// writeTimeout when it is positive.
func (c *Connection) Enqueue(data []byte, writeTimeout time.Duration) error {
	return c.enqueue(data, writeTimeout, false)
}

// TryEnqueue is Enqueue for droppable frames: it refuses with ErrBusy when
// anything is still waiting to be written.
func (c *Connection) TryEnqueue(data []byte, writeTimeout time.Duration) error {
	return c.enqueue(data, writeTimeout, true)
}

func (c *Connection) enqueue(data []byte, writeTimeout time.Duration, volatile bool) error {
	c.queueMu.Lock()
	switch {
	case c.closed:
		c.queueMu.Unlock()
		return net.ErrClosed
	case volatile && c.flushing:
		c.queueMu.Unlock()
		return ErrBusy
	case len(c.queue) >= sendQueueSize:
		c.queueMu.Unlock()
		return ErrSlowConsumer
	}
	c.queue = append(c.queue, data)
	start := !c.flushing
	c.flushing = true
	c.queueMu.Unlock()

	if start {
		go c.flush(writeTimeout)
	}
	return nil
}

// flush writes queued frames until the queue is empty or a write fails. A
// failed write closes the queue; the read path or the heartbeat removes the
// connection.
func (c *Connection) flush(writeTimeout time.Duration) {
	for {
		c.queueMu.Lock()
		if c.closed || len(c.queue) == 0 {
			c.flushing = false
			c.queueMu.Unlock()
			return
		}
		data := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.queueMu.Unlock()

		c.writeMu.Lock()
		if writeTimeout > 0 {
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
		_ = c.Conn.SetWriteDeadline(time.Time{})
		c.writeMu.Unlock()

		if err != nil {
			c.queueMu.Lock()
			c.closed = true
			c.queue = nil
			c.flushing = false
			c.queueMu.Unlock()
			return
		}
	}
}

// pending reports how many frames are waiting in the send queue.
func (c *Connection) pending() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

// Close drops any queued frames and closes the underlying network
// connection.
func (c *Connection) Close() error {
	c.queueMu.Lock()
	c.closed = true
	c.queue = nil
	c.queueMu.Unlock()
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections, indexed
// by session ID and by the net.Conn the poller reports as ready.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers conn. It returns false if the ID is already taken.
func (cm *ConnectionManager) Add(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.byID[conn.ID]; ok {
		return false
	}
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	return true
}

// Remove drops the connection with the given ID and closes it. It returns
// false if the connection was already gone, so concurrent removals (read
// error racing a heartbeat timeout) clean up exactly once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
