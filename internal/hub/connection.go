package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var (
	// ErrBufferFull is returned when the send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrChannelClosed is returned when sending to a closed channel.
	ErrChannelClosed = errors.New("channel closed")
)

// Channel is an open message pipe to one client. The registry references
// channels; the transport owns them.
type Channel interface {
	ID() string
	// Send queues data without blocking.
	Send(data []byte) error
	// Close stops the channel; the peer receives code and reason. Closing
	// twice is a no-op.
	Close(code int, reason string) error
}

// Connection is a websocket-backed Channel. Outbound messages are buffered
// and written by a single pump goroutine.
type Connection struct {
	id   string
	Conn *websocket.Conn

	send chan []byte

	writeMu sync.Mutex

	stateMu     sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

var _ Channel = (*Connection)(nil)

// NewConnection wraps ws with a send buffer of the given size.
func NewConnection(ws *websocket.Conn, buffer int) *Connection {
	if buffer <= 0 {
		buffer = 256
	}
	return &Connection{
		id:   uuid.New().String(),
		Conn: ws,
		send: make(chan []byte, buffer),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Send queues data for the write pump.
func (c *Connection) Send(data []byte) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close marks the connection closed and lets the write pump flush a close
// frame.
func (c *Connection) Close(code int, reason string) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
	return nil
}

// Outbound is drained by the write pump. It is closed by Close.
func (c *Connection) Outbound() <-chan []byte { return c.send }

// CloseFrame returns the close code and reason recorded by Close.
func (c *Connection) CloseFrame() (int, string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closeCode == 0 {
		return websocket.CloseNormalClosure, ""
	}
	return c.closeCode, c.closeReason
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Terminate closes the underlying socket.
func (c *Connection) Terminate() error {
	return c.Conn.Close()
}
