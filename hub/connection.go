// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manfredsteger/polly/protocol"
)

// Transport is the subset of *websocket.Conn the hub needs.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Connection is one client channel. Rooms only enqueue onto it; the
// registry owns the goroutines that read from and write to the transport.
type Connection struct {
	id        string
	transport Transport
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
	metrics   *hubMetrics

	// Set and read only by the registry read loop.
	room      *Room
	sessionID string
}

func newConnection(id string, t Transport, buffer int, logger *slog.Logger, metrics *hubMetrics) *Connection {
	return &Connection{
		id:        id,
		transport: t,
		send:      make(chan []byte, buffer),
		closed:    make(chan struct{}),
		logger:    logger.With("conn", id),
		metrics:   metrics,
	}
}

func (c *Connection) ID() string { return c.id }

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Send encodes m and queues it. It never blocks.
func (c *Connection) Send(m protocol.Message) bool {
	data, err := protocol.Encode(m)
	if err != nil {
		c.logger.Error("failed to encode message", "type", m.MessageType(), "error", err)
		return false
	}
	return c.enqueue(data)
}

// enqueue queues an encoded frame. A full buffer closes the connection so
// the client resynchronizes from a fresh snapshot instead of missing a delta.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("send buffer full, closing connection", "buffer", cap(c.send))
		c.metrics.dropped("send_buffer_full")
		c.Close()
		return false
	}
}

// Close marks the connection closed. The write loop flushes what is already
// queued and then closes the transport.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *Connection) bind(r *Room, sessionID string) {
	c.room = r
	c.sessionID = sessionID
}

func (c *Connection) unbind() {
	c.room = nil
	c.sessionID = ""
}

func (c *Connection) writeLoop(writeTimeout time.Duration) {
	defer c.transport.Close()
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data, writeTimeout); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close()
				return
			}
		case <-c.closed:
			for {
				select {
				case data := <-c.send:
					if err := c.write(websocket.TextMessage, data, writeTimeout); err != nil {
						return
					}
				default:
					_ = c.write(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), writeTimeout)
					return
				}
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte, timeout time.Duration) error {
	if err := c.transport.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.transport.WriteMessage(messageType, data)
}
