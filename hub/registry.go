// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package hub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/manfredsteger/polly/protocol"
)

// Dispatcher handles decoded client frames for a connection.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Connection, m protocol.Message)
	// Disconnected is called once, from the read loop, after the
	// connection stopped reading.
	Disconnected(c *Connection)
}

type registryConfig struct {
	logger          *slog.Logger
	metrics         *hubMetrics
	sendBuffer      int
	maxMessageBytes int64
	livenessTimeout time.Duration
	writeTimeout    time.Duration
	messageRate     rate.Limit
	messageBurst    int
}

// Registry tracks open connections and runs their read and write loops.
type Registry struct {
	cfg registryConfig

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
	wg     sync.WaitGroup
}

func newRegistry(cfg registryConfig) *Registry {
	return &Registry{
		cfg:   cfg,
		conns: make(map[string]*Connection),
	}
}

var errRegistryClosed = errors.New("registry closed")

// Serve registers t and reads from it until the peer goes away, the
// liveness timeout passes without a frame, or ctx is cancelled. Every
// decoded frame is handed to d on the calling goroutine.
func (reg *Registry) Serve(ctx context.Context, t Transport, d Dispatcher) error {
	c := newConnection(uuid.NewString(), t, reg.cfg.sendBuffer, reg.cfg.logger, reg.cfg.metrics)

	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		_ = t.Close()
		return errRegistryClosed
	}
	reg.conns[c.id] = c
	reg.wg.Add(1)
	reg.mu.Unlock()
	defer reg.wg.Done()

	reg.cfg.metrics.connectionOpened()
	c.logger.Debug("connection opened", "read_limit", humanize.IBytes(uint64(reg.cfg.maxMessageBytes)))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(reg.cfg.writeTimeout)
	}()
	stop := context.AfterFunc(ctx, c.Close)

	reg.readLoop(ctx, c, d)

	stop()
	d.Disconnected(c)
	c.Close()
	<-writerDone

	reg.mu.Lock()
	delete(reg.conns, c.id)
	reg.mu.Unlock()
	reg.cfg.metrics.connectionClosed()
	c.logger.Debug("connection closed")
	return nil
}

func (reg *Registry) readLoop(ctx context.Context, c *Connection, d Dispatcher) {
	t := c.transport
	t.SetReadLimit(reg.cfg.maxMessageBytes)
	limiter := rate.NewLimiter(reg.cfg.messageRate, reg.cfg.messageBurst)

	// The transport is closed by the write loop, which unblocks ReadMessage.
	go func() {
		<-c.closed
		_ = t.SetReadDeadline(time.Now())
	}()

	for {
		if err := t.SetReadDeadline(time.Now().Add(reg.cfg.livenessTimeout)); err != nil {
			return
		}
		kind, data, err := t.ReadMessage()
		if err != nil {
			reg.logReadError(c, err)
			return
		}
		if kind != websocket.TextMessage {
			reg.cfg.metrics.dropped("binary_frame")
			continue
		}
		if !limiter.Allow() {
			reg.cfg.metrics.dropped("rate_limited")
			c.logger.Debug("frame dropped by rate limit")
			continue
		}

		msg, err := protocol.DecodeClient(data)
		if err != nil {
			reg.cfg.metrics.dropped("malformed")
			c.logger.Warn("dropping malformed frame", "error", err, "size", humanize.IBytes(uint64(len(data))))
			continue
		}
		reg.cfg.metrics.message(string(msg.MessageType()))
		d.Dispatch(ctx, c, msg)

		select {
		case <-c.closed:
			return
		default:
		}
	}
}

func (reg *Registry) logReadError(c *Connection, err error) {
	var netErr net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debug("peer closed connection")
	case errors.As(err, &netErr) && netErr.Timeout():
		select {
		case <-c.closed:
		default:
			c.logger.Info("liveness timeout", "timeout", reg.cfg.livenessTimeout)
		}
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame over read limit", "limit", humanize.IBytes(uint64(reg.cfg.maxMessageBytes)))
	default:
		c.logger.Debug("read failed", "error", err)
	}
}

// Len returns the number of open connections.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.conns)
}

// CloseAll closes every connection, refuses new ones, and waits for their
// loops to finish or ctx to end.
func (reg *Registry) CloseAll(ctx context.Context) error {
	reg.mu.Lock()
	reg.closed = true
	for _, c := range reg.conns {
		c.Close()
	}
	reg.mu.Unlock()

	done := make(chan struct{})
	go func() {
		reg.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
