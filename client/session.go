// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/manfredsteger/polly/protocol"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSilenceTimeout    = 75 * time.Second
	DefaultReconnectDelay    = 3 * time.Second

	writeTimeout = 10 * time.Second
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrInvalidOptions = errors.New("invalid session options")
)

// Callbacks are invoked on the session's read goroutine, in the order the
// server sent the frames. They must not block and must not call Close.
type Callbacks struct {
	OnStateChange      func(State)
	OnConnectionChange func(connected bool)
	OnVoteFinalized    func(voterName string)
	OnResultsRefresh   func()
	OnCapacityExceeded func(optionID string)
	OnError            func(message string)
}

type Options struct {
	// URL of the live endpoint, e.g. ws://localhost:3318/live.
	URL         string
	PollToken   string
	VoterName   string
	VoterEmail  string
	SessionID   string
	IsPresenter bool

	HeartbeatInterval time.Duration
	SilenceTimeout    time.Duration
	ReconnectDelay    time.Duration
	// Backoff replaces the fixed ReconnectDelay when set.
	Backoff backoff.BackOff

	Dialer *websocket.Dialer
	Logger *slog.Logger

	Callbacks
}

func (o *Options) setDefaults() {
	if o.SessionID == "" {
		o.SessionID = NewSessionID()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.SilenceTimeout <= 0 {
		o.SilenceTimeout = DefaultSilenceTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.Backoff == nil {
		o.Backoff = backoff.NewConstantBackOff(o.ReconnectDelay)
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// ExponentialReconnect retries forever with jittered delays growing from
// initial up to max.
func ExponentialReconnect(initial, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Session is one participant on the live channel. It joins on every
// (re)connect, keeps the connection alive with pings and reconnects until
// Close is called.
type Session struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	conn  *websocket.Conn
	name  string
	state State

	writeMu sync.Mutex
}

// Connect validates opts and starts connecting in the background. The
// session lives until ctx is cancelled or Close is called.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	opts.URL = strings.TrimSpace(opts.URL)
	opts.PollToken = strings.TrimSpace(opts.PollToken)
	opts.VoterName = strings.TrimSpace(opts.VoterName)
	if opts.URL == "" || opts.PollToken == "" {
		return nil, errors.Join(ErrInvalidOptions, errors.New("url and poll token are required"))
	}
	if opts.VoterName == "" && !opts.IsPresenter {
		return nil, errors.Join(ErrInvalidOptions, errors.New("voter name is required"))
	}
	opts.setDefaults()

	s := &Session{
		opts:   opts,
		logger: opts.Logger.With("session", opts.SessionID, "poll", opts.PollToken),
		done:   make(chan struct{}),
		name:   opts.VoterName,
		state:  State{SessionID: opts.SessionID},
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
	return s, nil
}

func (s *Session) SessionID() string { return s.opts.SessionID }

// Done is closed once the session has stopped for good.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns a copy of the last known room state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// UpdateDraft sets the live draft for one option. protocol.ResponseNone
// clears that option on finalize.
func (s *Session) UpdateDraft(optionID string, resp protocol.Response) error {
	return s.send(&protocol.VoteInProgress{OptionID: optionID, Response: resp})
}

// Withdraw discards the current draft.
func (s *Session) Withdraw() error {
	return s.send(&protocol.VoteWithdrawn{})
}

// Submit asks the room to commit the current draft. The outcome arrives as
// OnVoteFinalized or OnCapacityExceeded.
func (s *Session) Submit() error {
	s.mu.Lock()
	name := s.name
	s.mu.Unlock()
	return s.send(&protocol.VoteSubmitted{VoterName: name})
}

// Rename changes the display name. Later reconnects keep the new name while
// drafts stay under the original voter identity.
func (s *Session) Rename(name string) error {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	return s.send(&protocol.UpdateName{VoterName: name})
}

// Close leaves the poll and stops reconnecting.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			if err := s.write(conn, &protocol.LeavePoll{}); err != nil {
				s.logger.Debug("failed to send leave", "error", err)
			}
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
		}

		// Cancelling closes whatever connection is current by then.
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
	})
	<-s.done
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	for {
		joined := s.connectOnce()
		if s.ctx.Err() != nil {
			return
		}
		if joined {
			s.opts.Backoff.Reset()
		}

		delay := s.opts.Backoff.NextBackOff()
		if delay == backoff.Stop {
			s.logger.Warn("giving up reconnecting")
			return
		}
		s.logger.Info("reconnecting", "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// connectOnce runs one connection from dial to drop. It reports whether the
// server acknowledged the join.
func (s *Session) connectOnce() bool {
	conn, _, err := s.opts.Dialer.DialContext(s.ctx, s.opts.URL, nil)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("dial failed", "error", err)
		}
		return false
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	s.conn = conn
	s.mu.Unlock()
	stopClose := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stopClose()

	stop := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeat(conn, stop)
	}()

	joined := s.readLoop(conn)

	close(stop)
	<-heartbeatDone
	s.disconnected(conn)
	return joined
}

func (s *Session) readLoop(conn *websocket.Conn) (joined bool) {
	join := &protocol.JoinPoll{
		PollToken:   s.opts.PollToken,
		VoterName:   s.opts.VoterName,
		VoterEmail:  s.opts.VoterEmail,
		SessionID:   s.opts.SessionID,
		IsPresenter: s.opts.IsPresenter,
	}
	if err := s.write(conn, join); err != nil {
		s.logger.Warn("failed to send join", "error", err)
		return false
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.SilenceTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Info("connection lost", "error", err)
			}
			return joined
		}

		m, err := protocol.DecodeServer(data)
		if err != nil {
			s.logger.Debug("dropping unreadable frame", "error", err)
			continue
		}
		if _, ok := m.(*protocol.Joined); ok && !joined {
			joined = true
			s.restoreName(conn)
		}
		s.handle(m)
	}
}

// restoreName re-applies a rename made on an earlier connection. The join
// itself always carries the original name so the voter key is unchanged.
func (s *Session) restoreName(conn *websocket.Conn) {
	s.mu.Lock()
	name := s.name
	s.mu.Unlock()
	if name == s.opts.VoterName || name == "" {
		return
	}
	if err := s.write(conn, &protocol.UpdateName{VoterName: name}); err != nil {
		s.logger.Debug("failed to restore name", "error", err)
	}
}

func (s *Session) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.write(conn, &protocol.Ping{}); err != nil {
				s.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Session) handle(m protocol.Message) {
	s.mu.Lock()
	wasConnected := s.state.Connected
	if _, ok := m.(*protocol.Joined); ok {
		s.state.Connected = true
	}
	changed := s.state.apply(m)
	var snapshot State
	if changed {
		snapshot = s.state.clone()
	}
	nowConnected := s.state.Connected
	s.mu.Unlock()

	cb := s.opts.Callbacks
	if !wasConnected && nowConnected && cb.OnConnectionChange != nil {
		cb.OnConnectionChange(true)
	}
	if changed && cb.OnStateChange != nil {
		cb.OnStateChange(snapshot)
	}

	switch msg := m.(type) {
	case *protocol.VoteFinalized:
		if cb.OnVoteFinalized != nil {
			cb.OnVoteFinalized(msg.VoterName)
		}
	case *protocol.ResultsRefresh:
		if cb.OnResultsRefresh != nil {
			cb.OnResultsRefresh()
		}
	case *protocol.CapacityExceeded:
		if cb.OnCapacityExceeded != nil {
			cb.OnCapacityExceeded(msg.OptionID)
		}
	case *protocol.Error:
		s.logger.Debug("server rejected intent", "message", msg.Message)
		if cb.OnError != nil {
			cb.OnError(msg.Message)
		}
	}
}

func (s *Session) disconnected(conn *websocket.Conn) {
	conn.Close()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	wasConnected := s.state.Connected
	s.state.Connected = false
	s.mu.Unlock()

	if wasConnected && s.opts.OnConnectionChange != nil {
		s.opts.OnConnectionChange(false)
	}
}

func (s *Session) send(m protocol.Message) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state.Connected
	s.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}
	return s.write(conn, m)
}

func (s *Session) write(conn *websocket.Conn, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
