// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/manfredsteger/polly/protocol"
)

const (
	DefaultEvictionGrace   = 60 * time.Second
	DefaultLivenessTimeout = 75 * time.Second
	DefaultSendBuffer      = 64
	DefaultMaxMessageBytes = 64 << 10
	DefaultMessageRate     = 20
	DefaultMessageBurst    = 40
	DefaultWriteTimeout    = 10 * time.Second

	joinAttempts = 3
)

// Config configures a Hub. Zero values fall back to the defaults above.
type Config struct {
	Source       SeedSource
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer

	EvictionGrace   time.Duration
	LivenessTimeout time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	MessageRate     float64
	MessageBurst    int
	WriteTimeout    time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.EvictionGrace <= 0 {
		c.EvictionGrace = DefaultEvictionGrace
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = DefaultLivenessTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MessageRate <= 0 {
		c.MessageRate = DefaultMessageRate
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = DefaultMessageBurst
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Hub routes live voting traffic between connections and per-poll rooms.
type Hub struct {
	logger    *slog.Logger
	metrics   *hubMetrics
	directory *Directory
	registry  *Registry
}

func New(cfg Config) (*Hub, error) {
	if cfg.Source == nil {
		return nil, errors.New("hub: seed source is required")
	}
	cfg.setDefaults()
	logger := cfg.Logger.With("component", "hub")
	metrics := newHubMetrics(cfg.PromRegistry)

	return &Hub{
		logger:    logger,
		metrics:   metrics,
		directory: newDirectory(cfg.Source, cfg.EvictionGrace, logger, metrics),
		registry: newRegistry(registryConfig{
			logger:          logger,
			metrics:         metrics,
			sendBuffer:      cfg.SendBuffer,
			maxMessageBytes: cfg.MaxMessageBytes,
			livenessTimeout: cfg.LivenessTimeout,
			writeTimeout:    cfg.WriteTimeout,
			messageRate:     rate.Limit(cfg.MessageRate),
			messageBurst:    cfg.MessageBurst,
		}),
	}, nil
}

// ServeConn runs t until it disconnects. It blocks.
func (h *Hub) ServeConn(ctx context.Context, t Transport) error {
	return h.registry.Serve(ctx, t, h)
}

// Dispatch applies one client frame. It runs on the connection's read loop.
func (h *Hub) Dispatch(ctx context.Context, c *Connection, m protocol.Message) {
	var err error
	switch msg := m.(type) {
	case *protocol.Ping:
		c.Send(protocol.Pong{})
	case *protocol.JoinPoll:
		err = h.join(ctx, c, msg)
	case *protocol.VoteInProgress:
		err = h.inRoom(c, func(r *Room) error {
			return r.UpdateDraft(c, c.sessionID, msg.OptionID, msg.Response)
		})
	case *protocol.VoteWithdrawn:
		err = h.inRoom(c, func(r *Room) error {
			return r.WithdrawDraft(c, c.sessionID)
		})
	case *protocol.VoteSubmitted:
		err = h.inRoom(c, func(r *Room) error {
			return r.Finalize(c, c.sessionID, strings.TrimSpace(msg.VoterName))
		})
	case *protocol.UpdateName:
		name := strings.TrimSpace(msg.VoterName)
		err = h.inRoom(c, func(r *Room) error {
			return r.Rename(c, c.sessionID, name)
		})
	case *protocol.LeavePoll:
		if c.room != nil {
			err = c.room.Leave(c, c.sessionID)
			c.unbind()
		}
	default:
		c.logger.Warn("unhandled message", "type", m.MessageType())
		return
	}
	h.reply(c, m.MessageType(), err)
}

func (h *Hub) inRoom(c *Connection, fn func(*Room) error) error {
	if c.room == nil {
		return ErrNotJoined
	}
	err := fn(c.room)
	if errors.Is(err, ErrRoomClosed) || errors.Is(err, ErrRoomCrashed) {
		// The room is gone; the client must join again.
		c.unbind()
	}
	return err
}

func (h *Hub) reply(c *Connection, typ protocol.MessageType, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrCapacityExceeded):
		// The room already told the requester.
	case errors.Is(err, ErrRoomCrashed):
		c.Close()
	default:
		c.logger.Info("intent rejected", "type", typ, "error", err)
		c.Send(protocol.Error{Message: err.Error()})
	}
}

// join binds c to the room for msg.PollToken, leaving any room it was in.
// A room that closes between lookup and join is looked up again.
func (h *Hub) join(ctx context.Context, c *Connection, msg *protocol.JoinPoll) error {
	token := strings.TrimSpace(msg.PollToken)
	sessionID := strings.TrimSpace(msg.SessionID)
	if token == "" || sessionID == "" {
		return ErrInvalidJoin
	}
	req := JoinRequest{
		SessionID:   sessionID,
		VoterKey:    VoterKey(msg.VoterName, msg.VoterEmail),
		DisplayName: strings.TrimSpace(msg.VoterName),
		IsPresenter: msg.IsPresenter,
	}
	if req.VoterKey == "" && !req.IsPresenter {
		return ErrAnonymousVoter
	}

	if c.room != nil && (c.room.token != token || c.sessionID != sessionID) {
		_ = c.room.Leave(c, c.sessionID)
		c.unbind()
	}

	var err error
	for attempt := 0; attempt < joinAttempts; attempt++ {
		var r *Room
		r, err = h.directory.GetOrCreate(ctx, token)
		if err != nil {
			if errors.Is(err, ErrPollNotFound) {
				return ErrPollNotFound
			}
			h.logger.Error("failed to open room", "poll", token, "error", err)
			return errors.New("poll unavailable")
		}
		err = r.Join(c, req)
		if err == nil {
			c.bind(r, sessionID)
			return nil
		}
		if !errors.Is(err, ErrRoomClosed) && !errors.Is(err, ErrRoomCrashed) {
			return err
		}
		h.logger.Debug("room closed during join, retrying", "poll", token, "attempt", attempt+1)
	}
	return err
}

// Disconnected treats a dropped connection as an implicit leave.
func (h *Hub) Disconnected(c *Connection) {
	if c.room == nil {
		return
	}
	_ = c.room.Disconnect(c, c.sessionID)
	c.unbind()
}

// VoterKey returns the identity drafts and ballots are stored under: the
// email when one is given, otherwise the display name.
func VoterKey(name, email string) string {
	if e := strings.ToLower(strings.TrimSpace(email)); e != "" {
		return e
	}
	return strings.TrimSpace(name)
}

// ResultsChanged asks an existing room for token to broadcast
// results_refresh. No room is created.
func (h *Hub) ResultsChanged(token string) {
	if r := h.directory.Lookup(token); r != nil {
		if err := r.ResultsChanged(); err != nil {
			h.logger.Debug("results refresh skipped", "poll", token, "error", err)
		}
	}
}

// CommitVote runs a vote that did not come over the live channel through
// the room for token, opening it if needed. The room checks responses
// against its committed counts and only then calls write, on its loop, so
// no live finalize can take a slot in between. A full option is returned as
// *CapacityError and write is never called. write returns the voter's
// resulting durable ballot.
func (h *Hub) CommitVote(ctx context.Context, token, voterKey string, responses protocol.Responses, write func() (protocol.Responses, error)) (protocol.Responses, error) {
	var err error
	for attempt := 0; attempt < joinAttempts; attempt++ {
		var r *Room
		r, err = h.directory.GetOrCreate(ctx, token)
		if err != nil {
			return nil, err
		}
		var ballot protocol.Responses
		ballot, err = r.CommitVote(voterKey, responses, write)
		if !errors.Is(err, ErrRoomClosed) {
			return ballot, err
		}
		h.logger.Debug("room closed during vote, retrying", "poll", token, "attempt", attempt+1)
	}
	return nil, err
}

// PollClosed marks an existing room for token closed.
func (h *Hub) PollClosed(token string) {
	if r := h.directory.Lookup(token); r != nil {
		if err := r.MarkPollClosed(); err != nil {
			h.logger.Debug("poll close skipped", "poll", token, "error", err)
		}
	}
}

// Snapshot returns the current state of the room for token.
func (h *Hub) Snapshot(token string) (RoomSnapshot, bool) {
	r := h.directory.Lookup(token)
	if r == nil {
		return RoomSnapshot{}, false
	}
	snap, err := r.Snapshot()
	if err != nil {
		return RoomSnapshot{}, false
	}
	return snap, true
}

func (h *Hub) RoomCount() int       { return h.directory.Len() }
func (h *Hub) ConnectionCount() int { return h.registry.Len() }

// Shutdown closes every connection, then stops every room.
func (h *Hub) Shutdown(ctx context.Context) error {
	err := h.registry.CloseAll(ctx)
	h.directory.CloseAll()
	h.logger.Info("hub stopped")
	return err
}
