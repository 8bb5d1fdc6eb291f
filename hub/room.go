// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package hub

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/manfredsteger/polly/protocol"
)

const roomQueueSize = 64

// JoinRequest carries the identity a session joins a room with.
type JoinRequest struct {
	SessionID   string
	VoterKey    string
	DisplayName string
	IsPresenter bool
}

// RoomSnapshot is a copy of a room's state at one point in its loop.
type RoomSnapshot struct {
	Participants []protocol.Participant
	LiveDrafts   protocol.LiveDrafts
	Slots        protocol.Slots
	Closed       bool
}

type member struct {
	participant protocol.Participant
	voterKey    string
	conn        *Connection
}

type roomOp struct {
	fn    func() error
	reply chan error
}

type roomConfig struct {
	grace   time.Duration
	logger  *slog.Logger
	metrics *hubMetrics
	// onClose is called from the room loop right before it exits.
	onClose func(*Room)
}

// Room serializes every mutation of one poll's live state through a single
// goroutine. Methods may be called from any goroutine; they block until the
// loop has applied the operation.
type Room struct {
	token   string
	ops     chan roomOp
	done    chan struct{}
	grace   time.Duration
	logger  *slog.Logger
	metrics *hubMetrics
	onClose func(*Room)
	created time.Time

	// Owned by run.
	members    map[string]*member
	drafts     protocol.LiveDrafts
	ledger     *ledger
	pollClosed bool
	evictTimer *time.Timer
	evictGen   uint64
	stopping   bool
}

func newRoom(token string, seed RoomSeed, cfg roomConfig) *Room {
	r := &Room{
		token:      token,
		ops:        make(chan roomOp, roomQueueSize),
		done:       make(chan struct{}),
		grace:      cfg.grace,
		logger:     cfg.logger.With("poll", token),
		metrics:    cfg.metrics,
		onClose:    cfg.onClose,
		created:    time.Now(),
		members:    make(map[string]*member),
		drafts:     make(protocol.LiveDrafts),
		ledger:     newLedger(seed),
		pollClosed: seed.Closed,
	}
	go r.run()
	return r
}

func (r *Room) Token() string { return r.token }

// Done is closed when the room loop has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) run() {
	defer close(r.done)
	// A room that never sees a join still goes away.
	r.scheduleEviction()
	for op := range r.ops {
		crashed, err := r.apply(op.fn)
		op.reply <- err
		if crashed || r.stopping {
			r.teardown(crashed)
			return
		}
	}
}

func (r *Room) apply(fn func() error) (crashed bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("room panicked", "panic", p, "stack", string(debug.Stack()))
			r.metrics.panicked()
			crashed = true
			err = ErrRoomCrashed
		}
	}()
	return false, fn()
}

func (r *Room) teardown(crashed bool) {
	if r.evictTimer != nil {
		r.evictTimer.Stop()
	}
	if r.onClose != nil {
		r.onClose(r)
	}
	// Members of a crashed room reconnect and land in a fresh one.
	for _, m := range r.members {
		if crashed && m.conn != nil {
			m.conn.Close()
		}
	}
	r.metrics.participantsDelta(-len(r.members))
	r.logger.Info("room closed", "crashed", crashed, "age", humanize.RelTime(r.created, time.Now(), "", ""))
}

// do runs fn on the room loop and returns its error. ErrRoomClosed means
// the loop had already exited; the caller should look the room up again.
func (r *Room) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case r.ops <- roomOp{fn: fn, reply: reply}:
	case <-r.done:
		return ErrRoomClosed
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrRoomClosed
		}
	}
}

// Join inserts or refreshes the participant for req.SessionID and binds it
// to conn. The joiner gets a full snapshot, everyone else a presence update.
func (r *Room) Join(conn *Connection, req JoinRequest) error {
	return r.do(func() error {
		r.cancelEviction()

		m, ok := r.members[req.SessionID]
		if ok {
			if m.conn != nil && m.conn != conn {
				r.logger.Debug("session moved to a new connection", "session", req.SessionID)
				m.conn.Close()
			}
			m.conn = conn
			m.voterKey = req.VoterKey
			m.participant.DisplayName = req.DisplayName
			m.participant.IsPresenter = req.IsPresenter
		} else {
			m = &member{
				participant: protocol.Participant{
					SessionID:   req.SessionID,
					DisplayName: req.DisplayName,
					IsPresenter: req.IsPresenter,
					ConnectedAt: time.Now().UTC(),
				},
				voterKey: req.VoterKey,
				conn:     conn,
			}
			r.members[req.SessionID] = m
			r.metrics.participantsDelta(1)
		}

		r.logger.Info("participant joined",
			"session", req.SessionID,
			"name", req.DisplayName,
			"presenter", req.IsPresenter,
			"rejoin", ok,
			"participants", len(r.members),
		)

		participants := r.participants()
		conn.Send(protocol.Joined{
			SessionID:    req.SessionID,
			Participants: participants,
			LiveDrafts:   r.drafts,
			Slots:        r.ledger.projection(),
		})
		r.broadcast(protocol.PresenceUpdate{
			Participants: participants,
			LiveDrafts:   r.drafts,
		}, m)
		return nil
	})
}

// UpdateDraft overwrites one entry of the caller's draft and broadcasts the
// whole draft table. Committed counts are not touched.
func (r *Room) UpdateDraft(conn *Connection, sessionID, optionID string, resp protocol.Response) error {
	return r.do(func() error {
		m, err := r.voter(conn, sessionID)
		if err != nil {
			return err
		}
		if !r.ledger.known(optionID) {
			return ErrUnknownOption
		}

		draft, ok := r.drafts[m.voterKey]
		if !ok {
			draft = make(protocol.Responses)
			r.drafts[m.voterKey] = draft
		}
		draft[optionID] = resp

		r.broadcast(protocol.LiveVoteUpdate{LiveDrafts: r.drafts}, nil)
		return nil
	})
}

// WithdrawDraft discards the caller's draft.
func (r *Room) WithdrawDraft(conn *Connection, sessionID string) error {
	return r.do(func() error {
		m := r.member(conn, sessionID)
		if m == nil {
			return ErrNotJoined
		}
		if _, ok := r.drafts[m.voterKey]; !ok {
			return nil
		}
		delete(r.drafts, m.voterKey)
		r.broadcast(protocol.LiveVoteUpdate{LiveDrafts: r.drafts}, nil)
		return nil
	})
}

// Finalize commits the caller's draft if every option gaining a "yes" still
// has room. On rejection only the caller hears about it and nothing changes.
func (r *Room) Finalize(conn *Connection, sessionID, voterName string) error {
	return r.do(func() error {
		m, err := r.voter(conn, sessionID)
		if err != nil {
			return err
		}

		adm, err := r.ledger.admit(m.voterKey, r.drafts[m.voterKey])
		if err != nil {
			var capErr *CapacityError
			if errors.As(err, &capErr) {
				r.metrics.finalized("capacity_exceeded")
				r.logger.Info("finalize rejected", "voter", m.voterKey, "option", capErr.OptionID)
				m.conn.Send(protocol.CapacityExceeded{OptionID: capErr.OptionID})
			}
			return err
		}

		changed := r.ledger.commit(adm)
		delete(r.drafts, m.voterKey)
		r.metrics.finalized("admitted")

		if voterName == "" {
			voterName = m.participant.DisplayName
		}
		r.logger.Info("vote finalized", "voter", m.voterKey, "slots_changed", changed)

		r.broadcast(protocol.VoteFinalized{
			VoterName:    voterName,
			Participants: r.participants(),
			LiveDrafts:   r.drafts,
		}, nil)
		if changed {
			r.broadcast(protocol.SlotUpdate{Slots: r.ledger.projection()}, nil)
		}
		r.broadcast(protocol.ResultsRefresh{}, nil)
		return nil
	})
}

// Rename changes the caller's display name. Drafts and committed ballots
// stay under the voter key they were made with.
func (r *Room) Rename(conn *Connection, sessionID, name string) error {
	return r.do(func() error {
		m := r.member(conn, sessionID)
		if m == nil {
			return ErrNotJoined
		}
		m.participant.DisplayName = name
		r.broadcast(protocol.PresenceUpdate{
			Participants: r.participants(),
			LiveDrafts:   r.drafts,
		}, nil)
		return nil
	})
}

// Leave removes the caller. Leaving twice is not an error.
func (r *Room) Leave(conn *Connection, sessionID string) error {
	return r.do(func() error {
		r.remove(conn, sessionID, "left")
		return nil
	})
}

// Disconnect is Leave for a connection the registry saw drop. It is a no-op
// if the session has since moved to another connection.
func (r *Room) Disconnect(conn *Connection, sessionID string) error {
	return r.do(func() error {
		r.remove(conn, sessionID, "disconnected")
		return nil
	})
}

// ResultsChanged tells everyone in the room to re-read durable results.
func (r *Room) ResultsChanged() error {
	return r.do(func() error {
		r.broadcast(protocol.ResultsRefresh{}, nil)
		return nil
	})
}

// CommitVote admits responses for voterKey against the committed counts
// and, if every option gaining a "yes" has room, calls write and applies the
// admission once write succeeds. Options the room does not know are left to
// write to reject. Drafts are not touched.
func (r *Room) CommitVote(voterKey string, responses protocol.Responses, write func() (protocol.Responses, error)) (protocol.Responses, error) {
	var ballot protocol.Responses
	err := r.do(func() error {
		known := make(protocol.Responses, len(responses))
		for optionID, resp := range responses {
			if r.ledger.known(optionID) {
				known[optionID] = resp
			}
		}
		adm, err := r.ledger.admit(voterKey, known)
		if err != nil {
			var capErr *CapacityError
			if errors.As(err, &capErr) {
				r.metrics.finalized("capacity_exceeded")
				r.logger.Info("vote rejected", "voter", voterKey, "option", capErr.OptionID)
			}
			return err
		}

		ballot, err = write()
		if err != nil {
			return err
		}
		r.metrics.finalized("admitted")
		if r.ledger.commit(adm) {
			r.logger.Info("vote committed outside live channel", "voter", voterKey)
			r.broadcast(protocol.SlotUpdate{Slots: r.ledger.projection()}, nil)
		}
		return nil
	})
	return ballot, err
}

// MarkPollClosed rejects further drafts and finalizes.
func (r *Room) MarkPollClosed() error {
	return r.do(func() error {
		r.pollClosed = true
		r.broadcast(protocol.ResultsRefresh{}, nil)
		return nil
	})
}

// Snapshot returns a deep copy of the room state.
func (r *Room) Snapshot() (RoomSnapshot, error) {
	var snap RoomSnapshot
	err := r.do(func() error {
		snap = RoomSnapshot{
			Participants: r.participants(),
			LiveDrafts:   make(protocol.LiveDrafts, len(r.drafts)),
			Slots:        r.ledger.projection(),
			Closed:       r.pollClosed,
		}
		for k, v := range r.drafts {
			snap.LiveDrafts[k] = v.Clone()
		}
		return nil
	})
	return snap, err
}

// Close stops the room loop and waits for it to exit.
func (r *Room) Close() {
	_ = r.do(func() error {
		r.stopping = true
		return nil
	})
	<-r.done
}

func (r *Room) member(conn *Connection, sessionID string) *member {
	m, ok := r.members[sessionID]
	if !ok || m.conn != conn {
		return nil
	}
	return m
}

// voter returns the caller's member entry if it may vote right now.
func (r *Room) voter(conn *Connection, sessionID string) (*member, error) {
	m := r.member(conn, sessionID)
	if m == nil {
		return nil, ErrNotJoined
	}
	if m.participant.IsPresenter {
		return nil, ErrPresenter
	}
	if r.pollClosed {
		return nil, ErrPollClosed
	}
	return m, nil
}

func (r *Room) remove(conn *Connection, sessionID, reason string) {
	m := r.member(conn, sessionID)
	if m == nil {
		return
	}
	delete(r.members, sessionID)
	r.metrics.participantsDelta(-1)
	r.logger.Info("participant "+reason, "session", sessionID, "participants", len(r.members))

	r.broadcast(protocol.PresenceUpdate{
		Participants: r.participants(),
		LiveDrafts:   r.drafts,
	}, nil)
	r.scheduleEviction()
}

func (r *Room) scheduleEviction() {
	if len(r.members) > 0 {
		return
	}
	r.cancelEviction()
	gen := r.evictGen
	r.evictTimer = time.AfterFunc(r.grace, func() {
		_ = r.do(func() error {
			r.evictIfIdle(gen)
			return nil
		})
	})
	r.logger.Debug("eviction scheduled", "grace", r.grace)
}

func (r *Room) cancelEviction() {
	r.evictGen++
	if r.evictTimer != nil {
		r.evictTimer.Stop()
		r.evictTimer = nil
	}
}

// evictIfIdle runs on the loop, so a join is either applied before it (and
// bumped evictGen) or is refused with ErrRoomClosed afterwards.
func (r *Room) evictIfIdle(gen uint64) {
	if gen != r.evictGen || len(r.members) > 0 {
		return
	}
	r.stopping = true
	r.metrics.evicted()
	r.logger.Info("evicting idle room", "grace", r.grace)
}

// participants returns members ordered by join time.
func (r *Room) participants() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.participant)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// broadcast encodes m once and queues it for every member except skip.
func (r *Room) broadcast(m protocol.Message, skip *member) {
	data, err := protocol.Encode(m)
	if err != nil {
		r.logger.Error("failed to encode broadcast", "type", m.MessageType(), "error", err)
		return
	}
	for _, mem := range r.members {
		if mem == skip || mem.conn == nil {
			continue
		}
		mem.conn.enqueue(data)
	}
}
