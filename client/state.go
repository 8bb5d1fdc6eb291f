// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package client

import (
	"github.com/google/uuid"

	"github.com/manfredsteger/polly/protocol"
)

// NewSessionID returns a fresh session id. Keep it for the lifetime of one
// participant so rejoins replace presence instead of duplicating it.
func NewSessionID() string {
	return uuid.NewString()
}

// State is the room as last reported by the server.
type State struct {
	SessionID    string
	Connected    bool
	Participants []protocol.Participant
	LiveDrafts   protocol.LiveDrafts
	Slots        protocol.Slots
}

func (s State) clone() State {
	out := State{
		SessionID:    s.SessionID,
		Connected:    s.Connected,
		Participants: append([]protocol.Participant(nil), s.Participants...),
	}
	if s.LiveDrafts != nil {
		out.LiveDrafts = make(protocol.LiveDrafts, len(s.LiveDrafts))
		for k, v := range s.LiveDrafts {
			out.LiveDrafts[k] = v.Clone()
		}
	}
	if s.Slots != nil {
		out.Slots = make(protocol.Slots, len(s.Slots))
		for k, v := range s.Slots {
			out.Slots[k] = v
		}
	}
	return out
}

// Full reports whether optionID has no free slot left.
func (s State) Full(optionID string) bool {
	slot, ok := s.Slots[optionID]
	return ok && slot.MaxCapacity != nil && slot.CurrentCount >= *slot.MaxCapacity
}

// apply folds a server message into s. It reports whether the visible state
// changed.
func (s *State) apply(m protocol.Message) bool {
	switch msg := m.(type) {
	case *protocol.Joined:
		s.SessionID = msg.SessionID
		s.Participants = msg.Participants
		s.LiveDrafts = msg.LiveDrafts
		s.Slots = msg.Slots
	case *protocol.PresenceUpdate:
		s.Participants = msg.Participants
		s.LiveDrafts = msg.LiveDrafts
	case *protocol.LiveVoteUpdate:
		s.LiveDrafts = msg.LiveDrafts
	case *protocol.VoteFinalized:
		s.Participants = msg.Participants
		s.LiveDrafts = msg.LiveDrafts
	case *protocol.SlotUpdate:
		s.Slots = msg.Slots
	default:
		return false
	}
	return true
}
