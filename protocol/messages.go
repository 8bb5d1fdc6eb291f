// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the value of the "type" discriminator carried by every frame.
type MessageType string

// Client -> server
const (
	TypeJoinPoll       MessageType = "join_poll"
	TypeVoteInProgress MessageType = "vote_in_progress"
	TypeVoteSubmitted  MessageType = "vote_submitted"
	TypeVoteWithdrawn  MessageType = "vote_withdrawn"
	TypeUpdateName     MessageType = "update_name"
	TypePing           MessageType = "ping"
	TypeLeavePoll      MessageType = "leave_poll"
)

// Server -> client
const (
	TypeJoined           MessageType = "joined"
	TypePresenceUpdate   MessageType = "presence_update"
	TypeLiveVoteUpdate   MessageType = "live_vote_update"
	TypeVoteFinalized    MessageType = "vote_finalized"
	TypeResultsRefresh   MessageType = "results_refresh"
	TypeSlotUpdate       MessageType = "slot_update"
	TypePong             MessageType = "pong"
	TypeCapacityExceeded MessageType = "capacity_exceeded"
	TypeError            MessageType = "error"
)

// Response is a voter's answer for one option. The zero value means "no
// answer" and is encoded as JSON null.
type Response string

const (
	ResponseNone  Response = ""
	ResponseYes   Response = "yes"
	ResponseNo    Response = "no"
	ResponseMaybe Response = "maybe"
)

// Valid reports whether r is one of the accepted values (including none).
func (r Response) Valid() bool {
	switch r {
	case ResponseNone, ResponseYes, ResponseNo, ResponseMaybe:
		return true
	}
	return false
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r == ResponseNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(r))
}

func (r *Response) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = ResponseNone
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v := Response(s)
	if !v.Valid() {
		return fmt.Errorf("%w: response %q", ErrMalformed, s)
	}
	*r = v
	return nil
}

// Responses maps option id to response.
type Responses map[string]Response

// Clone returns an independent copy of rs.
func (rs Responses) Clone() Responses {
	out := make(Responses, len(rs))
	for k, v := range rs {
		out[k] = v
	}
	return out
}

// Overlay returns a copy of rs with draft applied on top: a response
// replaces the option's entry, ResponseNone removes it, and options missing
// from draft keep their entry.
func (rs Responses) Overlay(draft Responses) Responses {
	out := rs.Clone()
	for optionID, resp := range draft {
		if resp == ResponseNone {
			delete(out, optionID)
			continue
		}
		out[optionID] = resp
	}
	return out
}

// Participant is one connected session as shown to other participants.
type Participant struct {
	SessionID   string    `json:"sessionId"`
	DisplayName string    `json:"displayName"`
	IsPresenter bool      `json:"isPresenter"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Slot is the capacity projection for a single option.
type Slot struct {
	CurrentCount int  `json:"currentCount"`
	MaxCapacity  *int `json:"maxCapacity"`
}

// LiveDrafts maps voter key to that voter's uncommitted responses.
type LiveDrafts map[string]Responses

// Slots maps option id to its capacity projection.
type Slots map[string]Slot

// Client -> server messages

type JoinPoll struct {
	PollToken   string `json:"pollToken"`
	VoterName   string `json:"voterName"`
	VoterEmail  string `json:"voterEmail,omitempty"`
	SessionID   string `json:"sessionId"`
	IsPresenter bool   `json:"isPresenter"`
}

type VoteInProgress struct {
	OptionID string   `json:"optionId"`
	Response Response `json:"response"`
}

type VoteSubmitted struct {
	VoterName string `json:"voterName"`
}

type VoteWithdrawn struct{}

type UpdateName struct {
	VoterName string `json:"voterName"`
}

type Ping struct{}

type LeavePoll struct{}

// Server -> client messages

type Joined struct {
	SessionID    string       `json:"sessionId"`
	Participants []Participant `json:"participants"`
	LiveDrafts   LiveDrafts    `json:"liveDrafts"`
	Slots        Slots         `json:"slots"`
}

type PresenceUpdate struct {
	Participants []Participant `json:"participants"`
	LiveDrafts   LiveDrafts    `json:"liveDrafts"`
}

type LiveVoteUpdate struct {
	LiveDrafts LiveDrafts `json:"liveDrafts"`
}

type VoteFinalized struct {
	VoterName    string        `json:"voterName"`
	Participants []Participant `json:"participants"`
	LiveDrafts   LiveDrafts    `json:"liveDrafts"`
}

type ResultsRefresh struct{}

type SlotUpdate struct {
	Slots Slots `json:"slots"`
}

type Pong struct{}

type CapacityExceeded struct {
	OptionID string `json:"optionId"`
}

type Error struct {
	Message string `json:"message"`
}

// Message is implemented by every frame type in this package.
type Message interface {
	MessageType() MessageType
}

func (JoinPoll) MessageType() MessageType         { return TypeJoinPoll }
func (VoteInProgress) MessageType() MessageType   { return TypeVoteInProgress }
func (VoteSubmitted) MessageType() MessageType    { return TypeVoteSubmitted }
func (VoteWithdrawn) MessageType() MessageType    { return TypeVoteWithdrawn }
func (UpdateName) MessageType() MessageType       { return TypeUpdateName }
func (Ping) MessageType() MessageType             { return TypePing }
func (LeavePoll) MessageType() MessageType        { return TypeLeavePoll }
func (Joined) MessageType() MessageType           { return TypeJoined }
func (PresenceUpdate) MessageType() MessageType   { return TypePresenceUpdate }
func (LiveVoteUpdate) MessageType() MessageType   { return TypeLiveVoteUpdate }
func (VoteFinalized) MessageType() MessageType    { return TypeVoteFinalized }
func (ResultsRefresh) MessageType() MessageType   { return TypeResultsRefresh }
func (SlotUpdate) MessageType() MessageType       { return TypeSlotUpdate }
func (Pong) MessageType() MessageType             { return TypePong }
func (CapacityExceeded) MessageType() MessageType { return TypeCapacityExceeded }
func (Error) MessageType() MessageType            { return TypeError }
