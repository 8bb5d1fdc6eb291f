// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

type envelope struct {
	Type MessageType `json:"type"`
}

var clientTypes = map[MessageType]func() Message{
	TypeJoinPoll:       func() Message { return &JoinPoll{} },
	TypeVoteInProgress: func() Message { return &VoteInProgress{} },
	TypeVoteSubmitted:  func() Message { return &VoteSubmitted{} },
	TypeVoteWithdrawn:  func() Message { return &VoteWithdrawn{} },
	TypeUpdateName:     func() Message { return &UpdateName{} },
	TypePing:           func() Message { return &Ping{} },
	TypeLeavePoll:      func() Message { return &LeavePoll{} },
}

var serverTypes = map[MessageType]func() Message{
	TypeJoined:           func() Message { return &Joined{} },
	TypePresenceUpdate:   func() Message { return &PresenceUpdate{} },
	TypeLiveVoteUpdate:   func() Message { return &LiveVoteUpdate{} },
	TypeVoteFinalized:    func() Message { return &VoteFinalized{} },
	TypeResultsRefresh:   func() Message { return &ResultsRefresh{} },
	TypeSlotUpdate:       func() Message { return &SlotUpdate{} },
	TypePong:             func() Message { return &Pong{} },
	TypeCapacityExceeded: func() Message { return &CapacityExceeded{} },
	TypeError:            func() Message { return &Error{} },
}

// Encode marshals m as a JSON object with the "type" field first.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.MessageType(), err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("failed to encode %s: not a JSON object", m.MessageType())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	buf.WriteString(`{"type":`)
	typ, _ := json.Marshal(m.MessageType())
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// DecodeClient parses a frame sent by a session client. The returned value
// is a pointer to one of the client message structs.
func DecodeClient(data []byte) (Message, error) {
	return decode(data, clientTypes)
}

// DecodeServer parses a frame sent by the hub.
func DecodeServer(data []byte) (Message, error) {
	return decode(data, serverTypes)
}

func decode(data []byte, types map[MessageType]func() Message) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	newMsg, ok := types[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	msg := newMsg()
	if err := json.Unmarshal(data, msg); err != nil {
		if errors.Is(err, ErrMalformed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}
