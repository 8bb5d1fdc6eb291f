// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package protocol defines the JSON frames exchanged over the live voting channel.

Every frame is a JSON object whose "type" field selects the payload:

	{"type":"vote_in_progress","optionId":"o1","response":"yes"}

# Client Frames

  - join_poll: pollToken, voterName, voterEmail (optional), sessionId, isPresenter
  - vote_in_progress: optionId, response (yes | no | maybe | null)
  - vote_submitted: voterName (finalize)
  - vote_withdrawn: discard the caller's draft
  - update_name: voterName
  - ping
  - leave_poll

# Server Frames

  - joined: full snapshot for the joining session
  - presence_update: participants and live drafts
  - live_vote_update: live drafts
  - vote_finalized: voterName, participants, live drafts
  - results_refresh: re-read durable results
  - slot_update: optionId → {currentCount, maxCapacity}
  - pong
  - capacity_exceeded: optionId
  - error: message

# Encoding

	data, err := protocol.Encode(protocol.Pong{})
	msg, err := protocol.DecodeClient(data)

Decode errors wrap ErrMalformed or ErrUnknownType.
*/
package protocol
