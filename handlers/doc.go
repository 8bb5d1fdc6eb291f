// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package handlers contains HTTP request handlers for the Polly API.

# Handler Types

Each handler is a struct with database and config dependencies:

  - PollHandler: Poll lifecycle (create, options, publish, close)
  - VotingHandler: Username claims and durable vote submission
  - ResultsHandler: Poll info, slots and tallies
  - LiveHandler: Websocket upgrade into the live voting hub

Handlers that change durable state take a LiveNotifier. Votes are written
through it so the live room's capacity check runs first, and closes and new
results are pushed to connected clients. *hub.Hub implements it; nil writes
straight to the store.

	pollHandler := handlers.NewPollHandler(db, cfg, liveHub)

# Poll Lifecycle

Polls progress through three states: draft → open → closed

	POST /polls              → CreatePoll (returns admin_key)
	POST /polls/{id}/options → AddOption (draft only, optional max_capacity)
	POST /polls/{id}/publish → PublishPoll (share_slug, share_url, live_url)
	POST /polls/{id}/close   → ClosePoll (final tallies, closes the live room)

Admin operations require the X-Admin-Key header.

# Voting Flow

Voters interact via the share slug, which is also the live room token:

	POST /polls/{slug}/claim-username → ClaimUsername (returns voter_token)
	POST /polls/{slug}/votes          → SubmitVotes (409 + option_id when full)
	GET  /polls/{slug}/my-votes       → GetMyVotes

Voter operations require the X-Voter-Token header.

# Live Channel

	GET /live → ServeLive

The first frame on the websocket must be join_poll with the share slug as
pollToken.
*/
package handlers
