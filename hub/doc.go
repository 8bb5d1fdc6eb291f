// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package hub runs live voting sessions over websocket connections.

# Components

  - Registry: owns connections, their read and write loops, liveness and
    flood control
  - Directory: maps poll tokens to rooms, one room per token
  - Room: one goroutine per poll holding presence, live drafts and the
    capacity ledger
  - Hub: dispatches client frames to rooms

	h, err := hub.New(hub.Config{Source: store.NewPollStore(db, cfg.DatabaseType)})
	go h.ServeConn(ctx, wsConn)

# Rooms

Every room mutation runs on the room's goroutine, so capacity checks and
commits for the same poll never interleave:

	draft      (vote_in_progress)   -> live_vote_update to all
	finalize   (vote_submitted)     -> vote_finalized, slot_update, results_refresh
	                                   or capacity_exceeded to the requester
	REST vote  (Hub.CommitVote)     -> same check, store write on the loop, slot_update

A room that has had no participants for the eviction grace period removes
itself from the directory. A join that races the eviction is retried
against a fresh room.

A panic inside a room closes that room and its connections; other rooms
keep running.

# Back-pressure

Sends never block a room. A connection whose buffer is full is closed and
the client reconnects to receive a fresh snapshot.
*/
package hub
