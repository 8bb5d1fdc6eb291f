// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package client is a Go session client for the live voting channel.

	s, err := client.Connect(ctx, client.Options{
		URL:       "ws://localhost:3318/live",
		PollToken: shareSlug,
		VoterName: "alice",
		Callbacks: client.Callbacks{
			OnVoteFinalized: func(name string) { fmt.Println(name, "voted") },
		},
	})
	defer s.Close()

	s.UpdateDraft(optionID, protocol.ResponseYes)
	s.Submit()

A Session keeps one session id for its lifetime, sends join_poll on every
connect and pings every 30 seconds. If nothing arrives within the silence
timeout, or the connection drops, it reconnects after 3 seconds and keeps
trying until Close. Pass ExponentialReconnect as Options.Backoff for
jittered exponential delays instead.

Close sends leave_poll before closing, so other participants see the
departure at once instead of after the server's liveness timeout.
*/
package client
