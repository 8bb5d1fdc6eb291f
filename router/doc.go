// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package router defines HTTP routes for the Polly API.

NewRouter creates a configured http.ServeMux with all endpoints:

	mux := router.NewRouter(db, cfg, liveHub)

Passing a nil hub serves the REST API alone.

# Endpoints

Health:

	GET /health

Poll management (admin, requires X-Admin-Key):

	POST /polls              - Create poll
	GET  /polls/{id}/admin   - Get poll details
	POST /polls/{id}/options - Add option
	POST /polls/{id}/publish - Open for voting
	POST /polls/{id}/close   - Close voting

Voting (uses share slug, requires X-Voter-Token after claiming):

	POST /polls/{slug}/claim-username - Claim voter identity
	POST /polls/{slug}/votes          - Submit or update responses
	GET  /polls/{slug}/my-votes       - Current committed responses

Results (public):

	GET /polls/{slug}         - Poll info, options and slots
	GET /polls/{slug}/results - Per-option tallies
	GET /polls/{slug}/preview - Compact preview data

Live voting:

	GET /live - Websocket endpoint for the live hub
*/
package router
