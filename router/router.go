// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package router

import (
	"database/sql"
	"net/http"

	"github.com/manfredsteger/polly/cliparse"
	"github.com/manfredsteger/polly/handlers"
	"github.com/manfredsteger/polly/hub"
	"github.com/manfredsteger/polly/middleware"
)

// NewRouter builds the API mux. liveHub may be nil, in which case durable
// changes are not pushed anywhere and GET /live is not served.
func NewRouter(db *sql.DB, cfg cliparse.Config, liveHub *hub.Hub) *http.ServeMux {
	mux := http.NewServeMux()

	var live handlers.LiveNotifier
	if liveHub != nil {
		live = liveHub
	}

	pollHandler := handlers.NewPollHandler(db, cfg, live)
	votingHandler := handlers.NewVotingHandler(db, cfg, live)
	resultsHandler := handlers.NewResultsHandler(db, cfg)

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Poll management (admin operations)
	mux.HandleFunc("POST /polls", middleware.WithLogging(pollHandler.CreatePoll))
	mux.HandleFunc("GET /polls/{id}/admin", middleware.WithLogging(pollHandler.GetPollAdmin))
	mux.HandleFunc("POST /polls/{id}/options", middleware.WithLogging(pollHandler.AddOption))
	mux.HandleFunc("POST /polls/{id}/publish", middleware.WithLogging(pollHandler.PublishPoll))
	mux.HandleFunc("POST /polls/{id}/close", middleware.WithLogging(pollHandler.ClosePoll))

	// Voting operations (public)
	mux.HandleFunc("POST /polls/{slug}/claim-username", middleware.WithLogging(votingHandler.ClaimUsername))
	mux.HandleFunc("POST /polls/{slug}/votes", middleware.WithLogging(votingHandler.SubmitVotes))
	mux.HandleFunc("GET /polls/{slug}/my-votes", middleware.WithLogging(votingHandler.GetMyVotes))

	// Poll info and tallies (public)
	mux.HandleFunc("GET /polls/{slug}", middleware.WithLogging(resultsHandler.GetPoll))
	mux.HandleFunc("GET /polls/{slug}/results", middleware.WithLogging(resultsHandler.GetResults))
	mux.HandleFunc("GET /polls/{slug}/preview", middleware.WithLogging(resultsHandler.GetPreview))

	// Live voting channel
	if liveHub != nil {
		liveHandler := handlers.NewLiveHandler(liveHub)
		mux.HandleFunc("GET /live", middleware.WithLogging(liveHandler.ServeLive))
	}

	// Root endpoint
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("polly API v1"))
	})

	return mux
}
