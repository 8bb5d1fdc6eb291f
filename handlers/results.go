// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/manfredsteger/polly/cliparse"
	"github.com/manfredsteger/polly/middleware"
	"github.com/manfredsteger/polly/models"
	"github.com/manfredsteger/polly/store"
)

type ResultsHandler struct {
	db    *sql.DB
	cfg   cliparse.Config
	store *store.PollStore
}

func NewResultsHandler(db *sql.DB, cfg cliparse.Config) *ResultsHandler {
	return &ResultsHandler{db: db, cfg: cfg, store: store.NewPollStore(db, cfg.DatabaseType)}
}

// published loads the poll behind {slug} with its current tallies.
func (h *ResultsHandler) published(w http.ResponseWriter, r *http.Request) (models.Poll, models.PollResults, bool) {
	shareSlug := r.PathValue("slug")
	if shareSlug == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "slug is required")
		return models.Poll{}, models.PollResults{}, false
	}

	poll, err := h.store.PollBySlug(r.Context(), shareSlug)
	if errors.Is(err, store.ErrNotFound) {
		middleware.ErrorResponse(w, http.StatusNotFound, "Poll not found")
		return models.Poll{}, models.PollResults{}, false
	}
	if err != nil {
		slog.Error("failed to query poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return models.Poll{}, models.PollResults{}, false
	}

	res, err := h.store.Results(r.Context(), poll.ID)
	if err != nil {
		slog.Error("failed to query results", "error", err, "poll_id", poll.ID)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return models.Poll{}, models.PollResults{}, false
	}
	return poll, res, true
}

// GetPoll handles GET /polls/:slug
// Returns poll details, options and the committed slot counts
func (h *ResultsHandler) GetPoll(w http.ResponseWriter, r *http.Request) {
	poll, res, ok := h.published(w, r)
	if !ok {
		return
	}

	options, err := h.store.Options(r.Context(), poll.ID)
	if err != nil {
		slog.Error("failed to query options", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, models.PollWithOptions{
		Poll:    poll,
		Options: options,
		Slots:   store.Slots(res),
	})
}

// GetResults handles GET /polls/:slug/results
// Tallies are visible while the poll is open; live clients refetch on
// results_refresh.
func (h *ResultsHandler) GetResults(w http.ResponseWriter, r *http.Request) {
	_, res, ok := h.published(w, r)
	if !ok {
		return
	}
	middleware.JSONResponse(w, http.StatusOK, res)
}

// GetPreview handles GET /polls/:slug/preview
// Returns compact poll data for link previews
func (h *ResultsHandler) GetPreview(w http.ResponseWriter, r *http.Request) {
	poll, res, ok := h.published(w, r)
	if !ok {
		return
	}

	full := 0
	for _, t := range res.Options {
		if t.MaxCapacity != nil && t.Yes >= *t.MaxCapacity {
			full++
		}
	}

	middleware.JSONResponse(w, http.StatusOK, models.PollPreviewResponse{
		Title:       poll.Title,
		Status:      poll.Status,
		OptionCount: len(res.Options),
		FullOptions: full,
		VoterCount:  res.VoterCount,
	})
}
