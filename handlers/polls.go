// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/manfredsteger/polly/auth"
	"github.com/manfredsteger/polly/cliparse"
	"github.com/manfredsteger/polly/middleware"
	"github.com/manfredsteger/polly/models"
	"github.com/manfredsteger/polly/store"
)

type PollHandler struct {
	db    *sql.DB
	cfg   cliparse.Config
	keys  auth.Keys
	store *store.PollStore
	live  LiveNotifier
}

func NewPollHandler(db *sql.DB, cfg cliparse.Config, live LiveNotifier) *PollHandler {
	if live == nil {
		live = nopNotifier{}
	}
	return &PollHandler{
		db:    db,
		cfg:   cfg,
		keys:  auth.Keys{AdminSalt: cfg.AdminKeySalt, SlugSalt: cfg.PollSlugSalt},
		store: store.NewPollStore(db, cfg.DatabaseType),
		live:  live,
	}
}

// CreatePoll handles POST /polls
func (h *PollHandler) CreatePoll(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePollRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	req.CreatorName = strings.TrimSpace(req.CreatorName)
	if req.Title == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.CreatorName == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "creator_name is required")
		return
	}

	pollID := auth.NewID()
	adminKey := h.keys.AdminKey(pollID)

	_, err := h.db.ExecContext(r.Context(), `
		INSERT INTO poll (id, title, description, creator_name, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, pollID, req.Title, req.Description, req.CreatorName, models.StatusDraft, time.Now().UTC())
	if err != nil {
		slog.Error("failed to insert poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create poll")
		return
	}

	slog.Info("poll created", "poll_id", pollID, "creator", req.CreatorName)

	middleware.JSONResponse(w, http.StatusCreated, models.CreatePollResponse{
		PollID:   pollID,
		AdminKey: adminKey,
	})
}

// authorize checks the X-Admin-Key header against the {id} path value and
// returns the poll id. It writes the error response itself.
func (h *PollHandler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	pollID := r.PathValue("id")
	if pollID == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "poll_id is required")
		return "", false
	}
	if err := h.keys.CheckAdminKey(pollID, r.Header.Get("X-Admin-Key")); err != nil {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "Invalid admin key")
		return "", false
	}
	return pollID, true
}

// pollStatus returns the status and share slug of pollID.
func (h *PollHandler) pollStatus(r *http.Request, pollID string) (status string, slug *string, err error) {
	err = h.db.QueryRowContext(r.Context(),
		"SELECT status, share_slug FROM poll WHERE id = $1", pollID).Scan(&status, &slug)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, store.ErrNotFound
	}
	return status, slug, err
}

func writeStatusError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		middleware.ErrorResponse(w, http.StatusNotFound, "Poll not found")
		return
	}
	slog.Error("failed to query poll", "error", err)
	middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
}

// AddOption handles POST /polls/:id/options
func (h *PollHandler) AddOption(w http.ResponseWriter, r *http.Request) {
	pollID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req models.AddOptionRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "label is required")
		return
	}
	if req.MaxCapacity != nil && *req.MaxCapacity < 0 {
		middleware.ErrorResponse(w, http.StatusBadRequest, "max_capacity must not be negative")
		return
	}

	status, _, err := h.pollStatus(r, pollID)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if status != models.StatusDraft {
		middleware.ErrorResponse(w, http.StatusConflict, "Cannot add options to non-draft poll")
		return
	}

	optionID := auth.NewID()
	_, err = h.db.ExecContext(r.Context(), `
		INSERT INTO option (id, poll_id, label, position, max_capacity)
		VALUES ($1, $2, $3, (SELECT COUNT(*) FROM option WHERE poll_id = $2), $4)
	`, optionID, pollID, req.Label, req.MaxCapacity)
	if err != nil {
		slog.Error("failed to insert option", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create option")
		return
	}

	slog.Info("option added", "poll_id", pollID, "option_id", optionID, "max_capacity", req.MaxCapacity)

	middleware.JSONResponse(w, http.StatusCreated, models.AddOptionResponse{
		OptionID: optionID,
	})
}

// PublishPoll handles POST /polls/:id/publish
func (h *PollHandler) PublishPoll(w http.ResponseWriter, r *http.Request) {
	pollID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var status string
	var optionCount int
	err := h.db.QueryRowContext(r.Context(), `
		SELECT p.status, COUNT(o.id)
		FROM poll p
		LEFT JOIN option o ON p.id = o.poll_id
		WHERE p.id = $1
		GROUP BY p.status
	`, pollID).Scan(&status, &optionCount)
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrNotFound
	}
	if err != nil {
		writeStatusError(w, err)
		return
	}

	if status != models.StatusDraft {
		middleware.ErrorResponse(w, http.StatusConflict, "Poll is not in draft status")
		return
	}
	if optionCount < 1 {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Poll must have at least 1 option")
		return
	}

	shareSlug := h.keys.ShareSlug(pollID)
	_, err = h.db.ExecContext(r.Context(), `
		UPDATE poll
		SET status = $1, share_slug = $2
		WHERE id = $3
	`, models.StatusOpen, shareSlug, pollID)
	if err != nil {
		slog.Error("failed to publish poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to publish poll")
		return
	}

	slog.Info("poll published", "poll_id", pollID, "share_slug", shareSlug)

	scheme, host := requestOrigin(r)
	wsScheme := "ws"
	if scheme == "https" {
		wsScheme = "wss"
	}
	middleware.JSONResponse(w, http.StatusOK, models.PublishPollResponse{
		ShareSlug: shareSlug,
		ShareURL:  scheme + "://" + host + "/polls/" + shareSlug,
		LiveURL:   wsScheme + "://" + host + "/live",
	})
}

// requestOrigin returns the scheme and host the client used, honouring a
// reverse proxy's X-Forwarded-Proto.
func requestOrigin(r *http.Request) (scheme, host string) {
	scheme = "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" || proto == "http" {
		scheme = proto
	}
	return scheme, r.Host
}

// GetPollAdmin handles GET /polls/:id/admin
// Returns poll details for admin access using poll ID and admin key
func (h *PollHandler) GetPollAdmin(w http.ResponseWriter, r *http.Request) {
	pollID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var poll models.Poll
	err := h.db.QueryRowContext(r.Context(), `
		SELECT id, title, description, creator_name, status, share_slug, closed_at, created_at
		FROM poll
		WHERE id = $1
	`, pollID).Scan(
		&poll.ID, &poll.Title, &poll.Description, &poll.CreatorName,
		&poll.Status, &poll.ShareSlug, &poll.ClosedAt, &poll.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrNotFound
	}
	if err != nil {
		writeStatusError(w, err)
		return
	}

	options, err := h.store.Options(r.Context(), poll.ID)
	if err != nil {
		slog.Error("failed to query options", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	response := models.PollWithOptions{
		Poll:    poll,
		Options: options,
	}
	if poll.Status != models.StatusDraft {
		res, err := h.store.Results(r.Context(), poll.ID)
		if err != nil {
			slog.Error("failed to compute slots", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
		response.Slots = store.Slots(res)
	}

	middleware.JSONResponse(w, http.StatusOK, response)
}

// ClosePoll handles POST /polls/:id/close
func (h *PollHandler) ClosePoll(w http.ResponseWriter, r *http.Request) {
	pollID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	status, slug, err := h.pollStatus(r, pollID)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if status != models.StatusOpen {
		middleware.ErrorResponse(w, http.StatusConflict, "Poll is not open")
		return
	}

	closedAt := time.Now().UTC()
	res, err := h.db.ExecContext(r.Context(), `
		UPDATE poll
		SET status = $1, closed_at = $2
		WHERE id = $3 AND status = $4
	`, models.StatusClosed, closedAt, pollID, models.StatusOpen)
	if err != nil {
		slog.Error("failed to close poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to close poll")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		middleware.ErrorResponse(w, http.StatusConflict, "Poll is not open")
		return
	}

	results, err := h.store.Results(r.Context(), pollID)
	if err != nil {
		slog.Error("failed to compute results", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to compute results")
		return
	}

	if slug != nil {
		h.live.PollClosed(*slug)
	}
	slog.Info("poll closed", "poll_id", pollID, "voters", results.VoterCount)

	middleware.JSONResponse(w, http.StatusOK, models.ClosePollResponse{
		ClosedAt: closedAt,
		Results:  results,
	})
}
