// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/manfredsteger/polly/auth"
	"github.com/manfredsteger/polly/cliparse"
	"github.com/manfredsteger/polly/hub"
	"github.com/manfredsteger/polly/middleware"
	"github.com/manfredsteger/polly/models"
	"github.com/manfredsteger/polly/protocol"
	"github.com/manfredsteger/polly/store"
)

type VotingHandler struct {
	db    *sql.DB
	cfg   cliparse.Config
	store *store.PollStore
	live  LiveNotifier
}

func NewVotingHandler(db *sql.DB, cfg cliparse.Config, live LiveNotifier) *VotingHandler {
	if live == nil {
		live = nopNotifier{}
	}
	return &VotingHandler{
		db:    db,
		cfg:   cfg,
		store: store.NewPollStore(db, cfg.DatabaseType),
		live:  live,
	}
}

// openPoll resolves {slug} to a poll that accepts votes. It writes the error
// response itself.
func (h *VotingHandler) openPoll(w http.ResponseWriter, r *http.Request) (models.Poll, bool) {
	shareSlug := r.PathValue("slug")
	if shareSlug == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "slug is required")
		return models.Poll{}, false
	}

	poll, err := h.store.PollBySlug(r.Context(), shareSlug)
	if errors.Is(err, store.ErrNotFound) {
		middleware.ErrorResponse(w, http.StatusNotFound, "Poll not found")
		return models.Poll{}, false
	}
	if err != nil {
		slog.Error("failed to query poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return models.Poll{}, false
	}
	return poll, true
}

// voter resolves the X-Voter-Token header to a voter key for poll.
func (h *VotingHandler) voter(w http.ResponseWriter, r *http.Request, poll models.Poll) (string, bool) {
	voterToken := r.Header.Get("X-Voter-Token")
	if voterToken == "" {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "X-Voter-Token header required")
		return "", false
	}
	if err := auth.ValidVoterTokenFormat(voterToken); err != nil {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "Invalid voter token for this poll")
		return "", false
	}

	voterKey, err := h.store.VoterKey(r.Context(), poll.ID, voterToken)
	if errors.Is(err, store.ErrUnknownVoter) {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "Invalid voter token for this poll")
		return "", false
	}
	if err != nil {
		slog.Error("failed to verify voter token", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return "", false
	}
	return voterKey, true
}

// ClaimUsername handles POST /polls/:slug/claim-username
func (h *VotingHandler) ClaimUsername(w http.ResponseWriter, r *http.Request) {
	var req models.ClaimUsernameRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "username is required")
		return
	}
	if n := utf8.RuneCountInString(req.Username); n < 2 || n > 50 {
		middleware.ErrorResponse(w, http.StatusBadRequest, "username must be 2-50 characters")
		return
	}
	var email *string
	if req.Email != "" {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			middleware.ErrorResponse(w, http.StatusBadRequest, "email is invalid")
			return
		}
		email = &req.Email
	}

	poll, ok := h.openPoll(w, r)
	if !ok {
		return
	}
	if poll.Status != models.StatusOpen {
		middleware.ErrorResponse(w, http.StatusConflict, "Poll is not open for voting")
		return
	}

	voterToken, err := auth.NewVoterToken()
	if err != nil {
		slog.Error("failed to generate voter token", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to claim username")
		return
	}
	voterKey := hub.VoterKey(req.Username, req.Email)

	// UNIQUE constraints cover both the username and the voter key.
	_, err = h.db.ExecContext(r.Context(), `
		INSERT INTO username_claim (poll_id, username, email, voter_key, voter_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, poll.ID, req.Username, email, voterKey, voterToken, time.Now().UTC())
	if err != nil {
		if store.IsUniqueViolation(err) {
			middleware.ErrorResponse(w, http.StatusConflict, "Username already taken")
			return
		}
		slog.Error("failed to insert username claim", "error", err, "poll_id", poll.ID)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to claim username")
		return
	}

	slog.Info("username claimed", "poll_id", poll.ID, "username", req.Username)

	middleware.JSONResponse(w, http.StatusCreated, models.ClaimUsernameResponse{
		VoterToken: voterToken,
		VoterKey:   voterKey,
	})
}

// SubmitVotes handles POST /polls/:slug/votes
func (h *VotingHandler) SubmitVotes(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitVotesRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if len(req.Responses) == 0 {
		middleware.ErrorResponse(w, http.StatusBadRequest, "responses cannot be empty")
		return
	}

	poll, ok := h.openPoll(w, r)
	if !ok {
		return
	}
	if poll.Status != models.StatusOpen {
		middleware.ErrorResponse(w, http.StatusConflict, "Poll is not open for voting")
		return
	}
	voterKey, ok := h.voter(w, r, poll)
	if !ok {
		return
	}

	slug := *poll.ShareSlug
	ballot, err := h.live.CommitVote(r.Context(), slug, voterKey, req.Responses, func() (protocol.Responses, error) {
		return h.store.SubmitVotes(r.Context(), poll.ID, voterKey, req.Responses)
	})
	var capErr *hub.CapacityError
	switch {
	case err == nil:
	case errors.As(err, &capErr):
		slog.Info("vote rejected", "poll_id", poll.ID, "option_id", capErr.OptionID, "reason", "capacity")
		middleware.JSONResponse(w, http.StatusConflict, models.CapacityExceededResponse{
			Error:    http.StatusText(http.StatusConflict),
			Message:  "Option is full",
			OptionID: capErr.OptionID,
		})
		return
	case errors.Is(err, store.ErrUnknownOption):
		middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrPollNotOpen):
		middleware.ErrorResponse(w, http.StatusConflict, "Poll is not open for voting")
		return
	case errors.Is(err, store.ErrNotFound), errors.Is(err, hub.ErrPollNotFound):
		middleware.ErrorResponse(w, http.StatusNotFound, "Poll not found")
		return
	default:
		slog.Error("failed to submit votes", "error", err, "poll_id", poll.ID)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to submit votes")
		return
	}

	h.live.ResultsChanged(slug)
	slog.Info("votes submitted", "poll_id", poll.ID, "options", len(req.Responses))

	middleware.JSONResponse(w, http.StatusOK, models.SubmitVotesResponse{
		Responses: ballot,
		Message:   "Votes saved",
	})
}

// GetMyVotes handles GET /polls/:slug/my-votes
func (h *VotingHandler) GetMyVotes(w http.ResponseWriter, r *http.Request) {
	poll, ok := h.openPoll(w, r)
	if !ok {
		return
	}
	voterKey, ok := h.voter(w, r, poll)
	if !ok {
		return
	}

	ballot, err := h.store.Votes(r.Context(), poll.ID, voterKey)
	if err != nil {
		slog.Error("failed to query votes", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, models.MyVotesResponse{
		VoterKey:  voterKey,
		Responses: ballot,
	})
}
