// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package models

import (
	"time"

	"github.com/manfredsteger/polly/protocol"
)

// Poll status constants
const (
	StatusDraft  = "draft"
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Request types

type CreatePollRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	CreatorName string `json:"creator_name"`
}

type AddOptionRequest struct {
	Label string `json:"label"`
	// nil means unlimited
	MaxCapacity *int `json:"max_capacity"`
}

type ClaimUsernameRequest struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// option_id -> yes | no | maybe | null (null removes the vote)
type SubmitVotesRequest struct {
	Responses protocol.Responses `json:"responses"`
}

// Response types

type CreatePollResponse struct {
	PollID   string `json:"poll_id"`
	AdminKey string `json:"admin_key"`
}

type AddOptionResponse struct {
	OptionID string `json:"option_id"`
}

type PublishPollResponse struct {
	ShareSlug string `json:"share_slug"`
	ShareURL  string `json:"share_url"`
	LiveURL   string `json:"live_url"`
}

type ClaimUsernameResponse struct {
	VoterToken string `json:"voter_token"`
	VoterKey   string `json:"voter_key"`
}

type SubmitVotesResponse struct {
	Responses protocol.Responses `json:"responses"`
	Message   string             `json:"message"`
}

type ClosePollResponse struct {
	ClosedAt time.Time   `json:"closed_at"`
	Results  PollResults `json:"results"`
}

type MyVotesResponse struct {
	VoterKey  string             `json:"voter_key"`
	Responses protocol.Responses `json:"responses"`
}

// CapacityExceededResponse is the 409 body when a vote would overfill an
// option.
type CapacityExceededResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	OptionID string `json:"option_id"`
}

// Domain types

type Poll struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	CreatorName string     `json:"creator_name"`
	Status      string     `json:"status"`
	ShareSlug   *string    `json:"share_slug,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Option struct {
	ID          string `json:"id"`
	PollID      string `json:"poll_id"`
	Label       string `json:"label"`
	Position    int    `json:"position"`
	MaxCapacity *int   `json:"max_capacity"`
}

type PollWithOptions struct {
	Poll    Poll           `json:"poll"`
	Options []Option       `json:"options"`
	Slots   protocol.Slots `json:"slots,omitempty"`
}

// Result types

type OptionTally struct {
	OptionID    string `json:"option_id"`
	Label       string `json:"label"`
	Yes         int    `json:"yes"`
	No          int    `json:"no"`
	Maybe       int    `json:"maybe"`
	MaxCapacity *int   `json:"max_capacity"`
}

type PollResults struct {
	PollID     string        `json:"poll_id"`
	Status     string        `json:"status"`
	VoterCount int           `json:"voter_count"`
	Options    []OptionTally `json:"options"`
}

// PollPreviewResponse is the compact summary used for link previews.
type PollPreviewResponse struct {
	Title       string `json:"title"`
	Status      string `json:"status"`
	OptionCount int    `json:"option_count"`
	FullOptions int    `json:"full_options"`
	VoterCount  int    `json:"voter_count"`
}

// Error response

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
