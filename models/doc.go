// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package models defines request, response, and domain types for the API.

# Request Types

  - CreatePollRequest: title, description, creator_name
  - AddOptionRequest: label, max_capacity (omit for unlimited)
  - ClaimUsernameRequest: username, email
  - SubmitVotesRequest: responses (option id → yes/no/maybe, null removes)

# Response Types

  - CreatePollResponse, AddOptionResponse, PublishPollResponse
  - ClaimUsernameResponse: voter_token, voter_key
  - SubmitVotesResponse, MyVotesResponse
  - ClosePollResponse: closed_at and final tallies
  - CapacityExceededResponse: 409 body naming the full option
  - ErrorResponse: error, message

# Domain Types

  - Poll, Option, PollWithOptions
  - OptionTally, PollResults, PollPreviewResponse

Response values and slot projections come from package protocol so the
REST API and the live channel agree on the wire shape.
*/
package models
