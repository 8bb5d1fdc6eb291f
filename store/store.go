// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/manfredsteger/polly/cliparse"
	"github.com/manfredsteger/polly/hub"
	"github.com/manfredsteger/polly/models"
	"github.com/manfredsteger/polly/protocol"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrPollNotOpen   = errors.New("poll is not open")
	ErrUnknownOption = errors.New("unknown option")
	ErrUnknownVoter  = errors.New("unknown voter token")
)

// PollStore reads and writes durable poll state. It is safe for concurrent
// use.
type PollStore struct {
	db      *sql.DB
	dialect string
}

// NewPollStore wraps db. dialect is cliparse.DatabaseSQLite or
// cliparse.DatabasePostgres.
func NewPollStore(db *sql.DB, dialect string) *PollStore {
	return &PollStore{db: db, dialect: dialect}
}

// forUpdate returns the row lock suffix for the dialect. SQLite serializes
// writers on its own.
func (s *PollStore) forUpdate() string {
	if s.dialect == cliparse.DatabasePostgres {
		return " FOR UPDATE"
	}
	return ""
}

// PollBySlug returns a published poll.
func (s *PollStore) PollBySlug(ctx context.Context, slug string) (models.Poll, error) {
	var p models.Poll
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, creator_name, status, share_slug, closed_at, created_at
		FROM poll
		WHERE share_slug = $1 AND status IN ('open', 'closed')
	`, slug).Scan(&p.ID, &p.Title, &p.Description, &p.CreatorName, &p.Status, &p.ShareSlug, &p.ClosedAt, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Poll{}, ErrNotFound
	}
	if err != nil {
		return models.Poll{}, fmt.Errorf("failed to query poll: %w", err)
	}
	return p, nil
}

// Options returns the options of pollID in display order.
func (s *PollStore) Options(ctx context.Context, pollID string) ([]models.Option, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, poll_id, label, position, max_capacity
		FROM option
		WHERE poll_id = $1
		ORDER BY position, id
	`, pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to query options: %w", err)
	}
	defer rows.Close()

	options := []models.Option{}
	for rows.Next() {
		var (
			opt models.Option
			max sql.NullInt64
		)
		if err := rows.Scan(&opt.ID, &opt.PollID, &opt.Label, &opt.Position, &max); err != nil {
			return nil, fmt.Errorf("failed to scan option: %w", err)
		}
		opt.MaxCapacity = intPtr(max)
		options = append(options, opt)
	}
	return options, rows.Err()
}

// LoadRoomSeed builds the starting state of a live room from the poll
// published under slug.
func (s *PollStore) LoadRoomSeed(ctx context.Context, slug string) (hub.RoomSeed, error) {
	poll, err := s.PollBySlug(ctx, slug)
	if errors.Is(err, ErrNotFound) {
		return hub.RoomSeed{}, hub.ErrPollNotFound
	}
	if err != nil {
		return hub.RoomSeed{}, err
	}

	options, err := s.Options(ctx, poll.ID)
	if err != nil {
		return hub.RoomSeed{}, err
	}
	seed := hub.RoomSeed{
		Options: make([]hub.OptionCapacity, 0, len(options)),
		Closed:  poll.Status == models.StatusClosed,
		Ballots: make(map[string]protocol.Responses),
	}
	for _, opt := range options {
		seed.Options = append(seed.Options, hub.OptionCapacity{ID: opt.ID, MaxCapacity: opt.MaxCapacity})
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT voter_key, option_id, response
		FROM vote
		WHERE poll_id = $1
	`, poll.ID)
	if err != nil {
		return hub.RoomSeed{}, fmt.Errorf("failed to query votes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var voterKey, optionID, resp string
		if err := rows.Scan(&voterKey, &optionID, &resp); err != nil {
			return hub.RoomSeed{}, fmt.Errorf("failed to scan vote: %w", err)
		}
		ballot, ok := seed.Ballots[voterKey]
		if !ok {
			ballot = make(protocol.Responses)
			seed.Ballots[voterKey] = ballot
		}
		ballot[optionID] = protocol.Response(resp)
	}
	if err := rows.Err(); err != nil {
		return hub.RoomSeed{}, fmt.Errorf("failed to read votes: %w", err)
	}
	return seed, nil
}

// VoterKey resolves a voter token issued for pollID.
func (s *PollStore) VoterKey(ctx context.Context, pollID, voterToken string) (string, error) {
	var voterKey string
	err := s.db.QueryRowContext(ctx, `
		SELECT voter_key FROM username_claim
		WHERE poll_id = $1 AND voter_token = $2
	`, pollID, voterToken).Scan(&voterKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownVoter
	}
	if err != nil {
		return "", fmt.Errorf("failed to query voter: %w", err)
	}
	return voterKey, nil
}

// Votes returns the committed ballot of voterKey.
func (s *PollStore) Votes(ctx context.Context, pollID, voterKey string) (protocol.Responses, error) {
	return queryBallot(ctx, s.db, pollID, voterKey)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryBallot(ctx context.Context, q querier, pollID, voterKey string) (protocol.Responses, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT option_id, response FROM vote
		WHERE poll_id = $1 AND voter_key = $2
	`, pollID, voterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query ballot: %w", err)
	}
	defer rows.Close()

	ballot := make(protocol.Responses)
	for rows.Next() {
		var optionID, resp string
		if err := rows.Scan(&optionID, &resp); err != nil {
			return nil, fmt.Errorf("failed to scan ballot: %w", err)
		}
		ballot[optionID] = protocol.Response(resp)
	}
	return ballot, rows.Err()
}

// SubmitVotes overlays responses on the voter's committed ballot in one
// transaction. Every option that would gain a "yes" is checked against its
// capacity first; the first full one aborts the whole submission with a
// *hub.CapacityError. It returns the resulting ballot.
func (s *PollStore) SubmitVotes(ctx context.Context, pollID, voterKey string, responses protocol.Responses) (protocol.Responses, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Locking the poll row serializes submissions per poll.
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM poll WHERE id = $1`+s.forUpdate(), pollID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query poll: %w", err)
	}
	if status != models.StatusOpen {
		return nil, ErrPollNotOpen
	}

	capacity := make(map[string]sql.NullInt64)
	rows, err := tx.QueryContext(ctx, `SELECT id, max_capacity FROM option WHERE poll_id = $1`, pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to query options: %w", err)
	}
	for rows.Next() {
		var (
			id  string
			max sql.NullInt64
		)
		if err := rows.Scan(&id, &max); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan option: %w", err)
		}
		capacity[id] = max
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read options: %w", err)
	}

	optionIDs := make([]string, 0, len(responses))
	for optionID, resp := range responses {
		if _, ok := capacity[optionID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOption, optionID)
		}
		if !resp.Valid() {
			return nil, fmt.Errorf("invalid response %q", resp)
		}
		optionIDs = append(optionIDs, optionID)
	}
	sort.Strings(optionIDs)

	prev, err := queryBallot(ctx, tx, pollID, voterKey)
	if err != nil {
		return nil, err
	}
	next := prev.Overlay(responses)

	for _, optionID := range optionIDs {
		max := capacity[optionID]
		if !max.Valid || prev[optionID] == protocol.ResponseYes || next[optionID] != protocol.ResponseYes {
			continue
		}
		var taken int64
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM vote
			WHERE option_id = $1 AND response = 'yes'
		`, optionID).Scan(&taken)
		if err != nil {
			return nil, fmt.Errorf("failed to count votes: %w", err)
		}
		if taken >= max.Int64 {
			return nil, &hub.CapacityError{OptionID: optionID}
		}
	}

	now := time.Now().UTC()
	for _, optionID := range optionIDs {
		resp := responses[optionID]
		if resp == protocol.ResponseNone {
			_, err = tx.ExecContext(ctx, `
				DELETE FROM vote WHERE option_id = $1 AND voter_key = $2
			`, optionID, voterKey)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO vote (poll_id, option_id, voter_key, response, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (option_id, voter_key)
				DO UPDATE SET response = excluded.response, updated_at = excluded.updated_at
			`, pollID, optionID, voterKey, string(resp), now)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to write vote: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit votes: %w", err)
	}
	return next, nil
}

// Results tallies the committed votes of pollID.
func (s *PollStore) Results(ctx context.Context, pollID string) (models.PollResults, error) {
	res := models.PollResults{PollID: pollID, Options: []models.OptionTally{}}
	err := s.db.QueryRowContext(ctx, `SELECT status FROM poll WHERE id = $1`, pollID).Scan(&res.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PollResults{}, ErrNotFound
	}
	if err != nil {
		return models.PollResults{}, fmt.Errorf("failed to query poll: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.label, o.max_capacity,
		       SUM(CASE WHEN v.response = 'yes' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN v.response = 'no' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN v.response = 'maybe' THEN 1 ELSE 0 END)
		FROM option o
		LEFT JOIN vote v ON v.option_id = o.id
		WHERE o.poll_id = $1
		GROUP BY o.id, o.label, o.max_capacity, o.position
		ORDER BY o.position, o.id
	`, pollID)
	if err != nil {
		return models.PollResults{}, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t   models.OptionTally
			max sql.NullInt64
		)
		if err := rows.Scan(&t.OptionID, &t.Label, &max, &t.Yes, &t.No, &t.Maybe); err != nil {
			return models.PollResults{}, fmt.Errorf("failed to scan results: %w", err)
		}
		t.MaxCapacity = intPtr(max)
		res.Options = append(res.Options, t)
	}
	if err := rows.Err(); err != nil {
		return models.PollResults{}, fmt.Errorf("failed to read results: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT voter_key) FROM vote WHERE poll_id = $1
	`, pollID).Scan(&res.VoterCount)
	if err != nil {
		return models.PollResults{}, fmt.Errorf("failed to count voters: %w", err)
	}
	return res, nil
}

// Slots projects committed "yes" counts against capacity, in the shape the
// live channel uses.
func Slots(res models.PollResults) protocol.Slots {
	out := make(protocol.Slots, len(res.Options))
	for _, t := range res.Options {
		out[t.OptionID] = protocol.Slot{CurrentCount: t.Yes, MaxCapacity: t.MaxCapacity}
	}
	return out
}

// IsUniqueViolation reports whether err is a unique constraint violation
// from either supported driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return strings.Contains(liteErr.Error(), "UNIQUE constraint failed")
	}
	return false
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
