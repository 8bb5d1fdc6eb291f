// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package testutil

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manfredsteger/polly/auth"
	"github.com/manfredsteger/polly/cliparse"
	"github.com/manfredsteger/polly/db"
	"github.com/manfredsteger/polly/hub"
	"github.com/manfredsteger/polly/protocol"
)

// SQLiteDSN returns a modernc sqlite DSN for path with foreign keys on.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// SetupTestDB creates a fresh SQLite database with the full schema in a
// temp dir. It is closed when the test ends.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite", SQLiteDSN(filepath.Join(t.TempDir(), "polly.db")))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	if err := db.CreateSchema(conn); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	return conn
}

// GetTestConfig returns a standard test configuration
func GetTestConfig() cliparse.Config {
	return cliparse.Config{
		Port:         3318,
		DatabaseURL:  "file::memory:",
		DatabaseType: cliparse.DatabaseSQLite,
		AdminKeySalt: "test-admin-salt",
		PollSlugSalt: "test-slug-salt",
	}
}

// Keys returns the auth keys for cfg.
func Keys(cfg cliparse.Config) auth.Keys {
	return auth.Keys{AdminSalt: cfg.AdminKeySalt, SlugSalt: cfg.PollSlugSalt}
}

// CreateTestPoll creates a poll in the database and returns its ID, admin key
// and share slug. status should be "draft", "open", or "closed"; drafts
// have no slug.
func CreateTestPoll(t *testing.T, conn *sql.DB, cfg cliparse.Config, status string) (pollID, adminKey, shareSlug string) {
	t.Helper()

	keys := Keys(cfg)
	pollID = auth.NewID()
	adminKey = keys.AdminKey(pollID)

	var slug *string
	if status == "open" || status == "closed" {
		s := keys.ShareSlug(pollID)
		slug = &s
		shareSlug = s
	}

	var closedAt *time.Time
	if status == "closed" {
		now := time.Now().UTC()
		closedAt = &now
	}

	_, err := conn.Exec(`
		INSERT INTO poll (id, title, description, creator_name, status, share_slug, closed_at, created_at)
		VALUES ($1, 'Test Poll', 'A test poll', 'TestUser', $2, $3, $4, $5)
	`, pollID, status, slug, closedAt, time.Now().UTC())
	if err != nil {
		t.Fatalf("Failed to create test poll: %v", err)
	}

	return pollID, adminKey, shareSlug
}

// AddTestOption adds an option to a poll and returns the option ID. A nil
// maxCapacity means unlimited.
func AddTestOption(t *testing.T, conn *sql.DB, pollID, label string, maxCapacity *int) string {
	t.Helper()

	optionID := auth.NewID()
	_, err := conn.Exec(`
		INSERT INTO option (id, poll_id, label, position, max_capacity)
		VALUES ($1, $2, $3, (SELECT COUNT(*) FROM option WHERE poll_id = $2), $4)
	`, optionID, pollID, label, maxCapacity)
	if err != nil {
		t.Fatalf("Failed to create test option: %v", err)
	}

	return optionID
}

// CreateTestVoter claims a username for a poll and returns the voter token
// and voter key.
func CreateTestVoter(t *testing.T, conn *sql.DB, pollID, username, email string) (voterToken, voterKey string) {
	t.Helper()

	voterToken, err := auth.NewVoterToken()
	if err != nil {
		t.Fatalf("Failed to generate voter token: %v", err)
	}
	voterKey = hub.VoterKey(username, email)

	var emailArg *string
	if email != "" {
		emailArg = &email
	}
	_, err = conn.Exec(`
		INSERT INTO username_claim (poll_id, username, email, voter_key, voter_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, pollID, username, emailArg, voterKey, voterToken, time.Now().UTC())
	if err != nil {
		t.Fatalf("Failed to create test voter: %v", err)
	}

	return voterToken, voterKey
}

// CastTestVote writes a committed vote directly, bypassing capacity checks.
func CastTestVote(t *testing.T, conn *sql.DB, pollID, optionID, voterKey string, resp protocol.Response) {
	t.Helper()

	_, err := conn.Exec(`
		INSERT INTO vote (poll_id, option_id, voter_key, response, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, pollID, optionID, voterKey, string(resp), time.Now().UTC())
	if err != nil {
		t.Fatalf("Failed to create test vote: %v", err)
	}
}

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }

// MakeRequest creates an HTTP test request
func MakeRequest(method, path string, body any, headers map[string]string) *http.Request {
	var req *http.Request
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(jsonBody))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req
}

// AssertStatus checks that the response has the expected status code
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if w.Code != expected {
		t.Errorf("Expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

// AssertJSON decodes the response body into the provided struct
func AssertJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode JSON response: %v", err)
	}
}

// CommittedVote is one successful CommitVote seen by a LiveRecorder.
type CommittedVote struct {
	Slug     string
	VoterKey string
	Ballot   protocol.Responses
}

// LiveRecorder stands in for the live hub in handler tests. CommitVote runs
// write unless Full names the option to reject.
type LiveRecorder struct {
	mu        sync.Mutex
	Full      string
	Committed []CommittedVote
	Refreshed []string
	Closed    []string
}

func (l *LiveRecorder) CommitVote(_ context.Context, slug, voterKey string, responses protocol.Responses, write func() (protocol.Responses, error)) (protocol.Responses, error) {
	l.mu.Lock()
	full := l.Full
	l.mu.Unlock()
	if full != "" && responses[full] == protocol.ResponseYes {
		return nil, &hub.CapacityError{OptionID: full}
	}
	ballot, err := write()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Committed = append(l.Committed, CommittedVote{Slug: slug, VoterKey: voterKey, Ballot: ballot})
	return ballot, nil
}

func (l *LiveRecorder) ResultsChanged(slug string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Refreshed = append(l.Refreshed, slug)
}

func (l *LiveRecorder) PollClosed(slug string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Closed = append(l.Closed, slug)
}
