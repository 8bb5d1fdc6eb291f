// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manfredsteger/polly/hub"
	"github.com/manfredsteger/polly/models"
	"github.com/manfredsteger/polly/protocol"
	"github.com/manfredsteger/polly/store"
	"github.com/manfredsteger/polly/testutil"
)

// liveClient is a raw websocket participant used to observe hub traffic.
type liveClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialLive(t *testing.T, server *httptest.Server) *liveClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Failed to dial live endpoint: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &liveClient{t: t, conn: conn}
}

func (c *liveClient) send(m protocol.Message) {
	c.t.Helper()
	data, err := protocol.Encode(m)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("Failed to send frame: %v", err)
	}
}

// next returns the next server message.
func (c *liveClient) next() protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("Failed to read frame: %v", err)
	}
	m, err := protocol.DecodeServer(data)
	if err != nil {
		c.t.Fatalf("Failed to decode frame %s: %v", data, err)
	}
	return m
}

// expect skips frames until one of type typ arrives.
func (c *liveClient) expect(typ protocol.MessageType) protocol.Message {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		if m := c.next(); m.MessageType() == typ {
			return m
		}
	}
	c.t.Fatalf("Expected %s frame", typ)
	return nil
}

// TestFullVotingWorkflow walks a poll from creation to close while a live
// participant watches:
// 1. Create poll, add a limited and an unlimited option, publish
// 2. A presenter joins the live room
// 3. Voters claim usernames and vote over REST
// 4. The live room reflects committed slots and refreshes
// 5. Close poll; the live room rejects further drafts
func TestFullVotingWorkflow(t *testing.T) {
	db := testutil.SetupTestDB(t)
	cfg := testutil.GetTestConfig()

	liveHub, err := hub.New(hub.Config{Source: store.NewPollStore(db, cfg.DatabaseType)})
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(http.HandlerFunc(NewLiveHandler(liveHub).ServeLive))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		liveHub.Shutdown(ctx)
		server.Close()
	})

	pollHandler := NewPollHandler(db, cfg, liveHub)
	votingHandler := NewVotingHandler(db, cfg, liveHub)
	resultsHandler := NewResultsHandler(db, cfg)

	// Step 1
	w := httptest.NewRecorder()
	pollHandler.CreatePoll(w, testutil.MakeRequest("POST", "/polls", models.CreatePollRequest{
		Title:       "Workshop signup",
		CreatorName: "Organiser",
	}, nil))
	testutil.AssertStatus(t, w, http.StatusCreated)
	var created models.CreatePollResponse
	testutil.AssertJSON(t, w, &created)

	addOption := func(label string, max *int) string {
		w := httptest.NewRecorder()
		pollHandler.AddOption(w, adminRequest("POST", created.PollID, "/options", created.AdminKey,
			models.AddOptionRequest{Label: label, MaxCapacity: max}))
		testutil.AssertStatus(t, w, http.StatusCreated)
		var resp models.AddOptionResponse
		testutil.AssertJSON(t, w, &resp)
		return resp.OptionID
	}
	morning := addOption("Morning session", testutil.IntPtr(1))
	afternoon := addOption("Afternoon session", nil)

	w = httptest.NewRecorder()
	pollHandler.PublishPoll(w, adminRequest("POST", created.PollID, "/publish", created.AdminKey, nil))
	testutil.AssertStatus(t, w, http.StatusOK)
	var published models.PublishPollResponse
	testutil.AssertJSON(t, w, &published)
	slug := published.ShareSlug

	// Step 2
	presenter := dialLive(t, server)
	presenter.send(&protocol.JoinPoll{PollToken: slug, SessionID: "screen", IsPresenter: true})
	joined := presenter.expect(protocol.TypeJoined).(*protocol.Joined)
	if joined.Slots[morning].CurrentCount != 0 {
		t.Errorf("Expected empty morning slot, got %d", joined.Slots[morning].CurrentCount)
	}

	// Step 3
	claim := func(username string) string {
		w := httptest.NewRecorder()
		votingHandler.ClaimUsername(w, voterRequest("POST", slug, "/claim-username", "",
			models.ClaimUsernameRequest{Username: username}))
		testutil.AssertStatus(t, w, http.StatusCreated)
		var resp models.ClaimUsernameResponse
		testutil.AssertJSON(t, w, &resp)
		return resp.VoterToken
	}
	vote := func(token string, responses protocol.Responses) int {
		w := httptest.NewRecorder()
		votingHandler.SubmitVotes(w, voterRequest("POST", slug, "/votes", token,
			models.SubmitVotesRequest{Responses: responses}))
		return w.Code
	}

	alice, bob := claim("Alice"), claim("Bob")
	if code := vote(alice, protocol.Responses{morning: protocol.ResponseYes, afternoon: protocol.ResponseMaybe}); code != http.StatusOK {
		t.Fatalf("Expected alice's vote to pass, got %d", code)
	}

	// Step 4
	slots := presenter.expect(protocol.TypeSlotUpdate).(*protocol.SlotUpdate)
	if slots.Slots[morning].CurrentCount != 1 {
		t.Errorf("Expected morning slot taken, got %d", slots.Slots[morning].CurrentCount)
	}
	presenter.expect(protocol.TypeResultsRefresh)

	if code := vote(bob, protocol.Responses{morning: protocol.ResponseYes}); code != http.StatusConflict {
		t.Errorf("Expected bob to hit capacity, got %d", code)
	}
	if code := vote(bob, protocol.Responses{afternoon: protocol.ResponseYes}); code != http.StatusOK {
		t.Errorf("Expected bob's afternoon vote to pass, got %d", code)
	}
	presenter.expect(protocol.TypeResultsRefresh)

	w = httptest.NewRecorder()
	resultsHandler.GetResults(w, slugRequest(slug, "/results"))
	testutil.AssertStatus(t, w, http.StatusOK)
	var results models.PollResults
	testutil.AssertJSON(t, w, &results)
	if results.VoterCount != 2 {
		t.Errorf("Expected 2 voters, got %d", results.VoterCount)
	}

	// Step 5
	w = httptest.NewRecorder()
	pollHandler.ClosePoll(w, adminRequest("POST", created.PollID, "/close", created.AdminKey, nil))
	testutil.AssertStatus(t, w, http.StatusOK)
	presenter.expect(protocol.TypeResultsRefresh)

	snap, ok := liveHub.Snapshot(slug)
	if !ok {
		t.Fatal("Expected live room to still exist")
	}
	if !snap.Closed {
		t.Error("Expected live room to be marked closed")
	}

	if code := vote(alice, protocol.Responses{afternoon: protocol.ResponseYes}); code != http.StatusConflict {
		t.Errorf("Expected vote on closed poll to be rejected, got %d", code)
	}
}

// TestLiveFinalizeHoldsSlotAgainstREST checks that a slot taken over the
// live channel is not handed out again to a REST voter.
func TestLiveFinalizeHoldsSlotAgainstREST(t *testing.T) {
	db := testutil.SetupTestDB(t)
	cfg := testutil.GetTestConfig()

	liveHub, err := hub.New(hub.Config{Source: store.NewPollStore(db, cfg.DatabaseType)})
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(http.HandlerFunc(NewLiveHandler(liveHub).ServeLive))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		liveHub.Shutdown(ctx)
		server.Close()
	})
	votingHandler := NewVotingHandler(db, cfg, liveHub)

	pollID, _, slug := testutil.CreateTestPoll(t, db, cfg, "open")
	seat := testutil.AddTestOption(t, db, pollID, "Last seat", testutil.IntPtr(1))
	bobToken, _ := testutil.CreateTestVoter(t, db, pollID, "Bob", "")

	alice := dialLive(t, server)
	alice.send(&protocol.JoinPoll{PollToken: slug, SessionID: "alice-1", VoterName: "Alice"})
	alice.expect(protocol.TypeJoined)
	alice.send(&protocol.VoteInProgress{OptionID: seat, Response: protocol.ResponseYes})
	alice.send(&protocol.VoteSubmitted{VoterName: "Alice"})
	alice.expect(protocol.TypeVoteFinalized)
	slots := alice.expect(protocol.TypeSlotUpdate).(*protocol.SlotUpdate)
	if slots.Slots[seat].CurrentCount != 1 {
		t.Fatalf("Expected seat taken live, got %d", slots.Slots[seat].CurrentCount)
	}

	w := httptest.NewRecorder()
	votingHandler.SubmitVotes(w, voterRequest("POST", slug, "/votes", bobToken, models.SubmitVotesRequest{
		Responses: protocol.Responses{seat: protocol.ResponseYes},
	}))
	testutil.AssertStatus(t, w, http.StatusConflict)
	var resp models.CapacityExceededResponse
	testutil.AssertJSON(t, w, &resp)
	if resp.OptionID != seat {
		t.Errorf("Expected option_id '%s', got '%s'", seat, resp.OptionID)
	}

	var yes int
	if err := db.QueryRow("SELECT COUNT(*) FROM vote WHERE option_id = $1 AND response = 'yes'", seat).Scan(&yes); err != nil {
		t.Fatalf("Failed to count votes: %v", err)
	}
	if yes != 0 {
		t.Errorf("Expected rejected vote not to be stored, got %d yes votes", yes)
	}

	snap, ok := liveHub.Snapshot(slug)
	if !ok {
		t.Fatal("Expected live room to exist")
	}
	if got := snap.Slots[seat]; got.CurrentCount != 1 || got.MaxCapacity == nil || *got.MaxCapacity != 1 {
		t.Errorf("Expected seat at 1/1, got %+v", got)
	}
}
