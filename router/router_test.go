// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manfredsteger/polly/cliparse"
	"github.com/manfredsteger/polly/hub"
	"github.com/manfredsteger/polly/protocol"
	"github.com/manfredsteger/polly/store"
	"github.com/manfredsteger/polly/testutil"
)

func newTestHub(t *testing.T, db *sql.DB, cfg cliparse.Config) *hub.Hub {
	t.Helper()
	h, err := hub.New(hub.Config{Source: store.NewPollStore(db, cfg.DatabaseType)})
	if err != nil {
		t.Fatalf("Failed to create hub: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})
	return h
}

func TestHealthEndpoint(t *testing.T) {
	db := testutil.SetupTestDB(t)
	mux := NewRouter(db, testutil.GetTestConfig(), nil)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", w.Body.String())
	}
}

func TestRootEndpoint(t *testing.T) {
	db := testutil.SetupTestDB(t)
	mux := NewRouter(db, testutil.GetTestConfig(), nil)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	expected := "polly API v1"
	if w.Body.String() != expected {
		t.Errorf("Expected body '%s', got '%s'", expected, w.Body.String())
	}
}

func TestRouteExistence(t *testing.T) {
	db := testutil.SetupTestDB(t)
	cfg := testutil.GetTestConfig()
	mux := NewRouter(db, cfg, newTestHub(t, db, cfg))

	// 400, 401 and 404 are all valid here; 405 means the route is missing.
	testCases := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/"},

		{"POST", "/polls"},
		{"GET", "/polls/test-id/admin"},
		{"POST", "/polls/test-id/options"},
		{"POST", "/polls/test-id/publish"},
		{"POST", "/polls/test-id/close"},

		{"POST", "/polls/test-slug/claim-username"},
		{"POST", "/polls/test-slug/votes"},
		{"GET", "/polls/test-slug/my-votes"},

		{"GET", "/polls/test-slug"},
		{"GET", "/polls/test-slug/results"},
		{"GET", "/polls/test-slug/preview"},

		{"GET", "/live"},
	}

	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			w := httptest.NewRecorder()

			mux.ServeHTTP(w, req)

			if w.Code == http.StatusMethodNotAllowed {
				t.Errorf("Route %s %s returned 405, expected route handler to exist", tc.method, tc.path)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	db := testutil.SetupTestDB(t)
	mux := NewRouter(db, testutil.GetTestConfig(), nil)

	testCases := []struct {
		method string
		path   string
	}{
		{"POST", "/health"},
		{"DELETE", "/polls/test-id/admin"},
		{"PUT", "/polls/test-id/options"},
		{"GET", "/polls/test-slug/votes"},
	}

	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			w := httptest.NewRecorder()

			mux.ServeHTTP(w, req)

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("Expected 405 for %s %s, got %d", tc.method, tc.path, w.Code)
			}
		})
	}
}

func TestLiveRouteRequiresHub(t *testing.T) {
	db := testutil.SetupTestDB(t)
	mux := NewRouter(db, testutil.GetTestConfig(), nil)

	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	// Falls through to the root handler.
	if w.Body.String() != "polly API v1" {
		t.Errorf("Expected /live to be unrouted without a hub, got %d %q", w.Code, w.Body.String())
	}
}

func TestLiveRejectsPlainHTTP(t *testing.T) {
	db := testutil.SetupTestDB(t)
	cfg := testutil.GetTestConfig()
	mux := NewRouter(db, cfg, newTestHub(t, db, cfg))

	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-websocket request, got %d", w.Code)
	}
}

func TestPathParameterExtraction(t *testing.T) {
	db := testutil.SetupTestDB(t)
	cfg := testutil.GetTestConfig()

	pollID, adminKey, _ := testutil.CreateTestPoll(t, db, cfg, "draft")
	mux := NewRouter(db, cfg, nil)

	req := httptest.NewRequest("GET", "/polls/"+pollID+"/admin", nil)
	req.Header.Set("X-Admin-Key", adminKey)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with valid admin key, got %d. Body: %s", w.Code, w.Body.String())
	}
}

// TestLiveRoundTrip drives a REST vote into a connected live room through
// the full router, including the logging wrapper's hijack passthrough.
func TestLiveRoundTrip(t *testing.T) {
	db := testutil.SetupTestDB(t)
	cfg := testutil.GetTestConfig()
	h := newTestHub(t, db, cfg)

	pollID, _, slug := testutil.CreateTestPoll(t, db, cfg, "open")
	optionID := testutil.AddTestOption(t, db, pollID, "Slot A", testutil.IntPtr(2))
	voterToken, _ := testutil.CreateTestVoter(t, db, pollID, "bob", "")

	server := httptest.NewServer(NewRouter(db, cfg, h))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial live endpoint: %v", err)
	}
	defer conn.Close()

	join, _ := json.Marshal(map[string]any{
		"type":      protocol.TypeJoinPoll,
		"pollToken": slug,
		"sessionId": "s-alice",
		"voterName": "alice",
	})
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatal(err)
	}

	readType := func() protocol.MessageType {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read frame: %v", err)
		}
		var env struct {
			Type protocol.MessageType `json:"type"`
		}
		json.Unmarshal(data, &env)
		return env.Type
	}

	if typ := readType(); typ != protocol.TypeJoined {
		t.Fatalf("Expected joined, got %s", typ)
	}

	body := strings.NewReader(`{"responses":{"` + optionID + `":"yes"}}`)
	resp, err := http.Post(server.URL+"/polls/"+slug+"/votes", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without voter token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("POST", server.URL+"/polls/"+slug+"/votes",
		strings.NewReader(`{"responses":{"`+optionID+`":"yes"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Voter-Token", voterToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	if typ := readType(); typ != protocol.TypeSlotUpdate {
		t.Errorf("Expected slot_update after REST vote, got %s", typ)
	}
	if typ := readType(); typ != protocol.TypeResultsRefresh {
		t.Errorf("Expected results_refresh after REST vote, got %s", typ)
	}
	snap, ok := h.Snapshot(slug)
	if !ok {
		t.Fatal("Expected live room to exist")
	}
	if snap.Slots[optionID].CurrentCount != 1 {
		t.Errorf("Expected live slot count 1, got %d", snap.Slots[optionID].CurrentCount)
	}
}
