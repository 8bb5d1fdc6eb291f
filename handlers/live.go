// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/manfredsteger/polly/hub"
	"github.com/manfredsteger/polly/protocol"
)

// LiveNotifier keeps live rooms in step with durable changes. *hub.Hub
// implements it.
type LiveNotifier interface {
	// CommitVote runs write only if the live room admits responses.
	CommitVote(ctx context.Context, pollToken, voterKey string, responses protocol.Responses, write func() (protocol.Responses, error)) (protocol.Responses, error)
	ResultsChanged(pollToken string)
	PollClosed(pollToken string)
}

type nopNotifier struct{}

func (nopNotifier) CommitVote(_ context.Context, _, _ string, _ protocol.Responses, write func() (protocol.Responses, error)) (protocol.Responses, error) {
	return write()
}
func (nopNotifier) ResultsChanged(string) {}
func (nopNotifier) PollClosed(string)     {}

type LiveHandler struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
}

func NewLiveHandler(h *hub.Hub) *LiveHandler {
	return &LiveHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origins are already open through CORS; polls are shared by link.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeLive handles GET /live
// Upgrades to a websocket and hands the connection to the hub until it
// disconnects. The first frame must be join_poll.
func (h *LiveHandler) ServeLive(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	if err := h.hub.ServeConn(r.Context(), conn); err != nil {
		slog.Debug("live connection ended", "error", err)
	}
}
