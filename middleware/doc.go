// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package middleware provides HTTP middleware and helper functions.

# Request Logging

	mux.HandleFunc("POST /polls", middleware.WithLogging(handler))

One "request completed" entry per request with method, path, remote,
status and duration_ms. 5xx responses log at error level. The wrapped
writer still supports Hijack, so the websocket route can sit behind it.

# CORS

	server := http.Server{Handler: middleware.CORS(mux)}

Allows GET, POST and OPTIONS with Content-Type, X-Admin-Key and
X-Voter-Token. Preflight requests are answered directly.

# JSON Helpers

	middleware.JSONResponse(w, http.StatusOK, data)
	middleware.ErrorResponse(w, http.StatusConflict, "Option is full")

ParseJSONBody decodes a request body and rejects unknown fields:

	var req models.SubmitVotesRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

# Client IP

GetClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
the connection's remote address. It is only used for logging.
*/
package middleware
