// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package main provides the entry point for the Polly API server.

Polly is a group scheduling poll with yes/no/maybe responses and optional
per-option capacity. Besides the REST API it serves a live voting channel
where participants see each other's drafts, claim limited slots and get
told when results change.

# Starting the Server

Configuration comes from CLI flags, the environment, or a .env file:

	DATABASE_URL=polly.db ADMIN_KEY_SALT=... POLL_SLUG_SALT=... go run .

Or with flags:

	go run . -p 3318 -t postgres -d "postgres://..." -metrics-port 9090

# Configuration

Required settings:

  - DATABASE_URL (-d): SQLite path or PostgreSQL connection string
  - ADMIN_KEY_SALT (-admin-salt): Secret for admin key HMAC
  - POLL_SLUG_SALT (-slug-salt): Secret for share slug generation

Optional settings:

  - PORT (-p): Server port (default: 3318)
  - DATABASE_TYPE (-t): sqlite (default) or postgres
  - METRICS_PORT (-metrics-port): Prometheus listener, 0 disables
  - CONFIG_FILE (-config): YAML file with a "live" section
  - DEBUG (-debug): Debug logging with source locations

Live hub tuning (evictionGrace, livenessTimeout, sendBuffer, ...) can also be
set with LIVE_* environment variables.

# Architecture

  - hub: Live rooms, admission control and websocket connections
  - protocol: Live channel message types
  - store: Poll persistence shared by REST handlers and the hub
  - handlers, router, middleware: REST API
  - models, auth, db, cliparse: Supporting types and setup

A terminal client for the live channel lives in cmd/polly-live.
*/
package main
