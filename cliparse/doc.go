// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package cliparse handles command-line argument parsing and configuration.

# Server Configuration

	cfg, err := cliparse.ParseFlags(os.Args[1:])

  - Port: API listen port (default: 3318)
  - MetricsPort: Prometheus listen port (default: 0, disabled)
  - DatabaseURL: connection string (required)
  - DatabaseType: sqlite (default) or postgres
  - AdminKeySalt, PollSlugSalt: secrets (required)
  - ConfigFile: optional YAML file for live hub tuning
  - Debug: debug level logging

Flags fall back to environment variables:

	PORT           → -p
	METRICS_PORT   → -metrics-port
	DATABASE_URL   → -d
	DATABASE_TYPE  → -t
	CONFIG_FILE    → -config
	DEBUG          → -debug
	ADMIN_KEY_SALT → -admin-salt
	POLL_SLUG_SALT → -slug-salt

CLI flags take precedence over environment variables.

# Live Hub Configuration

	live, err := cliparse.LoadLiveConfig(cfg.ConfigFile)

Defaults, then the "live" section of the YAML file, then LIVE_* variables:

	live:
	  evictionGrace: 60s     # LIVE_EVICTION_GRACE
	  livenessTimeout: 75s   # LIVE_LIVENESS_TIMEOUT
	  sendBuffer: 64         # LIVE_SEND_BUFFER
	  maxMessageBytes: 65536 # LIVE_MAX_MESSAGE_BYTES
	  messageRate: 20        # LIVE_MESSAGE_RATE
	  messageBurst: 40       # LIVE_MESSAGE_BURST
*/
package cliparse
