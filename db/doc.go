// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package db handles database schema creation.

# Schema Creation

CreateSchema initializes all required tables:

	if err := db.CreateSchema(conn); err != nil {
		log.Fatal(err)
	}

Safe to call multiple times - uses IF NOT EXISTS for all tables and indexes.
The same DDL runs on SQLite (modernc.org/sqlite) and PostgreSQL (lib/pq).

# Tables

  - poll: Poll metadata and lifecycle state
  - option: Voting options per poll, with optional max_capacity
  - username_claim: Maps usernames to voter tokens and voter keys
  - vote: One committed response per voter and option

# Relationships

	poll 1──* option
	poll 1──* username_claim
	option 1──* vote

All foreign keys use ON DELETE CASCADE.
*/
package db
