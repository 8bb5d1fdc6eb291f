// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package auth provides poll secrets and identifiers.

# Admin Keys

Admin keys are HMAC-SHA256 of the poll id under the admin salt:

	keys := auth.Keys{AdminSalt: cfg.AdminKeySalt, SlugSalt: cfg.PollSlugSalt}
	adminKey := keys.AdminKey(pollID)
	err := keys.CheckAdminKey(pollID, r.Header.Get("X-Admin-Key"))

Since the key is deterministic it is never stored.

# Share Slugs

	slug := keys.ShareSlug(pollID)

Slugs are base62 (alphanumeric only) and double as the live room token.

# Voter Tokens

	token, err := auth.NewVoterToken()

Random 192-bit secrets handed out when a username is claimed and sent back
in the X-Voter-Token header when voting.

# IDs

	id := auth.NewID() // 32 hex characters, from a random UUID
*/
package auth
