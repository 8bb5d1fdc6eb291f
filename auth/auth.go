// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidAdminKey   = errors.New("invalid admin key")
	ErrInvalidVoterToken = errors.New("invalid voter token")
)

const base62Chars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Keys derives the per-poll secrets from the server salts.
type Keys struct {
	AdminSalt string
	SlugSalt  string
}

// AdminKey returns the admin key for pollID. It is deterministic, so it is
// never stored.
func (k Keys) AdminKey(pollID string) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(sign(k.AdminSalt, pollID)), "=")
}

// CheckAdminKey compares adminKey with the expected key in constant time.
func (k Keys) CheckAdminKey(pollID, adminKey string) error {
	if adminKey == "" || !hmac.Equal([]byte(adminKey), []byte(k.AdminKey(pollID))) {
		return ErrInvalidAdminKey
	}
	return nil
}

// ShareSlug returns the short public identifier for pollID. Live rooms are
// keyed by it.
func (k Keys) ShareSlug(pollID string) string {
	sum := sign(k.SlugSalt, pollID)
	return base62(binary.BigEndian.Uint64(sum[:8]))
}

func sign(salt, msg string) []byte {
	h := hmac.New(sha256.New, []byte(salt))
	h.Write([]byte(msg))
	return h.Sum(nil)
}

func base62(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [11]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = base62Chars[n%62]
		n /= 62
	}
	return string(buf[i:])
}

// NewID returns a random record id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewVoterToken returns a random 192-bit secret identifying a username
// claim.
func NewVoterToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate voter token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidVoterTokenFormat reports whether token could have come from
// NewVoterToken. It does not check that the token was issued.
func ValidVoterTokenFormat(token string) error {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(b) != 24 {
		return ErrInvalidVoterToken
	}
	return nil
}
