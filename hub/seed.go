// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package hub

import (
	"context"

	"github.com/manfredsteger/polly/protocol"
)

// OptionCapacity is an option id with its configured maximum number of
// committed "yes" responses. A nil MaxCapacity means unlimited.
type OptionCapacity struct {
	ID          string
	MaxCapacity *int
}

// RoomSeed is the durable state a Room starts from.
type RoomSeed struct {
	Options []OptionCapacity
	Closed  bool
	// Ballots holds every durable vote, keyed by voter key.
	Ballots map[string]protocol.Responses
}

// SeedSource reads room seeds from the poll store. It returns
// ErrPollNotFound (possibly wrapped) for unknown poll tokens.
type SeedSource interface {
	LoadRoomSeed(ctx context.Context, pollToken string) (RoomSeed, error)
}

// SeedSourceFunc adapts a function to SeedSource.
type SeedSourceFunc func(ctx context.Context, pollToken string) (RoomSeed, error)

func (f SeedSourceFunc) LoadRoomSeed(ctx context.Context, pollToken string) (RoomSeed, error) {
	return f(ctx, pollToken)
}
