// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package hub

import "errors"

var (
	ErrRoomClosed       = errors.New("room closed")
	ErrRoomCrashed      = errors.New("room crashed")
	ErrPollNotFound     = errors.New("poll not found")
	ErrPollClosed       = errors.New("poll is closed")
	ErrNotJoined        = errors.New("join_poll required")
	ErrPresenter        = errors.New("presenters cannot vote")
	ErrUnknownOption    = errors.New("unknown option")
	ErrInvalidJoin      = errors.New("pollToken and sessionId are required")
	ErrAnonymousVoter   = errors.New("voterName or voterEmail is required to vote")
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

// CapacityError reports the option that rejected a finalize. It matches
// ErrCapacityExceeded with errors.Is.
type CapacityError struct {
	OptionID string
}

func (e *CapacityError) Error() string {
	return "capacity exceeded for option " + e.OptionID
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityExceeded
}
