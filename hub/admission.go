// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package hub

import (
	"sort"

	"github.com/manfredsteger/polly/protocol"
)

type slot struct {
	max       *int
	committed int
}

// ledger tracks committed ballots and per-option "yes" counts for one room.
// It is only touched from the room loop.
type ledger struct {
	slots   map[string]*slot
	ballots map[string]protocol.Responses
}

// admission is a finalize that passed the capacity check but is not yet
// applied.
type admission struct {
	voterKey string
	ballot   protocol.Responses
	deltas   map[string]int
}

func newLedger(seed RoomSeed) *ledger {
	l := &ledger{
		slots:   make(map[string]*slot, len(seed.Options)),
		ballots: make(map[string]protocol.Responses, len(seed.Ballots)),
	}
	for _, opt := range seed.Options {
		s := &slot{}
		if opt.MaxCapacity != nil {
			max := *opt.MaxCapacity
			s.max = &max
		}
		l.slots[opt.ID] = s
	}
	for voterKey, ballot := range seed.Ballots {
		kept := make(protocol.Responses, len(ballot))
		for optionID, resp := range ballot {
			s, ok := l.slots[optionID]
			if !ok || resp == protocol.ResponseNone {
				continue
			}
			kept[optionID] = resp
			if resp == protocol.ResponseYes {
				s.committed++
			}
		}
		if len(kept) > 0 {
			l.ballots[voterKey] = kept
		}
	}
	return l
}

func (l *ledger) known(optionID string) bool {
	_, ok := l.slots[optionID]
	return ok
}

// admit computes the ballot that results from overlaying draft on the
// voter's committed ballot and checks every option that would gain a "yes".
// The check is all-or-nothing: the first full option rejects the whole
// finalize and nothing is reserved.
func (l *ledger) admit(voterKey string, draft protocol.Responses) (admission, error) {
	prev := l.ballots[voterKey]
	next := prev.Overlay(draft)

	touched := make([]string, 0, len(prev)+len(next))
	for optionID := range prev {
		touched = append(touched, optionID)
	}
	for optionID := range next {
		if _, ok := prev[optionID]; !ok {
			touched = append(touched, optionID)
		}
	}
	sort.Strings(touched)

	deltas := make(map[string]int)
	for _, optionID := range touched {
		wasYes := prev[optionID] == protocol.ResponseYes
		isYes := next[optionID] == protocol.ResponseYes
		switch {
		case !wasYes && isYes:
			s := l.slots[optionID]
			if s != nil && s.max != nil && s.committed >= *s.max {
				return admission{}, &CapacityError{OptionID: optionID}
			}
			deltas[optionID] = 1
		case wasYes && !isYes:
			deltas[optionID] = -1
		}
	}

	return admission{voterKey: voterKey, ballot: next, deltas: deltas}, nil
}

// commit applies an admission and reports whether any count changed.
func (l *ledger) commit(a admission) bool {
	for optionID, d := range a.deltas {
		if s, ok := l.slots[optionID]; ok {
			s.committed += d
		}
	}
	if len(a.ballot) == 0 {
		delete(l.ballots, a.voterKey)
	} else {
		l.ballots[a.voterKey] = a.ballot
	}
	return len(a.deltas) > 0
}

func (l *ledger) projection() protocol.Slots {
	out := make(protocol.Slots, len(l.slots))
	for optionID, s := range l.slots {
		ps := protocol.Slot{CurrentCount: s.committed}
		if s.max != nil {
			max := *s.max
			ps.MaxCapacity = &max
		}
		out[optionID] = ps
	}
	return out
}
