// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manfredsteger/polly/protocol"
)

func TestRoomJoinSnapshotAndPresence(t *testing.T) {
	r := newTestRoom(t, RoomSeed{Options: []OptionCapacity{{ID: "a", MaxCapacity: intp(3)}}})
	c1, c2 := newTestConn("c1"), newTestConn("c2")

	join(t, r, c1, "s1", "alice")
	msgs := drain(t, c1)
	require.Len(t, msgs, 1)
	joined, ok := msgs[0].(*protocol.Joined)
	require.True(t, ok)
	assert.Equal(t, "s1", joined.SessionID)
	require.Len(t, joined.Participants, 1)
	assert.Equal(t, "alice", joined.Participants[0].DisplayName)
	assert.Equal(t, 0, joined.Slots["a"].CurrentCount)

	join(t, r, c2, "s2", "bob")
	assert.Equal(t, []protocol.MessageType{protocol.TypeJoined}, typesOf(drain(t, c2)))
	msgs = drain(t, c1)
	require.Len(t, msgs, 1)
	presence, ok := msgs[0].(*protocol.PresenceUpdate)
	require.True(t, ok)
	assert.Len(t, presence.Participants, 2)
	assert.Equal(t, "s1", presence.Participants[0].SessionID)
}

func TestRoomRejoinDoesNotDuplicatePresence(t *testing.T) {
	r := newTestRoom(t, RoomSeed{Options: []OptionCapacity{{ID: "a"}}})
	c1, c2 := newTestConn("c1"), newTestConn("c2")

	join(t, r, c1, "s1", "alice")
	require.NoError(t, r.UpdateDraft(c1, "s1", "a", protocol.ResponseYes))
	drain(t, c1)

	join(t, r, c2, "s1", "alice")
	assert.True(t, isClosed(c1), "old connection should be closed")

	msgs := drain(t, c2)
	require.Len(t, msgs, 1)
	joined := msgs[0].(*protocol.Joined)
	assert.Len(t, joined.Participants, 1)
	assert.Equal(t, protocol.ResponseYes, joined.LiveDrafts["alice"]["a"])

	// The replaced connection can no longer act for the session.
	assert.ErrorIs(t, r.UpdateDraft(c1, "s1", "a", protocol.ResponseNo), ErrNotJoined)
	require.NoError(t, r.Disconnect(c1, "s1"))

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 1)
}

func TestRoomUpdateDraftLeavesCommittedUnchanged(t *testing.T) {
	r := newTestRoom(t, RoomSeed{Options: []OptionCapacity{{ID: "a", MaxCapacity: intp(1)}}})
	c1, c2 := newTestConn("c1"), newTestConn("c2")
	join(t, r, c1, "s1", "alice")
	join(t, r, c2, "s2", "bob")
	drain(t, c1)
	drain(t, c2)

	require.NoError(t, r.UpdateDraft(c1, "s1", "a", protocol.ResponseYes))
	require.NoError(t, r.UpdateDraft(c2, "s2", "a", protocol.ResponseYes))

	for _, c := range []*Connection{c1, c2} {
		assert.Equal(t, []protocol.MessageType{
			protocol.TypeLiveVoteUpdate,
			protocol.TypeLiveVoteUpdate,
		}, typesOf(drain(t, c)))
	}

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Slots["a"].CurrentCount)
	assert.Len(t, snap.LiveDrafts, 2)
}

func TestRoomLastSlot(t *testing.T) {
	r := newTestRoom(t, RoomSeed{Options: []OptionCapacity{{ID: "a", MaxCapacity: intp(1)}}})
	p1, p2 := newTestConn("p1"), newTestConn("p2")
	join(t, r, p1, "s1", "p1")
	join(t, r, p2, "s2", "p2")
	require.NoError(t, r.UpdateDraft(p1, "s1", "a", protocol.ResponseYes))
	require.NoError(t, r.UpdateDraft(p2, "s2", "a", protocol.ResponseYes))
	drain(t, p1)
	drain(t, p2)

	require.NoError(t, r.Finalize(p1, "s1", "p1"))
	want := []protocol.MessageType{
		protocol.TypeVoteFinalized,
		protocol.TypeSlotUpdate,
		protocol.TypeResultsRefresh,
	}
	assert.Equal(t, want, typesOf(drain(t, p1)))
	msgs := drain(t, p2)
	assert.Equal(t, want, typesOf(msgs))
	slots := msgs[1].(*protocol.SlotUpdate).Slots
	assert.Equal(t, 1, slots["a"].CurrentCount)

	err := r.Finalize(p2, "s2", "p2")
	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, "a", capErr.OptionID)

	msgs = drain(t, p2)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].(*protocol.CapacityExceeded).OptionID)
	assert.Empty(t, drain(t, p1))

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Slots["a"].CurrentCount)
	assert.Equal(t, protocol.ResponseYes, snap.LiveDrafts["p2"]["a"], "rejected draft is kept")
	_, hasP1 := snap.LiveDrafts["p1"]
	assert.False(t, hasP1, "finalized draft is cleared")
}

func TestRoomConcurrentFinalize(t *testing.T) {
	const (
		capacity = 3
		voters   = 12
	)
	r := newTestRoom(t, RoomSeed{Options: []OptionCapacity{{ID: "a", MaxCapacity: intp(capacity)}}})

	conns := make([]*Connection, voters)
	for i := range conns {
		conns[i] = newTestConn(fmt.Sprintf("c%d", i))
		name := fmt.Sprintf("voter-%d", i)
		join(t, r, conns[i], fmt.Sprintf("s%d", i), name)
		require.NoError(t, r.UpdateDraft(conns[i], fmt.Sprintf("s%d", i), "a", protocol.ResponseYes))
		for _, c := range conns[:i+1] {
			drain(t, c)
		}
	}

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		rejected atomic.Int32
	)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := r.Finalize(conns[i], fmt.Sprintf("s%d", i), "")
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrCapacityExceeded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, capacity, admitted.Load())
	assert.EqualValues(t, voters-capacity, rejected.Load())

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, capacity, snap.Slots["a"].CurrentCount)
}

func TestRoomWithdrawThenRefinalize(t *testing.T) {
	r := newTestRoom(t, RoomSeed{Options: []OptionCapacity{{ID: "a", MaxCapacity: intp(5)}}})
	c := newTestConn("c1")
	join(t, r, c, "s1", "alice")

	count := func() int {
		snap, err := r.Snapshot()
		require.NoError(t, err)
		return snap.Slots["a"].CurrentCount
	}

	require.NoError(t, r.UpdateDraft(c, "s1", "a", protocol.ResponseYes))
	require.NoError(t, r.Finalize(c, "s1", ""))
	assert.Equal(t, 1, count())

	// A withdrawn draft changes nothing committed.
	require.NoError(t, r.UpdateDraft(c, "s1", "a", protocol.ResponseNo))
	require.NoError(t, r.WithdrawDraft(c, "s1"))
	require.NoError(t, r.Finalize(c, "s1", ""))
	assert.Equal(t, 1, count())

	// Finalizing yes again does not double count.
	require.NoError(t, r.UpdateDraft(c, "s1", "a", protocol.ResponseYes))
	require.NoError(t, r.Finalize(c, "s1", ""))
	assert.Equal(t, 1, count())

	require.NoError(t, r.UpdateDraft(c, "s1", "a", protocol.ResponseNone))
	require.NoError(t, r.Finalize(c, "s1", ""))
	assert.Equal(t, 0, count())
}

func TestRoomFinalizeWithoutSlotChange(t *testing.T) {
	r := newTestRoom(t, RoomSeed{Options: []OptionCapacity{{ID: "a"}}})
	c := newTestConn("c1")
	join(t, r, c, "s1", "alice")
	drain(t, c)

	require.NoError(t, r.Finalize(c, "s1", "Alice"))
	msgs := drain(t, c)
	assert.Equal(t, []protocol.MessageType{
		protocol.TypeVoteFinalized,
		protocol.TypeResultsRefresh,
	}, typesOf(msgs))
	assert.Equal(t, "Alice", msgs[0].(*protocol.VoteFinalized).VoterName)
}

func TestRoomDraftSurvivesDisconnect(t *testing.T) {
	r := newTestRoom(t, RoomSeed{Options: []OptionCapacity{{ID: "a"}, {ID: "b"}}})
	c1 := newTestConn("c1")
	join(t, r, c1, "s1", "alice")
	require.NoError(t, r.UpdateDraft(c1, "s1", "a", protocol.ResponseMaybe))
	require.NoError(t, r.Disconnect(c1, "s1"))

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.Participants)
	assert.Equal(t, protocol.ResponseMaybe, snap.LiveDrafts["alice"]["a"])

	c2 := newTestConn("c2")
	join(t, r, c2, "s1", "alice")
	joined := drain(t, c2)[0].(*protocol.Joined)
	assert.Equal(t, protocol.ResponseMaybe, joined.LiveDrafts["alice"]["a"])

	require.NoError(t, r.UpdateDraft(c2, "s1", "b", protocol.ResponseYes))
	snap, err = r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, protocol.Responses{"a": protocol.ResponseMaybe, "b": protocol.ResponseYes}, snap.LiveDrafts["alice"])
}

func TestRoomRejectsInvalidIntents(t *testing.T) {
	r := newTestRoom(t, RoomSeed{Options: []OptionCapacity{{ID: "a"}}})
	voter, presenter, stranger := newTestConn("v"), newTestConn("p"), newTestConn("x")
	join(t, r, voter, "s1", "alice")
	require.NoError(t, r.Join(presenter, JoinRequest{SessionID: "s2", IsPresenter: true}))

	assert.ErrorIs(t, r.UpdateDraft(voter, "s1", "zzz", protocol.ResponseYes), ErrUnknownOption)
	assert.ErrorIs(t, r.UpdateDraft(presenter, "s2", "a", protocol.ResponseYes), ErrPresenter)
	assert.ErrorIs(t, r.Finalize(presenter, "s2", ""), ErrPresenter)
	assert.ErrorIs(t, r.UpdateDraft(stranger, "s1", "a", protocol.ResponseYes), ErrNotJoined)
	assert.ErrorIs(t, r.Rename(stranger, "s9", "mallory"), ErrNotJoined)

	require.NoError(t, r.MarkPollClosed())
	assert.ErrorIs(t, r.UpdateDraft(voter, "s1", "a", protocol.ResponseYes), ErrPollClosed)
	assert.ErrorIs(t, r.Finalize(voter, "s1", ""), ErrPollClosed)
}

func TestRoomRenameKeepsVoterKey(t *testing.T) {
	r := newTestRoom(t, RoomSeed{Options: []OptionCapacity{{ID: "a"}}})
	c := newTestConn("c1")
	join(t, r, c, "s1", "alice")
	require.NoError(t, r.UpdateDraft(c, "s1", "a", protocol.ResponseYes))
	drain(t, c)

	require.NoError(t, r.Rename(c, "s1", "Alice B."))
	msgs := drain(t, c)
	require.Len(t, msgs, 1)
	presence := msgs[0].(*protocol.PresenceUpdate)
	assert.Equal(t, "Alice B.", presence.Participants[0].DisplayName)
	assert.Contains(t, presence.LiveDrafts, "alice")
}

func TestRoomLeaveIsIdempotent(t *testing.T) {
	r := newTestRoom(t, RoomSeed{})
	c1, c2 := newTestConn("c1"), newTestConn("c2")
	join(t, r, c1, "s1", "alice")
	join(t, r, c2, "s2", "bob")
	drain(t, c2)

	require.NoError(t, r.Leave(c1, "s1"))
	require.NoError(t, r.Leave(c1, "s1"))
	assert.Equal(t, []protocol.MessageType{protocol.TypePresenceUpdate}, typesOf(drain(t, c2)))
}

func TestRoomSlowConsumerIsClosed(t *testing.T) {
	r := newTestRoom(t, RoomSeed{Options: []OptionCapacity{{ID: "a"}}})
	slow := newConnection("slow", nil, 2, discardLogger(), nil)
	fast := newTestConn("fast")
	join(t, r, slow, "s1", "slow")
	join(t, r, fast, "s2", "fast")

	for i := 0; i < 5; i++ {
		require.NoError(t, r.UpdateDraft(fast, "s2", "a", protocol.ResponseYes))
	}
	assert.True(t, isClosed(slow))
	assert.False(t, isClosed(fast))
}

func TestRoomPanicIsIsolated(t *testing.T) {
	d := newDirectory(staticSource(map[string]RoomSeed{
		"p1": {Options: []OptionCapacity{{ID: "a"}}},
		"p2": {Options: []OptionCapacity{{ID: "a"}}},
	}), time.Hour, discardLogger(), nil)
	t.Cleanup(d.CloseAll)

	r1, err := d.GetOrCreate(context.Background(), "p1")
	require.NoError(t, err)
	r2, err := d.GetOrCreate(context.Background(), "p2")
	require.NoError(t, err)

	c1, c2 := newTestConn("c1"), newTestConn("c2")
	join(t, r1, c1, "s1", "alice")
	join(t, r2, c2, "s2", "bob")
	require.NoError(t, r1.UpdateDraft(c1, "s1", "a", protocol.ResponseYes))

	err = r1.do(func() error { panic("boom") })
	assert.ErrorIs(t, err, ErrRoomCrashed)
	<-r1.Done()
	assert.True(t, isClosed(c1))
	assert.Nil(t, d.Lookup("p1"))
	assert.ErrorIs(t, r1.UpdateDraft(c1, "s1", "a", protocol.ResponseNo), ErrRoomClosed)

	require.NoError(t, r2.UpdateDraft(c2, "s2", "a", protocol.ResponseYes))
	assert.False(t, isClosed(c2))

	fresh, err := d.GetOrCreate(context.Background(), "p1")
	require.NoError(t, err)
	assert.NotSame(t, r1, fresh)
	snap, err := fresh.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.LiveDrafts)
	assert.Empty(t, snap.Participants)
}

func TestRoomCommitVoteRespectsLiveFinalize(t *testing.T) {
	r := newTestRoom(t, RoomSeed{Options: []OptionCapacity{{ID: "a", MaxCapacity: intp(1)}, {ID: "b"}}})
	c1 := newTestConn("c1")
	join(t, r, c1, "s1", "alice")
	require.NoError(t, r.UpdateDraft(c1, "s1", "a", protocol.ResponseYes))
	require.NoError(t, r.Finalize(c1, "s1", ""))
	drain(t, c1)

	// bob votes through the REST endpoint for the slot alice just took.
	var writes int
	write := func() (protocol.Responses, error) {
		writes++
		return protocol.Responses{"a": protocol.ResponseYes}, nil
	}
	_, err := r.CommitVote("bob", protocol.Responses{"a": protocol.ResponseYes}, write)
	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr), "expected CapacityError, got %v", err)
	assert.Equal(t, "a", capErr.OptionID)
	assert.Zero(t, writes, "rejected vote must not be written")
	assert.Empty(t, drain(t, c1))

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Slots["a"].CurrentCount)
}

func TestRoomCommitVote(t *testing.T) {
	r := newTestRoom(t, RoomSeed{Options: []OptionCapacity{{ID: "a", MaxCapacity: intp(1)}, {ID: "b"}}})
	c1 := newTestConn("c1")
	join(t, r, c1, "s1", "alice")
	require.NoError(t, r.UpdateDraft(c1, "s1", "a", protocol.ResponseYes))
	drain(t, c1)

	stored := protocol.Responses{"a": protocol.ResponseYes, "b": protocol.ResponseMaybe}
	ballot, err := r.CommitVote("bob", protocol.Responses{"a": protocol.ResponseYes, "b": protocol.ResponseMaybe},
		func() (protocol.Responses, error) { return stored, nil })
	require.NoError(t, err)
	assert.Equal(t, stored, ballot)
	msgs := drain(t, c1)
	require.Equal(t, []protocol.MessageType{protocol.TypeSlotUpdate}, typesOf(msgs))
	assert.Equal(t, 1, msgs[0].(*protocol.SlotUpdate).Slots["a"].CurrentCount)

	// The live channel now sees the slot as taken; alice keeps her draft.
	assert.ErrorIs(t, r.Finalize(c1, "s1", ""), ErrCapacityExceeded)
	drain(t, c1)

	// A change that moves no "yes" is silent.
	_, err = r.CommitVote("bob", protocol.Responses{"b": protocol.ResponseNo},
		func() (protocol.Responses, error) { return protocol.Responses{"a": protocol.ResponseYes, "b": protocol.ResponseNo}, nil })
	require.NoError(t, err)
	assert.Empty(t, drain(t, c1))

	// A failed write leaves the ledger alone.
	writeErr := errors.New("disk full")
	_, err = r.CommitVote("bob", protocol.Responses{"a": protocol.ResponseNone},
		func() (protocol.Responses, error) { return nil, writeErr })
	assert.ErrorIs(t, err, writeErr)
	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Slots["a"].CurrentCount)

	_, err = r.CommitVote("bob", protocol.Responses{"a": protocol.ResponseNone, "zzz": protocol.ResponseYes},
		func() (protocol.Responses, error) { return protocol.Responses{"b": protocol.ResponseNo}, nil })
	require.NoError(t, err)
	msgs = drain(t, c1)
	require.Equal(t, []protocol.MessageType{protocol.TypeSlotUpdate}, typesOf(msgs))
	assert.Equal(t, 0, msgs[0].(*protocol.SlotUpdate).Slots["a"].CurrentCount)
	_, hasUnknown := msgs[0].(*protocol.SlotUpdate).Slots["zzz"]
	assert.False(t, hasUnknown)

	require.NoError(t, r.Finalize(c1, "s1", ""))
	snap, err = r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Slots["a"].CurrentCount)
}
