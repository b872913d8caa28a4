package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// rollback restores the exact pre-mutation snapshot, byte for byte
func TestOptimisticRollbackRestoresSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	tracker := NewOptimisticTrackerWithDefaults(ctx, store)
	defer tracker.Close()

	gameId := NewId()
	userId := NewId()
	game := testGame(gameId, 10)
	game.Participants = []Id{NewId(), NewId()}
	game.CurrentPlayers = 2
	store.put(game, ChangeTypeCreated)

	before := store.SnapshotKind(EntityKindGame)

	resolved := make(chan error, 1)
	localId, err := tracker.Begin(
		EntityKindGame,
		MutationActionJoin,
		userId,
		gameId,
		func(prior Entity) Entity {
			joined := prior.(*Game)
			joined.Participants = appendUniqueId(joined.Participants, userId)
			joined.CurrentPlayers = len(joined.Participants)
			return joined
		},
		func(err error) {
			resolved <- err
		},
	)
	assert.Equal(t, nil, err)

	provisional := store.Get(EntityKindGame, gameId).(*Game)
	assert.Equal(t, true, provisional.HasParticipant(userId))
	assert.Equal(t, 3, provisional.CurrentPlayers)

	rejection := errors.New("registration closed")
	tracker.Fail(localId, rejection)

	assert.Equal(t, rejection, <-resolved)
	assert.Equal(t, before, store.SnapshotKind(EntityKindGame))
	assert.Equal(t, false, tracker.IsPending(MutationActionJoin, userId, gameId))
}

// an identical (user, target, action) is rejected while one is in flight
func TestOptimisticDuplicateGuard(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	tracker := NewOptimisticTrackerWithDefaults(ctx, store)
	defer tracker.Close()

	gameId := NewId()
	userId := NewId()
	store.put(testGame(gameId, 10), ChangeTypeCreated)

	identity := func(prior Entity) Entity {
		return prior
	}

	localId, err := tracker.Begin(EntityKindGame, MutationActionJoin, userId, gameId, identity, nil)
	assert.Equal(t, nil, err)

	_, err = tracker.Begin(EntityKindGame, MutationActionJoin, userId, gameId, identity, nil)
	assert.Equal(t, ErrDuplicatePending, err)

	// a different action for the same target is independent
	leaveId, err := tracker.Begin(EntityKindGame, MutationActionLeave, userId, gameId, identity, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, tracker.PendingCount())

	tracker.Confirm(localId)
	tracker.Confirm(leaveId)
	assert.Equal(t, 0, tracker.PendingCount())

	// resolved mutations can be re-submitted
	_, err = tracker.Begin(EntityKindGame, MutationActionJoin, userId, gameId, identity, nil)
	assert.Equal(t, nil, err)
}

func TestOptimisticTimeoutRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	settings := &OptimisticTrackerSettings{
		ConfirmTimeout: 20 * time.Millisecond,
	}
	tracker := NewOptimisticTracker(ctx, store, settings)
	defer tracker.Close()

	gameId := NewId()
	userId := NewId()
	store.put(testGame(gameId, 10), ChangeTypeCreated)
	before := store.SnapshotKind(EntityKindGame)

	resolved := make(chan error, 1)
	_, err := tracker.Begin(
		EntityKindGame,
		MutationActionJoin,
		userId,
		gameId,
		func(prior Entity) Entity {
			joined := prior.(*Game)
			joined.Participants = appendUniqueId(joined.Participants, userId)
			joined.CurrentPlayers = len(joined.Participants)
			return joined
		},
		func(err error) {
			resolved <- err
		},
	)
	assert.Equal(t, nil, err)

	select {
	case err := <-resolved:
		assert.Equal(t, ErrMutationTimeout, err)
	case <-time.After(1 * time.Second):
		t.Fatal("timeout rollback never fired")
	}

	assert.Equal(t, before, store.SnapshotKind(EntityKindGame))
	assert.Equal(t, 0, tracker.PendingCount())
}

// confirming a provisional creation drops the client-local entity. the
// server-assigned one arrives through the reducer under its own id.
func TestOptimisticConfirmDropsProvisionalCreate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	tracker := NewOptimisticTrackerWithDefaults(ctx, store)
	defer tracker.Close()

	roomId := NewId()
	userId := NewId()
	localMessageId := NewId()

	resolved := make(chan error, 1)
	localId, err := tracker.Begin(
		EntityKindMessage,
		MutationActionSendMessage,
		userId,
		localMessageId,
		func(prior Entity) Entity {
			return &ChatMessage{
				MessageId: localMessageId,
				RoomId:    roomId,
				SenderId:  userId,
				Text:      "kickoff at six",
				Status:    MessageStatusSent,
				CreatedAt: time.Now().UTC(),
			}
		},
		func(err error) {
			resolved <- err
		},
	)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, store.Get(EntityKindMessage, localMessageId))

	tracker.Confirm(localId)
	assert.Equal(t, nil, <-resolved)
	assert.Equal(t, nil, store.Get(EntityKindMessage, localMessageId))
}

// failing a provisional creation also removes it, since there was no
// prior snapshot to restore
func TestOptimisticFailDropsProvisionalCreate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	tracker := NewOptimisticTrackerWithDefaults(ctx, store)
	defer tracker.Close()

	userId := NewId()
	localMessageId := NewId()

	localId, err := tracker.Begin(
		EntityKindMessage,
		MutationActionSendMessage,
		userId,
		localMessageId,
		func(prior Entity) Entity {
			return &ChatMessage{
				MessageId: localMessageId,
				RoomId:    NewId(),
				SenderId:  userId,
				Text:      "never made it",
				Status:    MessageStatusSent,
			}
		},
		nil,
	)
	assert.Equal(t, nil, err)

	tracker.Fail(localId, errors.New("rejected"))
	assert.Equal(t, nil, store.Get(EntityKindMessage, localMessageId))
	assert.Equal(t, 0, store.Size(EntityKindMessage))
}

// a confirm for an unknown or already-resolved token is a no-op
func TestOptimisticResolveIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	tracker := NewOptimisticTrackerWithDefaults(ctx, store)
	defer tracker.Close()

	gameId := NewId()
	userId := NewId()
	store.put(testGame(gameId, 10), ChangeTypeCreated)

	resolutions := 0
	localId, err := tracker.Begin(
		EntityKindGame,
		MutationActionJoin,
		userId,
		gameId,
		func(prior Entity) Entity {
			return prior
		},
		func(err error) {
			resolutions += 1
		},
	)
	assert.Equal(t, nil, err)

	tracker.Confirm(localId)
	tracker.Confirm(localId)
	tracker.Fail(localId, errors.New("late rejection"))
	tracker.Confirm("not-a-token")

	assert.Equal(t, 1, resolutions)
}

// close rolls back everything still pending
func TestOptimisticCloseFailsPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	tracker := NewOptimisticTrackerWithDefaults(ctx, store)

	gameIds := []Id{NewId(), NewId()}
	for _, gameId := range gameIds {
		store.put(testGame(gameId, 10), ChangeTypeCreated)
	}
	before := store.SnapshotKind(EntityKindGame)

	resolved := make(chan error, 2)
	for _, gameId := range gameIds {
		userId := NewId()
		_, err := tracker.Begin(
			EntityKindGame,
			MutationActionJoin,
			userId,
			gameId,
			func(prior Entity) Entity {
				joined := prior.(*Game)
				joined.Participants = appendUniqueId(joined.Participants, userId)
				joined.CurrentPlayers = len(joined.Participants)
				return joined
			},
			func(err error) {
				resolved <- err
			},
		)
		assert.Equal(t, nil, err)
	}

	tracker.Close()

	assert.Equal(t, context.Canceled, <-resolved)
	assert.Equal(t, context.Canceled, <-resolved)
	assert.Equal(t, 0, tracker.PendingCount())
	assert.Equal(t, before, store.SnapshotKind(EntityKindGame))
}
