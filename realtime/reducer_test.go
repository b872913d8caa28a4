package realtime

import (
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testGame(gameId Id, maxPlayers int) *Game {
	opensAt := time.Now().Add(-time.Hour)
	return &Game{
		GameId:              gameId,
		Version:             1,
		Date:                "2026-09-05",
		Time:                "18:00",
		DurationMinutes:     90,
		City:                "valencia",
		MaxPlayers:          maxPlayers,
		Participants:        []Id{},
		Waitlist:            []Id{},
		RegistrationOpensAt: &opensAt,
	}
}

func TestReducerIdempotence(t *testing.T) {
	store := NewStore()
	reducer := NewReducer(store)

	gameId := NewId()
	userId := NewId()

	events := []Event{
		&GameCreatedEvent{Game: testGame(gameId, 10)},
		&GameJoinedEvent{GameId: gameId, Version: 2, UserId: userId},
		&GameUpdatedEvent{GameId: gameId, Version: 3, Patch: GamePatch{
			City: stringPtr("madrid"),
		}},
	}

	for _, event := range events {
		applied := reducer.Apply(event)
		assert.Equal(t, true, applied)

		snapshot := store.SnapshotKind(EntityKindGame)

		// the same event again must be a no-op
		applied = reducer.Apply(event)
		assert.Equal(t, false, applied)
		assert.Equal(t, snapshot, store.SnapshotKind(EntityKindGame))
	}

	game := store.Get(EntityKindGame, gameId).(*Game)
	assert.Equal(t, "madrid", game.City)
	assert.Equal(t, 1, game.CurrentPlayers)
	assert.Equal(t, true, game.HasParticipant(userId))
}

func TestReducerDiscardsStaleVersions(t *testing.T) {
	store := NewStore()
	reducer := NewReducer(store)

	gameId := NewId()
	reducer.Apply(&GameCreatedEvent{Game: testGame(gameId, 10)})
	reducer.Apply(&GameUpdatedEvent{GameId: gameId, Version: 5, Patch: GamePatch{
		City: stringPtr("sevilla"),
	}})

	// an out-of-order lower version must be discarded without error
	applied := reducer.Apply(&GameUpdatedEvent{GameId: gameId, Version: 3, Patch: GamePatch{
		City: stringPtr("bilbao"),
	}})
	assert.Equal(t, false, applied)

	game := store.Get(EntityKindGame, gameId).(*Game)
	assert.Equal(t, "sevilla", game.City)
	assert.Equal(t, Version(5), game.Version)
}

// capacity invariant: currentPlayers == |participants| and
// |participants| <= maxPlayers for any join/leave sequence, unless the
// lottery is pending
func TestReducerCapacityInvariant(t *testing.T) {
	store := NewStore()
	reducer := NewReducer(store)

	gameId := NewId()
	game := testGame(gameId, 5)
	game.Lottery = LotteryState{Enabled: true}
	reducer.Apply(&GameCreatedEvent{Game: game})

	userIds := []Id{}
	for i := 0; i < 12; i += 1 {
		userIds = append(userIds, NewId())
	}

	version := Version(1)
	check := func() {
		stored := store.Get(EntityKindGame, gameId).(*Game)
		assert.Equal(t, len(stored.Participants), stored.CurrentPlayers)
		if !stored.Lottery.Pending {
			assert.Equal(t, true, len(stored.Participants) <= stored.MaxPlayers)
		}
		for _, userId := range stored.Participants {
			assert.Equal(t, false, stored.HasWaitlisted(userId))
		}
	}

	for i := 0; i < 200; i += 1 {
		userId := userIds[mathrand.Intn(len(userIds))]
		version += 1
		if mathrand.Intn(2) == 0 {
			reducer.Apply(&GameJoinedEvent{GameId: gameId, Version: version, UserId: userId})
		} else {
			reducer.Apply(&GameLeftEvent{GameId: gameId, Version: version, UserId: userId})
		}
		check()
	}
}

// a join on a full game with the waitlist enabled routes to the
// waitlist, not participants
func TestReducerFullGameRoutesToWaitlist(t *testing.T) {
	store := NewStore()
	reducer := NewReducer(store)

	gameId := NewId()
	game := testGame(gameId, 2)
	game.Lottery = LotteryState{Enabled: true}
	reducer.Apply(&GameCreatedEvent{Game: game})

	userA := NewId()
	userB := NewId()
	userC := NewId()
	reducer.Apply(&GameJoinedEvent{GameId: gameId, Version: 2, UserId: userA})
	reducer.Apply(&GameJoinedEvent{GameId: gameId, Version: 3, UserId: userB})
	reducer.Apply(&GameJoinedEvent{GameId: gameId, Version: 4, UserId: userC})

	stored := store.Get(EntityKindGame, gameId).(*Game)
	assert.Equal(t, 2, stored.CurrentPlayers)
	assert.Equal(t, false, stored.HasParticipant(userC))
	assert.Equal(t, true, stored.HasWaitlisted(userC))
}

// capacity holds with the lottery disabled too: a join delta on a full
// game routes to the waitlist instead of overbooking. the only
// overbooking state is a pending lottery draw.
func TestReducerFullGameWithoutLotteryNeverOverbooks(t *testing.T) {
	store := NewStore()
	reducer := NewReducer(store)

	gameId := NewId()
	game := testGame(gameId, 2)
	game.Participants = []Id{NewId(), NewId()}
	game.CurrentPlayers = 2
	reducer.Apply(&GameCreatedEvent{Game: game})

	userId := NewId()
	applied := reducer.Apply(&GameJoinedEvent{GameId: gameId, Version: 2, UserId: userId})
	assert.Equal(t, true, applied)

	stored := store.Get(EntityKindGame, gameId).(*Game)
	assert.Equal(t, 2, len(stored.Participants))
	assert.Equal(t, 2, stored.CurrentPlayers)
	assert.Equal(t, false, stored.HasParticipant(userId))
	assert.Equal(t, true, stored.HasWaitlisted(userId))

	pendingId := NewId()
	pending := testGame(pendingId, 2)
	pending.Participants = []Id{NewId(), NewId()}
	pending.CurrentPlayers = 2
	pending.Lottery = LotteryState{Enabled: true, Pending: true}
	reducer.Apply(&GameCreatedEvent{Game: pending})

	entrant := NewId()
	reducer.Apply(&GameJoinedEvent{GameId: pendingId, Version: 2, UserId: entrant})

	stored = store.Get(EntityKindGame, pendingId).(*Game)
	assert.Equal(t, 3, len(stored.Participants))
	assert.Equal(t, true, stored.HasParticipant(entrant))
}

// the server-confirmed membership arrays are authoritative even when
// they contradict the single-user operation
func TestReducerAuthoritativeMembership(t *testing.T) {
	store := NewStore()
	reducer := NewReducer(store)

	gameId := NewId()
	userA := NewId()
	userB := NewId()
	game := testGame(gameId, 1)
	game.Participants = []Id{userB}
	game.CurrentPlayers = 1
	game.Lottery = LotteryState{Enabled: true}
	reducer.Apply(&GameCreatedEvent{Game: game})

	reducer.Apply(&GameJoinedEvent{
		GameId:       gameId,
		Version:      2,
		UserId:       userA,
		Waitlisted:   true,
		Participants: []Id{userB},
		Waitlist:     []Id{userA},
	})

	stored := store.Get(EntityKindGame, gameId).(*Game)
	assert.Equal(t, []Id{userB}, stored.Participants)
	assert.Equal(t, []Id{userA}, stored.Waitlist)
	assert.Equal(t, 1, stored.CurrentPlayers)
}

// once read, a notification never reverts to unread from any delta
func TestReducerMonotonicRead(t *testing.T) {
	store := NewStore()
	reducer := NewReducer(store)

	notificationId := NewId()
	reducer.Apply(&NotificationNewEvent{Notification: &Notification{
		NotificationId: notificationId,
		Version:        1,
		Type:           "game_reminder",
		Title:          "Game tonight",
		CreatedAt:      time.Now(),
	}})
	reducer.Apply(&NotificationReadEvent{NotificationId: notificationId, Version: 2})

	// a newer full snapshot carrying read=false must not revert the flag
	reducer.Apply(&NotificationNewEvent{Notification: &Notification{
		NotificationId: notificationId,
		Version:        3,
		Type:           "game_reminder",
		Title:          "Game tonight",
		Read:           false,
		CreatedAt:      time.Now(),
	}})
	// nor a stale read event replayed out of order
	reducer.Apply(&NotificationReadEvent{NotificationId: notificationId, Version: 2})

	stored := store.Get(EntityKindNotification, notificationId).(*Notification)
	assert.Equal(t, true, stored.Read)
}

// a delete arriving before the message itself leaves a tombstone that a
// late baseline cannot resurrect
func TestReducerTombstoneBeforeBaseline(t *testing.T) {
	store := NewStore()
	reducer := NewReducer(store)

	roomId := NewId()
	messageId := NewId()

	reducer.Apply(&MessageDeletedEvent{MessageId: messageId, RoomId: roomId, Version: 4})

	stored := store.Get(EntityKindMessage, messageId).(*ChatMessage)
	assert.Equal(t, true, stored.Deleted)
	assert.Equal(t, "", stored.Text)
	assert.Equal(t, roomId, stored.RoomId)

	// the late baseline fetch returns the pre-delete copy
	store.MergeBaseline([]Entity{&ChatMessage{
		MessageId: messageId,
		RoomId:    roomId,
		Version:   9,
		Text:      "see you there",
		Status:    MessageStatusSent,
		CreatedAt: time.Now(),
	}})

	stored = store.Get(EntityKindMessage, messageId).(*ChatMessage)
	assert.Equal(t, true, stored.Deleted)
	assert.Equal(t, "", stored.Text)
}

func TestReducerEditAndTombstone(t *testing.T) {
	store := NewStore()
	reducer := NewReducer(store)

	roomId := NewId()
	messageId := NewId()
	reducer.Apply(&MessageNewEvent{Message: &ChatMessage{
		MessageId: messageId,
		RoomId:    roomId,
		SenderId:  NewId(),
		Text:      "on my way",
		Status:    MessageStatusSent,
		Version:   1,
		CreatedAt: time.Now(),
	}})

	reducer.Apply(&MessageEditedEvent{MessageId: messageId, RoomId: roomId, Version: 2, Text: "running late"})
	stored := store.Get(EntityKindMessage, messageId).(*ChatMessage)
	assert.Equal(t, "running late", stored.Text)
	assert.Equal(t, true, stored.Edited)

	reducer.Apply(&MessageDeletedEvent{MessageId: messageId, RoomId: roomId, Version: 3})
	stored = store.Get(EntityKindMessage, messageId).(*ChatMessage)
	assert.Equal(t, true, stored.Deleted)
	assert.Equal(t, "", stored.Text)
	assert.Equal(t, messageId, stored.MessageId)

	// edits to a tombstone are dropped
	applied := reducer.Apply(&MessageEditedEvent{MessageId: messageId, RoomId: roomId, Version: 4, Text: "back"})
	assert.Equal(t, false, applied)
}

// reactions are idempotent per (user, emoji)
func TestReducerReactionToggle(t *testing.T) {
	store := NewStore()
	reducer := NewReducer(store)

	roomId := NewId()
	messageId := NewId()
	userId := NewId()
	reducer.Apply(&MessageNewEvent{Message: &ChatMessage{
		MessageId: messageId,
		RoomId:    roomId,
		SenderId:  NewId(),
		Text:      "goal!",
		Status:    MessageStatusSent,
		Version:   1,
		CreatedAt: time.Now(),
	}})

	applied := reducer.Apply(&MessageReactedEvent{
		MessageId: messageId, RoomId: roomId, Version: 2, UserId: userId, Emoji: "⚽", Added: true,
	})
	assert.Equal(t, true, applied)

	// re-adding the same pair is a no-op
	applied = reducer.Apply(&MessageReactedEvent{
		MessageId: messageId, RoomId: roomId, Version: 3, UserId: userId, Emoji: "⚽", Added: true,
	})
	assert.Equal(t, false, applied)

	stored := store.Get(EntityKindMessage, messageId).(*ChatMessage)
	assert.Equal(t, []Id{userId}, stored.Reactions["⚽"])

	applied = reducer.Apply(&MessageReactedEvent{
		MessageId: messageId, RoomId: roomId, Version: 4, UserId: userId, Emoji: "⚽", Added: false,
	})
	assert.Equal(t, true, applied)

	stored = store.Get(EntityKindMessage, messageId).(*ChatMessage)
	assert.Equal(t, 0, len(stored.Reactions))
}

// deleting a series removes its listed games too
func TestReducerSeriesDeleteCascades(t *testing.T) {
	store := NewStore()
	reducer := NewReducer(store)

	seriesId := NewId()
	gameId := NewId()

	game := testGame(gameId, 10)
	game.SeriesId = &seriesId
	reducer.Apply(&GameCreatedEvent{Game: game})

	weekday := time.Tuesday
	reducer.Apply(&SeriesCreatedEvent{Series: &Series{
		SeriesId:    seriesId,
		Version:     1,
		Weekday:     &weekday,
		DefaultTime: "19:00",
		Subscribers: []Id{},
		GameIds:     []Id{gameId},
	}})

	reducer.Apply(&SeriesDeletedEvent{SeriesId: seriesId})

	assert.Equal(t, nil, store.Get(EntityKindSeries, seriesId))
	assert.Equal(t, nil, store.Get(EntityKindGame, gameId))

	// a delete for an already-absent id is a silent no-op
	applied := reducer.Apply(&SeriesDeletedEvent{SeriesId: seriesId})
	assert.Equal(t, false, applied)
}

func TestReducerDeleteWinsOverStaleUpdate(t *testing.T) {
	store := NewStore()
	reducer := NewReducer(store)

	gameId := NewId()
	reducer.Apply(&GameCreatedEvent{Game: testGame(gameId, 10)})
	reducer.Apply(&GameDeletedEvent{GameIds: []Id{gameId}})

	// a late update for the deleted id must not resurrect it
	applied := reducer.Apply(&GameUpdatedEvent{GameId: gameId, Version: 9, Patch: GamePatch{
		City: stringPtr("girona"),
	}})
	assert.Equal(t, false, applied)
	assert.Equal(t, nil, store.Get(EntityKindGame, gameId))

	store.MergeBaseline([]Entity{testGame(gameId, 10)})
	assert.Equal(t, nil, store.Get(EntityKindGame, gameId))
}

func stringPtr(s string) *string {
	return &s
}
