package realtime

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

// baseline rows are a floor: they fill gaps and replace older versions
// but never clobber newer state learned from a delta
func TestStoreMergeBaselineFloor(t *testing.T) {
	store := NewStore()

	gameId := NewId()
	newer := testGame(gameId, 10)
	newer.Version = 7
	newer.City = "valencia"
	store.put(newer, ChangeTypeCreated)

	older := testGame(gameId, 10)
	older.Version = 3
	older.City = "bilbao"

	freshId := NewId()
	fresh := testGame(freshId, 8)

	store.MergeBaseline([]Entity{older, fresh})

	stored := store.Get(EntityKindGame, gameId).(*Game)
	assert.Equal(t, "valencia", stored.City)
	assert.Equal(t, Version(7), stored.Version)
	assert.NotEqual(t, nil, store.Get(EntityKindGame, freshId))
}

func TestStoreChangeNotices(t *testing.T) {
	store := NewStore()

	notices := []ChangeNotice{}
	unsub := store.AddChangeCallback(func(notice ChangeNotice) {
		notices = append(notices, notice)
	})

	gameId := NewId()
	store.put(testGame(gameId, 10), ChangeTypeCreated)
	store.remove(EntityKindGame, gameId)
	// removing an absent id emits nothing
	store.remove(EntityKindGame, gameId)

	assert.Equal(t, []ChangeNotice{
		{Kind: EntityKindGame, Id: gameId, Change: ChangeTypeCreated},
		{Kind: EntityKindGame, Id: gameId, Change: ChangeTypeDeleted},
	}, notices)

	unsub()
	store.put(testGame(NewId(), 10), ChangeTypeCreated)
	assert.Equal(t, 2, len(notices))
}

func TestStoreEvictUnmatched(t *testing.T) {
	store := NewStore()

	keepId := NewId()
	store.put(testGame(keepId, 10), ChangeTypeCreated)
	store.put(testGame(NewId(), 10), ChangeTypeCreated)
	store.put(testGame(NewId(), 10), ChangeTypeCreated)

	evicted := store.EvictUnmatched(EntityKindGame, func(entity Entity) bool {
		return entity.EntityId() == keepId
	})
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 1, store.Size(EntityKindGame))
	assert.NotEqual(t, nil, store.Get(EntityKindGame, keepId))
}

// eviction prunes terminal-delete markers for ids no longer held, so
// tombstone memory stays bounded by the active scopes
func TestStoreEvictPrunesDeleteMarkers(t *testing.T) {
	store := NewStore()

	goneId := NewId()
	store.put(testGame(goneId, 10), ChangeTypeCreated)
	store.remove(EntityKindGame, goneId)
	assert.Equal(t, true, store.IsDeleted(EntityKindGame, goneId))

	store.EvictUnmatched(EntityKindGame, func(entity Entity) bool {
		return false
	})
	assert.Equal(t, false, store.IsDeleted(EntityKindGame, goneId))

	// a message tombstone keeps its marker while a scope still holds it
	reducer := NewReducer(store)
	messageId := NewId()
	reducer.Apply(&MessageDeletedEvent{MessageId: messageId, RoomId: NewId(), Version: 2})
	assert.Equal(t, true, store.IsDeleted(EntityKindMessage, messageId))

	store.EvictUnmatched(EntityKindMessage, func(entity Entity) bool {
		return true
	})
	assert.Equal(t, true, store.IsDeleted(EntityKindMessage, messageId))

	// releasing the tombstone releases the marker with it
	store.EvictUnmatched(EntityKindMessage, func(entity Entity) bool {
		return false
	})
	assert.Equal(t, false, store.IsDeleted(EntityKindMessage, messageId))
	assert.Equal(t, 0, store.Size(EntityKindMessage))
}

func TestStoreRestore(t *testing.T) {
	store := NewStore()

	gameId := NewId()
	prior := testGame(gameId, 10)
	store.put(prior, ChangeTypeCreated)

	patched := prior.Clone().(*Game)
	patched.City = "madrid"
	store.put(patched, ChangeTypeUpdated)

	store.restore(EntityKindGame, gameId, prior)
	stored := store.Get(EntityKindGame, gameId).(*Game)
	assert.Equal(t, "valencia", stored.City)

	// restoring to nil drops the entry
	phantomId := NewId()
	store.put(testGame(phantomId, 10), ChangeTypeCreated)
	store.restore(EntityKindGame, phantomId, nil)
	assert.Equal(t, nil, store.Get(EntityKindGame, phantomId))
}
