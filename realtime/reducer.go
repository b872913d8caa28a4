package realtime

import (
	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// applies one inbound event to the store deterministically and
// idempotently. applying the same event twice leaves the store in the
// same state as applying it once.
//
// version gate: an event mutates an entity only if its version is
// strictly newer than the stored one. exceptions: `created` applies when
// the entity is absent, and a terminal delete always wins. a stale or
// duplicate event is discarded without error.
type Reducer struct {
	store *Store
}

func NewReducer(store *Store) *Reducer {
	return &Reducer{
		store: store,
	}
}

// applied entity kinds per event are fixed, so a malformed event can
// never corrupt an unrelated entity. returns whether the event mutated
// the store.
func (self *Reducer) Apply(event Event) bool {
	switch v := event.(type) {
	case *GameCreatedEvent:
		return self.applyCreated(v.Game.Clone())
	case *GameUpdatedEvent:
		return self.applyGameUpdated(v)
	case *GameDeletedEvent:
		applied := false
		for _, gameId := range v.GameIds {
			if self.applyDeleted(EntityKindGame, gameId) {
				applied = true
			}
		}
		return applied
	case *GameJoinedEvent:
		return self.applyGameJoined(v)
	case *GameLeftEvent:
		return self.applyGameLeft(v)
	case *SeriesCreatedEvent:
		return self.applyCreated(v.Series.Clone())
	case *SeriesUpdatedEvent:
		return self.applyReplace(v.Series.Clone())
	case *SeriesDeletedEvent:
		return self.applySeriesDeleted(v)
	case *SeriesSubscribedEvent:
		return self.applySeriesMembership(v.SeriesId, v.Version, v.UserId, true)
	case *SeriesUnsubscribedEvent:
		return self.applySeriesMembership(v.SeriesId, v.Version, v.UserId, false)
	case *MessageNewEvent:
		return self.applyMessageNew(v)
	case *MessageEditedEvent:
		return self.applyMessageEdited(v)
	case *MessageDeletedEvent:
		return self.applyMessageDeleted(v)
	case *MessageReactedEvent:
		return self.applyMessageReacted(v)
	case *NotificationNewEvent:
		return self.applyCreated(v.Notification.Clone())
	case *NotificationReadEvent:
		return self.applyNotificationRead(v)
	case *TypingEvent:
		// ephemeral. fan-out only, never stored.
		return false
	default:
		glog.Infof("[reduce]drop unhandled event %s\n", event.Type())
		return false
	}
}

func (self *Reducer) applyCreated(entity Entity) bool {
	kind := entity.EntityKind()
	id := entity.EntityId()
	if self.store.IsDeleted(kind, id) {
		glog.V(2).Infof("[reduce]drop created for deleted %s %s\n", kind, id)
		return false
	}
	stored := self.store.Get(kind, id)
	if stored == nil {
		self.store.put(entity, ChangeTypeCreated)
		return true
	}
	if stored.EntityVersion() < entity.EntityVersion() {
		// the read flag is monotonic regardless of what the delta carries
		if storedNotification, ok := stored.(*Notification); ok && storedNotification.Read {
			if notification, ok := entity.(*Notification); ok {
				notification.Read = true
			}
		}
		self.store.put(entity, ChangeTypeUpdated)
		return true
	}
	return false
}

// full-snapshot replace under the version gate
func (self *Reducer) applyReplace(entity Entity) bool {
	kind := entity.EntityKind()
	id := entity.EntityId()
	if self.store.IsDeleted(kind, id) {
		return false
	}
	stored := self.store.Get(kind, id)
	if stored != nil && entity.EntityVersion() <= stored.EntityVersion() {
		return false
	}
	if stored == nil {
		self.store.put(entity, ChangeTypeCreated)
	} else {
		self.store.put(entity, ChangeTypeUpdated)
	}
	return true
}

// a delete for an already-absent id is a silent no-op, but the terminal
// marker is still recorded so a late baseline cannot resurrect the id
func (self *Reducer) applyDeleted(kind EntityKind, id Id) bool {
	present := self.store.Get(kind, id) != nil
	self.store.remove(kind, id)
	return present
}

func (self *Reducer) getGame(gameId Id, version Version) *Game {
	stored, ok := self.store.Get(EntityKindGame, gameId).(*Game)
	if !ok || stored == nil {
		glog.V(2).Infof("[reduce]drop event for unknown game %s\n", gameId)
		return nil
	}
	if version <= stored.Version {
		glog.V(2).Infof("[reduce]drop stale game event %s v%d<=v%d\n", gameId, version, stored.Version)
		return nil
	}
	return stored
}

func (self *Reducer) applyGameUpdated(event *GameUpdatedEvent) bool {
	stored := self.getGame(event.GameId, event.Version)
	if stored == nil {
		return false
	}
	game := stored.Clone().(*Game)
	patch := &event.Patch
	if patch.Date != nil {
		game.Date = *patch.Date
	}
	if patch.Time != nil {
		game.Time = *patch.Time
	}
	if patch.DurationMinutes != nil {
		game.DurationMinutes = *patch.DurationMinutes
	}
	if patch.City != nil {
		game.City = *patch.City
	}
	if patch.MaxPlayers != nil {
		game.MaxPlayers = *patch.MaxPlayers
	}
	if patch.Lottery != nil {
		game.Lottery = *patch.Lottery
	}
	if patch.RegistrationOpensAt != nil {
		opensAt := *patch.RegistrationOpensAt
		game.RegistrationOpensAt = &opensAt
	}
	game.Version = event.Version
	self.store.put(game, ChangeTypeUpdated)
	return true
}

// membership changes are set operations. the wire counts are never
// trusted; `CurrentPlayers` is always recomputed from the participant
// set. when the event carries the full membership arrays those are
// authoritative, otherwise the single-user operation is applied with
// capacity routing: a join on a full game goes to the waitlist unless a
// pending lottery draw allows overbooking.
func (self *Reducer) applyGameJoined(event *GameJoinedEvent) bool {
	stored := self.getGame(event.GameId, event.Version)
	if stored == nil {
		return false
	}
	game := stored.Clone().(*Game)

	if event.Participants != nil || event.Waitlist != nil {
		if event.Participants != nil {
			game.Participants = slices.Clone(event.Participants)
		}
		if event.Waitlist != nil {
			game.Waitlist = slices.Clone(event.Waitlist)
		}
		// a user never appears in both
		for _, userId := range game.Participants {
			game.Waitlist = removeId(game.Waitlist, userId)
		}
	} else if event.Waitlisted {
		game.Participants = removeId(game.Participants, event.UserId)
		game.Waitlist = appendUniqueId(game.Waitlist, event.UserId)
	} else if game.IsFull() && !game.HasParticipant(event.UserId) && !game.Lottery.Pending {
		game.Waitlist = appendUniqueId(game.Waitlist, event.UserId)
	} else {
		game.Waitlist = removeId(game.Waitlist, event.UserId)
		game.Participants = appendUniqueId(game.Participants, event.UserId)
	}

	game.CurrentPlayers = len(game.Participants)
	game.Version = event.Version
	self.store.put(game, ChangeTypeUpdated)
	return true
}

func (self *Reducer) applyGameLeft(event *GameLeftEvent) bool {
	stored := self.getGame(event.GameId, event.Version)
	if stored == nil {
		return false
	}
	game := stored.Clone().(*Game)

	if event.Participants != nil || event.Waitlist != nil {
		if event.Participants != nil {
			game.Participants = slices.Clone(event.Participants)
		}
		if event.Waitlist != nil {
			game.Waitlist = slices.Clone(event.Waitlist)
		}
	} else {
		game.Participants = removeId(game.Participants, event.UserId)
		game.Waitlist = removeId(game.Waitlist, event.UserId)
	}

	game.CurrentPlayers = len(game.Participants)
	game.Version = event.Version
	self.store.put(game, ChangeTypeUpdated)
	return true
}

// deleting a series also removes its listed game references
func (self *Reducer) applySeriesDeleted(event *SeriesDeletedEvent) bool {
	stored, _ := self.store.Get(EntityKindSeries, event.SeriesId).(*Series)
	applied := self.applyDeleted(EntityKindSeries, event.SeriesId)
	if stored != nil {
		for _, gameId := range stored.GameIds {
			if self.applyDeleted(EntityKindGame, gameId) {
				applied = true
			}
		}
	}
	return applied
}

func (self *Reducer) applySeriesMembership(seriesId Id, version Version, userId Id, subscribed bool) bool {
	stored, ok := self.store.Get(EntityKindSeries, seriesId).(*Series)
	if !ok || stored == nil {
		glog.V(2).Infof("[reduce]drop event for unknown series %s\n", seriesId)
		return false
	}
	if version <= stored.Version {
		return false
	}
	series := stored.Clone().(*Series)
	if subscribed {
		series.Subscribers = appendUniqueId(series.Subscribers, userId)
	} else {
		series.Subscribers = removeId(series.Subscribers, userId)
	}
	series.Version = version
	self.store.put(series, ChangeTypeUpdated)
	return true
}

func (self *Reducer) applyMessageNew(event *MessageNewEvent) bool {
	return self.applyCreated(event.Message.Clone())
}

func (self *Reducer) getMessage(messageId Id, version Version) *ChatMessage {
	stored, ok := self.store.Get(EntityKindMessage, messageId).(*ChatMessage)
	if !ok || stored == nil {
		glog.V(2).Infof("[reduce]drop event for unknown message %s\n", messageId)
		return nil
	}
	if version <= stored.Version {
		return nil
	}
	return stored
}

func (self *Reducer) applyMessageEdited(event *MessageEditedEvent) bool {
	stored := self.getMessage(event.MessageId, event.Version)
	if stored == nil || stored.Deleted {
		return false
	}
	message := stored.Clone().(*ChatMessage)
	message.Text = event.Text
	message.Edited = true
	message.Version = event.Version
	self.store.put(message, ChangeTypeUpdated)
	return true
}

// a deleted message keeps its id and position as a tombstone. when the
// delete arrives before the message itself (e.g. before a baseline fetch
// completes), a bare tombstone is created so the late-arriving copy can
// never resurrect the payload.
func (self *Reducer) applyMessageDeleted(event *MessageDeletedEvent) bool {
	stored, _ := self.store.Get(EntityKindMessage, event.MessageId).(*ChatMessage)

	var message *ChatMessage
	if stored != nil {
		if stored.Deleted {
			return false
		}
		message = stored.Clone().(*ChatMessage)
		// deletion wins even over a newer stored version
		if message.Version < event.Version {
			message.Version = event.Version
		}
	} else {
		message = &ChatMessage{
			MessageId: event.MessageId,
			RoomId:    event.RoomId,
			Version:   event.Version,
			Status:    MessageStatusSent,
		}
	}
	message.Tombstone()

	// record the terminal delete so baseline merges skip this id, but
	// keep the tombstone entry in place of the store removal
	self.store.stateLock.Lock()
	kindDeleted, ok := self.store.deleted[EntityKindMessage]
	if !ok {
		kindDeleted = map[Id]bool{}
		self.store.deleted[EntityKindMessage] = kindDeleted
	}
	kindDeleted[event.MessageId] = true
	self.store.stateLock.Unlock()

	if stored != nil {
		self.store.put(message, ChangeTypeUpdated)
	} else {
		self.store.put(message, ChangeTypeCreated)
	}
	return true
}

// reactions are idempotent per (user, emoji): re-adding is a no-op and
// removing an absent reaction is a no-op
func (self *Reducer) applyMessageReacted(event *MessageReactedEvent) bool {
	stored := self.getMessage(event.MessageId, event.Version)
	if stored == nil || stored.Deleted {
		return false
	}

	message := stored.Clone().(*ChatMessage)
	if event.Added {
		if message.HasReaction(event.Emoji, event.UserId) {
			return false
		}
		if message.Reactions == nil {
			message.Reactions = map[string][]Id{}
		}
		message.Reactions[event.Emoji] = append(message.Reactions[event.Emoji], event.UserId)
	} else {
		if !message.HasReaction(event.Emoji, event.UserId) {
			return false
		}
		message.Reactions[event.Emoji] = removeId(message.Reactions[event.Emoji], event.UserId)
		if len(message.Reactions[event.Emoji]) == 0 {
			delete(message.Reactions, event.Emoji)
		}
	}
	message.Version = event.Version
	self.store.put(message, ChangeTypeUpdated)
	return true
}

// the read flag is monotonic. false -> true only; no delta reverts it.
func (self *Reducer) applyNotificationRead(event *NotificationReadEvent) bool {
	stored, ok := self.store.Get(EntityKindNotification, event.NotificationId).(*Notification)
	if !ok || stored == nil {
		glog.V(2).Infof("[reduce]drop event for unknown notification %s\n", event.NotificationId)
		return false
	}
	if event.Version <= stored.Version || stored.Read {
		return false
	}
	notification := stored.Clone().(*Notification)
	notification.Read = true
	notification.Version = event.Version
	self.store.put(notification, ChangeTypeUpdated)
	return true
}
