package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

var ErrRegistrationClosed = errors.New("registration is not open for this game")
var ErrGameFull = errors.New("game is full and has no waitlist")
var ErrNotJoined = errors.New("not joined to this game")

type SyncClientSettings struct {
	Channel    *ChannelClientSettings
	Optimistic *OptimisticTrackerSettings
	// location for wall-clock derived filters such as "only future games"
	Location *time.Location
}

func DefaultSyncClientSettings() *SyncClientSettings {
	return &SyncClientSettings{
		Channel:    DefaultChannelClientSettings(),
		Optimistic: DefaultOptimisticTrackerSettings(),
		Location:   time.Local,
	}
}

// the assembled synchronization loop:
// baseline loader seeds the store, the channel streams deltas, the
// reducer folds them in and the store notifies projections. the
// optimistic tracker sits beside the loop injecting provisional state
// that the authoritative response or delta supersedes.
//
// projections opened through the client are re-baselined automatically
// after a connection gap and must be closed through `CloseProjection`.
type SyncClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	tokenProvider TokenProvider

	store   *Store
	reducer *Reducer
	tracker *OptimisticTracker
	api     *PitchsideApi
	loader  *BaselineLoader
	channel *ChannelClient

	settings *SyncClientSettings

	stateLock sync.Mutex
	// active projections and their teardown, keyed by the projection
	projections map[*Projection]func()
	userId      Id
	userIdSet   bool
}

func NewSyncClientWithDefaults(
	ctx context.Context,
	apiUrl string,
	channelUrl string,
	tokenProvider TokenProvider,
) *SyncClient {
	return NewSyncClient(ctx, apiUrl, channelUrl, tokenProvider, DefaultSyncClientSettings())
}

func NewSyncClient(
	ctx context.Context,
	apiUrl string,
	channelUrl string,
	tokenProvider TokenProvider,
	settings *SyncClientSettings,
) *SyncClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	store := NewStore()
	api := NewPitchsideApiWithContext(cancelCtx, apiUrl, tokenProvider)

	client := &SyncClient{
		ctx:           cancelCtx,
		cancel:        cancel,
		tokenProvider: tokenProvider,
		store:         store,
		reducer:       NewReducer(store),
		tracker:       NewOptimisticTracker(cancelCtx, store, settings.Optimistic),
		api:           api,
		loader:        NewBaselineLoader(api),
		channel:       NewChannelClient(cancelCtx, channelUrl, tokenProvider, settings.Channel),
		settings:      settings,
		projections:   map[*Projection]func(){},
	}

	client.channel.AddEventCallback(client.receiveEvent)
	client.channel.AddGapCallback(client.repairAfterGap)

	return client
}

func (self *SyncClient) Store() *Store {
	return self.store
}

func (self *SyncClient) Api() *PitchsideApi {
	return self.api
}

func (self *SyncClient) Status() ConnectionStatus {
	return self.channel.Status()
}

func (self *SyncClient) AddStatusCallback(statusCallback StatusFunction) func() {
	return self.channel.AddStatusCallback(statusCallback)
}

// typed handler passthrough, e.g. for typing indicators
func (self *SyncClient) On(eventType EventType, eventCallback EventFunction) func() {
	return self.channel.On(eventType, eventCallback)
}

// blocks until the channel is live, the given context ends, or the
// client closes
func (self *SyncClient) AwaitLive(ctx context.Context) error {
	return self.channel.AwaitStatus(ctx, ConnectionStatus.IsLive)
}

// the session identity, parsed once from the bearer token
func (self *SyncClient) UserId() (Id, error) {
	self.stateLock.Lock()
	if self.userIdSet {
		userId := self.userId
		self.stateLock.Unlock()
		return userId, nil
	}
	self.stateLock.Unlock()

	token, err := self.tokenProvider()
	if err != nil {
		return Id{}, err
	}
	claims, err := ParseSessionClaimsUnverified(token)
	if err != nil {
		return Id{}, err
	}

	self.stateLock.Lock()
	self.userId = claims.UserId
	self.userIdSet = true
	self.stateLock.Unlock()
	return claims.UserId, nil
}

// every inbound event flows through the reducer; a client correlation
// token on the event then resolves the matching optimistic mutation.
// the authoritative state is applied before the provisional entry is
// released so the ui never sees a flicker to the pre-mutation state.
func (self *SyncClient) receiveEvent(event Event) {
	self.reducer.Apply(event)

	if token := eventClientToken(event); token != "" {
		self.tracker.Confirm(token)
	}
}

func eventClientToken(event Event) string {
	switch v := event.(type) {
	case *GameJoinedEvent:
		return v.ClientToken
	case *GameLeftEvent:
		return v.ClientToken
	case *SeriesSubscribedEvent:
		return v.ClientToken
	case *SeriesUnsubscribedEvent:
		return v.ClientToken
	case *MessageNewEvent:
		return v.ClientToken
	default:
		return ""
	}
}

// reconnect is a potential gap: events pushed while disconnected were
// lost, so every active projection's scope is re-baselined
func (self *SyncClient) repairAfterGap() {
	self.stateLock.Lock()
	projections := make([]*Projection, 0, len(self.projections))
	for projection := range self.projections {
		projections = append(projections, projection)
	}
	self.stateLock.Unlock()

	glog.Infof("[sync]gap detected, re-baselining %d projections\n", len(projections))
	for _, projection := range projections {
		projection.Refresh(nil)
	}
}

// games on one date, soonest first, future games only
func (self *SyncClient) OpenGamesByDate(date string, callback func(err error)) *Projection {
	projection := NewProjectionWithDefaults(
		self.ctx,
		self.store,
		EntityKindGame,
		func(entity Entity) bool {
			game := entity.(*Game)
			return game.Date == date && self.isFutureGame(game)
		},
		compareGamesByStart,
		self.loader.GamesByDate(date),
	)
	self.register(projection, nil)
	projection.Refresh(callback)
	return projection
}

func (self *SyncClient) OpenGamesByCity(city string, callback func(err error)) *Projection {
	projection := NewProjectionWithDefaults(
		self.ctx,
		self.store,
		EntityKindGame,
		func(entity Entity) bool {
			game := entity.(*Game)
			return game.City == city && self.isFutureGame(game)
		},
		compareGamesByStart,
		self.loader.GamesByCity(city),
	)
	self.register(projection, nil)
	projection.Refresh(callback)
	return projection
}

// games the user joined or is waitlisted for
func (self *SyncClient) OpenMyGames(userId Id, callback func(err error)) *Projection {
	projection := NewProjectionWithDefaults(
		self.ctx,
		self.store,
		EntityKindGame,
		func(entity Entity) bool {
			game := entity.(*Game)
			return (game.HasParticipant(userId) || game.HasWaitlisted(userId)) && self.isFutureGame(game)
		},
		compareGamesByStart,
		self.loader.GamesByCity(""),
	)
	self.register(projection, nil)
	projection.Refresh(callback)
	return projection
}

func (self *SyncClient) OpenSeries(callback func(err error)) *Projection {
	projection := NewProjectionWithDefaults(
		self.ctx,
		self.store,
		EntityKindSeries,
		func(entity Entity) bool {
			return true
		},
		func(a Entity, b Entity) int {
			return int(a.EntityVersion() - b.EntityVersion())
		},
		self.loader.Series(),
	)
	self.register(projection, nil)
	projection.Refresh(callback)
	return projection
}

// messages in one room, oldest first. joins the room topic and leaves
// it again when this is the last projection over the room.
func (self *SyncClient) OpenRoomMessages(roomId Id, callback func(err error)) *Projection {
	projection := NewProjectionWithDefaults(
		self.ctx,
		self.store,
		EntityKindMessage,
		func(entity Entity) bool {
			message := entity.(*ChatMessage)
			return message.RoomId == roomId
		},
		func(a Entity, b Entity) int {
			return a.(*ChatMessage).CreatedAt.Compare(b.(*ChatMessage).CreatedAt)
		},
		self.loader.RoomMessages(roomId),
	)
	self.channel.JoinTopic(roomId)
	self.register(projection, func() {
		self.channel.LeaveTopic(roomId)
	})
	projection.Refresh(callback)
	return projection
}

func (self *SyncClient) OpenNotifications(callback func(err error)) *Projection {
	projection := NewProjectionWithDefaults(
		self.ctx,
		self.store,
		EntityKindNotification,
		func(entity Entity) bool {
			return true
		},
		func(a Entity, b Entity) int {
			// newest first
			return b.(*Notification).CreatedAt.Compare(a.(*Notification).CreatedAt)
		},
		self.loader.Notifications(),
	)
	self.register(projection, nil)
	projection.Refresh(callback)
	return projection
}

func (self *SyncClient) register(projection *Projection, teardown func()) {
	self.stateLock.Lock()
	self.projections[projection] = teardown
	self.stateLock.Unlock()
}

// closes a projection opened through this client: unsubscribes it,
// leaves its topic when it was the last consumer, and evicts entities
// of its kind no longer covered by any active projection
func (self *SyncClient) CloseProjection(projection *Projection) {
	self.stateLock.Lock()
	teardown, ok := self.projections[projection]
	delete(self.projections, projection)
	remaining := make([]*Projection, 0, len(self.projections))
	for other := range self.projections {
		if other.Kind() == projection.Kind() {
			remaining = append(remaining, other)
		}
	}
	self.stateLock.Unlock()

	if !ok {
		return
	}

	projection.Close()
	if teardown != nil {
		teardown()
	}

	evicted := self.store.EvictUnmatched(projection.Kind(), func(entity Entity) bool {
		for _, other := range remaining {
			if other.Contains(entity.EntityId()) {
				return true
			}
		}
		return false
	})
	if 0 < evicted {
		glog.V(1).Infof("[sync]evicted %d %s entities\n", evicted, projection.Kind())
	}
}

func (self *SyncClient) isFutureGame(game *Game) bool {
	endsAt, err := game.EndsAt(self.settings.Location)
	if err != nil {
		// keep games with unparseable times rather than hiding them
		return true
	}
	return !endsAt.Before(time.Now())
}

func compareGamesByStart(a Entity, b Entity) int {
	gameA := a.(*Game)
	gameB := b.(*Game)
	if c := compareStrings(gameA.Date, gameB.Date); c != 0 {
		return c
	}
	return compareStrings(gameA.Time, gameB.Time)
}

func compareStrings(a string, b string) int {
	if a < b {
		return -1
	} else if b < a {
		return 1
	}
	return 0
}

// join a game optimistically. the visual effect is immediate; the
// returned token resolves through `callback` when the server confirms,
// rejects, or the bounded wait expires.
func (self *SyncClient) JoinGame(gameId Id, callback MutationFunction) (string, error) {
	userId, err := self.UserId()
	if err != nil {
		return "", err
	}

	if stored, ok := self.store.Get(EntityKindGame, gameId).(*Game); ok && stored != nil {
		if !stored.RegistrationOpen(time.Now()) {
			return "", ErrRegistrationClosed
		}
		if stored.IsFull() && !stored.Lottery.Enabled && !stored.Lottery.Pending {
			return "", ErrGameFull
		}
	}

	token, err := self.tracker.Begin(
		EntityKindGame,
		MutationActionJoin,
		userId,
		gameId,
		func(prior Entity) Entity {
			if prior == nil {
				return nil
			}
			game := prior.(*Game)
			game.Waitlist = removeId(game.Waitlist, userId)
			game.Participants = appendUniqueId(game.Participants, userId)
			game.CurrentPlayers = len(game.Participants)
			return game
		},
		callback,
	)
	if err != nil {
		return "", err
	}

	self.api.JoinGame(
		&JoinGameArgs{
			GameId:      gameId,
			ClientToken: token,
		},
		NewApiCallback[*JoinGameResult](func(result *JoinGameResult, err error) {
			self.resolveMutation(token, entityOrNil(result != nil && result.Game != nil, func() Entity { return result.Game }), mutationError(result, err))
		}),
	)

	return token, nil
}

func (self *SyncClient) LeaveGame(gameId Id, callback MutationFunction) (string, error) {
	userId, err := self.UserId()
	if err != nil {
		return "", err
	}

	if stored, ok := self.store.Get(EntityKindGame, gameId).(*Game); ok && stored != nil {
		if !stored.HasParticipant(userId) && !stored.HasWaitlisted(userId) {
			return "", ErrNotJoined
		}
	}

	token, err := self.tracker.Begin(
		EntityKindGame,
		MutationActionLeave,
		userId,
		gameId,
		func(prior Entity) Entity {
			if prior == nil {
				return nil
			}
			game := prior.(*Game)
			game.Participants = removeId(game.Participants, userId)
			game.Waitlist = removeId(game.Waitlist, userId)
			game.CurrentPlayers = len(game.Participants)
			return game
		},
		callback,
	)
	if err != nil {
		return "", err
	}

	self.api.LeaveGame(
		&LeaveGameArgs{
			GameId:      gameId,
			ClientToken: token,
		},
		NewApiCallback[*LeaveGameResult](func(result *LeaveGameResult, err error) {
			self.resolveMutation(token, entityOrNil(result != nil && result.Game != nil, func() Entity { return result.Game }), mutationError(result, err))
		}),
	)

	return token, nil
}

// send a chat message. the provisional message carries a client-local
// id that is dropped once the server-assigned message arrives.
func (self *SyncClient) SendMessage(roomId Id, text string, replyToId *Id, callback MutationFunction) (string, error) {
	userId, err := self.UserId()
	if err != nil {
		return "", err
	}

	localMessageId := NewId()
	token, err := self.tracker.Begin(
		EntityKindMessage,
		MutationActionSendMessage,
		userId,
		localMessageId,
		func(prior Entity) Entity {
			return &ChatMessage{
				MessageId: localMessageId,
				RoomId:    roomId,
				SenderId:  userId,
				Text:      text,
				CreatedAt: time.Now(),
				Status:    MessageStatusSent,
				ReplyToId: replyToId,
			}
		},
		callback,
	)
	if err != nil {
		return "", err
	}

	self.api.SendMessage(
		&SendMessageArgs{
			RoomId:      roomId,
			Text:        text,
			ReplyToId:   replyToId,
			ClientToken: token,
		},
		NewApiCallback[*SendMessageResult](func(result *SendMessageResult, err error) {
			self.resolveMutation(token, entityOrNil(result != nil && result.Message != nil, func() Entity { return result.Message }), mutationError(result, err))
		}),
	)

	return token, nil
}

func (self *SyncClient) EditMessage(messageId Id, text string, callback MutationFunction) (string, error) {
	userId, err := self.UserId()
	if err != nil {
		return "", err
	}

	token, err := self.tracker.Begin(
		EntityKindMessage,
		MutationActionEditMessage,
		userId,
		messageId,
		func(prior Entity) Entity {
			if prior == nil {
				return nil
			}
			message := prior.(*ChatMessage)
			if message.Deleted {
				return message
			}
			message.Text = text
			message.Edited = true
			return message
		},
		callback,
	)
	if err != nil {
		return "", err
	}

	self.api.EditMessage(
		&EditMessageArgs{
			MessageId:   messageId,
			Text:        text,
			ClientToken: token,
		},
		NewApiCallback[*EditMessageResult](func(result *EditMessageResult, err error) {
			self.resolveMutation(token, entityOrNil(result != nil && result.Message != nil, func() Entity { return result.Message }), mutationError(result, err))
		}),
	)

	return token, nil
}

func (self *SyncClient) DeleteMessage(messageId Id, callback MutationFunction) (string, error) {
	userId, err := self.UserId()
	if err != nil {
		return "", err
	}

	token, err := self.tracker.Begin(
		EntityKindMessage,
		MutationActionDeleteMessage,
		userId,
		messageId,
		func(prior Entity) Entity {
			if prior == nil {
				return nil
			}
			message := prior.(*ChatMessage)
			message.Tombstone()
			return message
		},
		callback,
	)
	if err != nil {
		return "", err
	}

	self.api.DeleteMessage(
		&DeleteMessageArgs{
			MessageId:   messageId,
			ClientToken: token,
		},
		NewApiCallback[*DeleteMessageResult](func(result *DeleteMessageResult, err error) {
			self.resolveMutation(token, nil, mutationError(result, err))
		}),
	)

	return token, nil
}

// toggles a reaction. adding an already-present (user, emoji) pair
// removes it.
func (self *SyncClient) ReactMessage(messageId Id, emoji string, callback MutationFunction) (string, error) {
	userId, err := self.UserId()
	if err != nil {
		return "", err
	}

	added := true
	if stored, ok := self.store.Get(EntityKindMessage, messageId).(*ChatMessage); ok && stored != nil {
		added = !stored.HasReaction(emoji, userId)
	}

	token, err := self.tracker.Begin(
		EntityKindMessage,
		MutationActionReact,
		userId,
		messageId,
		func(prior Entity) Entity {
			if prior == nil {
				return nil
			}
			message := prior.(*ChatMessage)
			if message.Deleted {
				return message
			}
			if added {
				if message.Reactions == nil {
					message.Reactions = map[string][]Id{}
				}
				message.Reactions[emoji] = appendUniqueId(message.Reactions[emoji], userId)
			} else {
				message.Reactions[emoji] = removeId(message.Reactions[emoji], userId)
				if len(message.Reactions[emoji]) == 0 {
					delete(message.Reactions, emoji)
				}
			}
			return message
		},
		callback,
	)
	if err != nil {
		return "", err
	}

	self.api.ReactMessage(
		&ReactMessageArgs{
			MessageId:   messageId,
			Emoji:       emoji,
			Added:       added,
			ClientToken: token,
		},
		NewApiCallback[*ReactMessageResult](func(result *ReactMessageResult, err error) {
			self.resolveMutation(token, entityOrNil(result != nil && result.Message != nil, func() Entity { return result.Message }), mutationError(result, err))
		}),
	)

	return token, nil
}

func (self *SyncClient) SubscribeSeries(seriesId Id, subscribe bool, callback MutationFunction) (string, error) {
	userId, err := self.UserId()
	if err != nil {
		return "", err
	}

	action := MutationActionSubscribe
	if !subscribe {
		action = MutationActionUnsubscribe
	}

	token, err := self.tracker.Begin(
		EntityKindSeries,
		action,
		userId,
		seriesId,
		func(prior Entity) Entity {
			if prior == nil {
				return nil
			}
			series := prior.(*Series)
			if subscribe {
				series.Subscribers = appendUniqueId(series.Subscribers, userId)
			} else {
				series.Subscribers = removeId(series.Subscribers, userId)
			}
			return series
		},
		callback,
	)
	if err != nil {
		return "", err
	}

	self.api.SubscribeSeries(
		&SubscribeSeriesArgs{
			SeriesId:    seriesId,
			Subscribe:   subscribe,
			ClientToken: token,
		},
		NewApiCallback[*SubscribeSeriesResult](func(result *SubscribeSeriesResult, err error) {
			self.resolveMutation(token, entityOrNil(result != nil && result.Series != nil, func() Entity { return result.Series }), mutationError(result, err))
		}),
	)

	return token, nil
}

func (self *SyncClient) MarkNotificationRead(notificationId Id, callback MutationFunction) (string, error) {
	userId, err := self.UserId()
	if err != nil {
		return "", err
	}

	token, err := self.tracker.Begin(
		EntityKindNotification,
		MutationActionMarkRead,
		userId,
		notificationId,
		func(prior Entity) Entity {
			if prior == nil {
				return nil
			}
			notification := prior.(*Notification)
			notification.Read = true
			return notification
		},
		callback,
	)
	if err != nil {
		return "", err
	}

	self.api.MarkNotificationRead(
		&MarkNotificationReadArgs{
			NotificationId: notificationId,
		},
		NewApiCallback[*MarkNotificationReadResult](func(result *MarkNotificationReadResult, err error) {
			self.resolveMutation(token, entityOrNil(result != nil && result.Notification != nil, func() Entity { return result.Notification }), mutationError(result, err))
		}),
	)

	return token, nil
}

// advisory presence event. never stored, never retried.
func (self *SyncClient) SendTyping(roomId Id) {
	userId, err := self.UserId()
	if err != nil {
		return
	}
	self.channel.SendEvent(&TypingEvent{
		RoomId: roomId,
		UserId: userId,
	})
}

func (self *SyncClient) IsPending(action MutationAction, targetId Id) bool {
	userId, err := self.UserId()
	if err != nil {
		return false
	}
	return self.tracker.IsPending(action, userId, targetId)
}

// resolves one mutation round trip. on success the authoritative entity
// (when echoed) is floor-merged before the provisional entry is
// released; on any error the provisional state rolls back.
func (self *SyncClient) resolveMutation(token string, authoritative Entity, err error) {
	if err != nil {
		self.tracker.Fail(token, err)
		return
	}
	if authoritative != nil {
		self.store.MergeBaseline([]Entity{authoritative})
	}
	self.tracker.Confirm(token)
}

func entityOrNil(ok bool, entity func() Entity) Entity {
	if !ok {
		return nil
	}
	return entity()
}

type mutationResult interface {
	mutationError() *MutationError
}

func (self *JoinGameResult) mutationError() *MutationError             { return self.Error }
func (self *LeaveGameResult) mutationError() *MutationError            { return self.Error }
func (self *SendMessageResult) mutationError() *MutationError          { return self.Error }
func (self *EditMessageResult) mutationError() *MutationError          { return self.Error }
func (self *DeleteMessageResult) mutationError() *MutationError        { return self.Error }
func (self *ReactMessageResult) mutationError() *MutationError         { return self.Error }
func (self *SubscribeSeriesResult) mutationError() *MutationError      { return self.Error }
func (self *MarkNotificationReadResult) mutationError() *MutationError { return self.Error }

func mutationError[R mutationResult](result R, err error) error {
	if err != nil {
		return err
	}
	if mutationErr := result.mutationError(); mutationErr != nil {
		return mutationErr
	}
	return nil
}

func (self *SyncClient) Close() {
	self.stateLock.Lock()
	projections := make([]*Projection, 0, len(self.projections))
	for projection := range self.projections {
		projections = append(projections, projection)
	}
	self.stateLock.Unlock()

	for _, projection := range projections {
		self.CloseProjection(projection)
	}

	self.tracker.Close()
	self.channel.Close()
	self.api.Close()
	self.cancel()
}
