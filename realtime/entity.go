package realtime

import (
	"time"

	"golang.org/x/exp/slices"
)

type EntityKind string

const (
	EntityKindGame         EntityKind = "game"
	EntityKindSeries       EntityKind = "series"
	EntityKindMessage      EntityKind = "message"
	EntityKindNotification EntityKind = "notification"
)

func (self EntityKind) IsValid() bool {
	switch self {
	case EntityKindGame, EntityKindSeries, EntityKindMessage, EntityKindNotification:
		return true
	default:
		return false
	}
}

// one snapshot in the entity store.
// `Clone` must deep copy so that rollback snapshots are isolated from
// later mutation.
type Entity interface {
	EntityId() Id
	EntityKind() EntityKind
	EntityVersion() Version
	Clone() Entity
}

type LotteryState struct {
	Enabled bool       `json:"enabled"`
	Pending bool       `json:"pending"`
	DrawAt  *time.Time `json:"draw_at,omitempty"`
}

type Game struct {
	GameId   Id     `json:"game_id"`
	Version  Version `json:"version"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	DurationMinutes int `json:"duration_minutes"`
	City     string `json:"city,omitempty"`
	FieldId  *Id    `json:"field_id,omitempty"`

	MaxPlayers     int `json:"max_players"`
	CurrentPlayers int `json:"current_players"`

	// ordered, unique by user id. a user is never in both lists.
	Participants []Id `json:"participants"`
	Waitlist     []Id `json:"waitlist"`

	Lottery LotteryState `json:"lottery"`

	// nil means registration is not yet announced; joining is gated on this
	RegistrationOpensAt *time.Time `json:"registration_opens_at,omitempty"`

	SeriesId *Id `json:"series_id,omitempty"`
}

func (self *Game) EntityId() Id              { return self.GameId }
func (self *Game) EntityKind() EntityKind    { return EntityKindGame }
func (self *Game) EntityVersion() Version    { return self.Version }

func (self *Game) Clone() Entity {
	next := *self
	next.Participants = slices.Clone(self.Participants)
	next.Waitlist = slices.Clone(self.Waitlist)
	if self.FieldId != nil {
		fieldId := *self.FieldId
		next.FieldId = &fieldId
	}
	if self.SeriesId != nil {
		seriesId := *self.SeriesId
		next.SeriesId = &seriesId
	}
	if self.RegistrationOpensAt != nil {
		opensAt := *self.RegistrationOpensAt
		next.RegistrationOpensAt = &opensAt
	}
	if self.Lottery.DrawAt != nil {
		drawAt := *self.Lottery.DrawAt
		next.Lottery.DrawAt = &drawAt
	}
	return &next
}

func (self *Game) HasParticipant(userId Id) bool {
	return slices.Contains(self.Participants, userId)
}

func (self *Game) HasWaitlisted(userId Id) bool {
	return slices.Contains(self.Waitlist, userId)
}

func (self *Game) IsFull() bool {
	return self.MaxPlayers <= len(self.Participants)
}

// registration gates joinability. a nil opens-at means not joinable yet.
func (self *Game) RegistrationOpen(now time.Time) bool {
	return self.RegistrationOpensAt != nil && !now.Before(*self.RegistrationOpensAt)
}

// combined wall-clock start. the date and time fields are local to the
// game's field and compared in the given location.
func (self *Game) StartsAt(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", self.Date+" "+self.Time, loc)
}

func (self *Game) EndsAt(loc *time.Location) (time.Time, error) {
	startsAt, err := self.StartsAt(loc)
	if err != nil {
		return time.Time{}, err
	}
	return startsAt.Add(time.Duration(self.DurationMinutes) * time.Minute), nil
}

type Series struct {
	SeriesId Id      `json:"series_id"`
	Version  Version `json:"version"`

	// either a weekly day-of-week rule or an explicit date set
	Weekday *time.Weekday `json:"weekday,omitempty"`
	Dates   []string      `json:"dates,omitempty"`

	DefaultTime string `json:"default_time"`

	Subscribers []Id `json:"subscribers"`
	GameIds     []Id `json:"game_ids"`
}

func (self *Series) EntityId() Id           { return self.SeriesId }
func (self *Series) EntityKind() EntityKind { return EntityKindSeries }
func (self *Series) EntityVersion() Version { return self.Version }

func (self *Series) Clone() Entity {
	next := *self
	next.Dates = slices.Clone(self.Dates)
	next.Subscribers = slices.Clone(self.Subscribers)
	next.GameIds = slices.Clone(self.GameIds)
	if self.Weekday != nil {
		weekday := *self.Weekday
		next.Weekday = &weekday
	}
	return &next
}

func (self *Series) HasSubscriber(userId Id) bool {
	return slices.Contains(self.Subscribers, userId)
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusRejected  MessageStatus = "rejected"
)

type ChatMessage struct {
	MessageId Id      `json:"message_id"`
	Version   Version `json:"version"`
	RoomId    Id      `json:"room_id"`
	SenderId  Id      `json:"sender_id"`
	Text      string  `json:"text"`
	CreatedAt time.Time `json:"created_at"`

	Status  MessageStatus `json:"status"`
	Edited  bool          `json:"edited"`
	Deleted bool          `json:"deleted"`

	// emoji -> reacting user ids. idempotent per (user, emoji).
	Reactions map[string][]Id `json:"reactions,omitempty"`

	ReplyToId *Id `json:"reply_to_id,omitempty"`
}

func (self *ChatMessage) EntityId() Id           { return self.MessageId }
func (self *ChatMessage) EntityKind() EntityKind { return EntityKindMessage }
func (self *ChatMessage) EntityVersion() Version { return self.Version }

func (self *ChatMessage) Clone() Entity {
	next := *self
	if self.Reactions != nil {
		next.Reactions = map[string][]Id{}
		for emoji, userIds := range self.Reactions {
			next.Reactions[emoji] = slices.Clone(userIds)
		}
	}
	if self.ReplyToId != nil {
		replyToId := *self.ReplyToId
		next.ReplyToId = &replyToId
	}
	return &next
}

func (self *ChatMessage) HasReaction(emoji string, userId Id) bool {
	return slices.Contains(self.Reactions[emoji], userId)
}

// a deleted message keeps its id and position but the payload is emptied
func (self *ChatMessage) Tombstone() {
	self.Text = ""
	self.Deleted = true
	self.Edited = false
	self.Reactions = nil
	self.ReplyToId = nil
}

type Notification struct {
	NotificationId Id      `json:"notification_id"`
	Version        Version `json:"version"`
	Type           string  `json:"type"`
	Title          string  `json:"title"`
	Body           string  `json:"body,omitempty"`
	// monotonic. a delta never reverts true back to false.
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
	Link      map[string]string `json:"link,omitempty"`
}

func (self *Notification) EntityId() Id           { return self.NotificationId }
func (self *Notification) EntityKind() EntityKind { return EntityKindNotification }
func (self *Notification) EntityVersion() Version { return self.Version }

func (self *Notification) Clone() Entity {
	next := *self
	if self.Link != nil {
		next.Link = map[string]string{}
		for k, v := range self.Link {
			next.Link[k] = v
		}
	}
	return &next
}

func appendUniqueId(ids []Id, id Id) []Id {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

func removeId(ids []Id, id Id) []Id {
	i := slices.Index(ids, id)
	if i < 0 {
		return ids
	}
	return slices.Delete(ids, i, i+1)
}
