package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// events pushed by the server over the channel. the wire envelope is
// `{"type": ..., "payload": {...}}`. payloads are decoded into one
// concrete variant per type and validated at the channel ingress so
// the reducer only ever sees well-formed events.

type EventType string

const (
	EventTypeGameCreated EventType = "game.created"
	EventTypeGameUpdated EventType = "game.updated"
	EventTypeGameDeleted EventType = "game.deleted"
	EventTypeGameJoined  EventType = "game.joined"
	EventTypeGameLeft    EventType = "game.left"

	EventTypeSeriesCreated      EventType = "series.created"
	EventTypeSeriesUpdated      EventType = "series.updated"
	EventTypeSeriesDeleted      EventType = "series.deleted"
	EventTypeSeriesSubscribed   EventType = "series.subscribed"
	EventTypeSeriesUnsubscribed EventType = "series.unsubscribed"

	EventTypeMessageNew     EventType = "message.new"
	EventTypeMessageEdited  EventType = "message.edited"
	EventTypeMessageDeleted EventType = "message.deleted"
	EventTypeMessageReacted EventType = "message.reacted"

	EventTypeTyping EventType = "typing"

	EventTypeNotificationNew  EventType = "notification.new"
	EventTypeNotificationRead EventType = "notification.read"
)

type Event interface {
	Type() EventType
	// the entity the event targets. ephemeral events return the zero id.
	TargetId() Id
}

type eventEnvelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type MalformedEventError struct {
	EventType EventType
	Reason    string
}

func (self *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %s: %s", self.EventType, self.Reason)
}

func malformedEvent(eventType EventType, reason string) error {
	return &MalformedEventError{
		EventType: eventType,
		Reason:    reason,
	}
}

type GameCreatedEvent struct {
	Game *Game `json:"game"`
}

func (self *GameCreatedEvent) Type() EventType { return EventTypeGameCreated }
func (self *GameCreatedEvent) TargetId() Id    { return self.Game.GameId }

// partial update. nil fields keep the stored value.
type GamePatch struct {
	Date                *string       `json:"date,omitempty"`
	Time                *string       `json:"time,omitempty"`
	DurationMinutes     *int          `json:"duration_minutes,omitempty"`
	City                *string       `json:"city,omitempty"`
	MaxPlayers          *int          `json:"max_players,omitempty"`
	Lottery             *LotteryState `json:"lottery,omitempty"`
	RegistrationOpensAt *time.Time    `json:"registration_opens_at,omitempty"`
}

type GameUpdatedEvent struct {
	GameId  Id        `json:"game_id"`
	Version Version   `json:"version"`
	Patch   GamePatch `json:"patch"`
}

func (self *GameUpdatedEvent) Type() EventType { return EventTypeGameUpdated }
func (self *GameUpdatedEvent) TargetId() Id    { return self.GameId }

type GameDeletedEvent struct {
	GameIds []Id `json:"game_ids"`
}

func (self *GameDeletedEvent) Type() EventType { return EventTypeGameDeleted }
func (self *GameDeletedEvent) TargetId() Id {
	if len(self.GameIds) == 0 {
		return Id{}
	}
	return self.GameIds[0]
}

// server-confirmed membership change. when the full `Participants` and
// `Waitlist` are present they are authoritative; otherwise the reducer
// applies the set operation for `UserId`. counts are always recomputed
// from membership, never taken from the wire.
type GameJoinedEvent struct {
	GameId     Id      `json:"game_id"`
	Version    Version `json:"version"`
	UserId     Id      `json:"user_id"`
	Waitlisted bool    `json:"waitlisted"`

	Participants []Id `json:"participants,omitempty"`
	Waitlist     []Id `json:"waitlist,omitempty"`

	// echoed client correlation token, when the join was client-initiated
	ClientToken string `json:"client_token,omitempty"`
}

func (self *GameJoinedEvent) Type() EventType { return EventTypeGameJoined }
func (self *GameJoinedEvent) TargetId() Id    { return self.GameId }

type GameLeftEvent struct {
	GameId  Id      `json:"game_id"`
	Version Version `json:"version"`
	UserId  Id      `json:"user_id"`

	Participants []Id `json:"participants,omitempty"`
	Waitlist     []Id `json:"waitlist,omitempty"`

	ClientToken string `json:"client_token,omitempty"`
}

func (self *GameLeftEvent) Type() EventType { return EventTypeGameLeft }
func (self *GameLeftEvent) TargetId() Id    { return self.GameId }

type SeriesCreatedEvent struct {
	Series *Series `json:"series"`
}

func (self *SeriesCreatedEvent) Type() EventType { return EventTypeSeriesCreated }
func (self *SeriesCreatedEvent) TargetId() Id    { return self.Series.SeriesId }

type SeriesUpdatedEvent struct {
	Series *Series `json:"series"`
}

func (self *SeriesUpdatedEvent) Type() EventType { return EventTypeSeriesUpdated }
func (self *SeriesUpdatedEvent) TargetId() Id    { return self.Series.SeriesId }

type SeriesDeletedEvent struct {
	SeriesId Id `json:"series_id"`
}

func (self *SeriesDeletedEvent) Type() EventType { return EventTypeSeriesDeleted }
func (self *SeriesDeletedEvent) TargetId() Id    { return self.SeriesId }

type SeriesSubscribedEvent struct {
	SeriesId Id      `json:"series_id"`
	Version  Version `json:"version"`
	UserId   Id      `json:"user_id"`

	ClientToken string `json:"client_token,omitempty"`
}

func (self *SeriesSubscribedEvent) Type() EventType { return EventTypeSeriesSubscribed }
func (self *SeriesSubscribedEvent) TargetId() Id    { return self.SeriesId }

type SeriesUnsubscribedEvent struct {
	SeriesId Id      `json:"series_id"`
	Version  Version `json:"version"`
	UserId   Id      `json:"user_id"`

	ClientToken string `json:"client_token,omitempty"`
}

func (self *SeriesUnsubscribedEvent) Type() EventType { return EventTypeSeriesUnsubscribed }
func (self *SeriesUnsubscribedEvent) TargetId() Id    { return self.SeriesId }

type MessageNewEvent struct {
	Message *ChatMessage `json:"message"`

	ClientToken string `json:"client_token,omitempty"`
}

func (self *MessageNewEvent) Type() EventType { return EventTypeMessageNew }
func (self *MessageNewEvent) TargetId() Id    { return self.Message.MessageId }

type MessageEditedEvent struct {
	MessageId Id      `json:"message_id"`
	RoomId    Id      `json:"room_id"`
	Version   Version `json:"version"`
	Text      string  `json:"text"`
}

func (self *MessageEditedEvent) Type() EventType { return EventTypeMessageEdited }
func (self *MessageEditedEvent) TargetId() Id    { return self.MessageId }

type MessageDeletedEvent struct {
	MessageId Id      `json:"message_id"`
	RoomId    Id      `json:"room_id"`
	Version   Version `json:"version"`
}

func (self *MessageDeletedEvent) Type() EventType { return EventTypeMessageDeleted }
func (self *MessageDeletedEvent) TargetId() Id    { return self.MessageId }

type MessageReactedEvent struct {
	MessageId Id      `json:"message_id"`
	RoomId    Id      `json:"room_id"`
	Version   Version `json:"version"`
	UserId    Id      `json:"user_id"`
	Emoji     string  `json:"emoji"`
	// true adds the reaction, false removes it
	Added bool `json:"added"`
}

func (self *MessageReactedEvent) Type() EventType { return EventTypeMessageReacted }
func (self *MessageReactedEvent) TargetId() Id    { return self.MessageId }

// ephemeral. never stored, fanned out to handlers only.
type TypingEvent struct {
	RoomId Id `json:"room_id"`
	UserId Id `json:"user_id"`
}

func (self *TypingEvent) Type() EventType { return EventTypeTyping }
func (self *TypingEvent) TargetId() Id    { return Id{} }

type NotificationNewEvent struct {
	Notification *Notification `json:"notification"`
}

func (self *NotificationNewEvent) Type() EventType { return EventTypeNotificationNew }
func (self *NotificationNewEvent) TargetId() Id    { return self.Notification.NotificationId }

type NotificationReadEvent struct {
	NotificationId Id      `json:"notification_id"`
	Version        Version `json:"version"`
}

func (self *NotificationReadEvent) Type() EventType { return EventTypeNotificationRead }
func (self *NotificationReadEvent) TargetId() Id    { return self.NotificationId }

// decodes and validates one wire message into a typed event.
// unknown types and missing ids are rejected here so downstream code
// can switch exhaustively on the concrete variants.
func DecodeEvent(message []byte) (Event, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil, malformedEvent("", err.Error())
	}

	var event Event
	switch envelope.Type {
	case EventTypeGameCreated:
		event = &GameCreatedEvent{}
	case EventTypeGameUpdated:
		event = &GameUpdatedEvent{}
	case EventTypeGameDeleted:
		event = &GameDeletedEvent{}
	case EventTypeGameJoined:
		event = &GameJoinedEvent{}
	case EventTypeGameLeft:
		event = &GameLeftEvent{}
	case EventTypeSeriesCreated:
		event = &SeriesCreatedEvent{}
	case EventTypeSeriesUpdated:
		event = &SeriesUpdatedEvent{}
	case EventTypeSeriesDeleted:
		event = &SeriesDeletedEvent{}
	case EventTypeSeriesSubscribed:
		event = &SeriesSubscribedEvent{}
	case EventTypeSeriesUnsubscribed:
		event = &SeriesUnsubscribedEvent{}
	case EventTypeMessageNew:
		event = &MessageNewEvent{}
	case EventTypeMessageEdited:
		event = &MessageEditedEvent{}
	case EventTypeMessageDeleted:
		event = &MessageDeletedEvent{}
	case EventTypeMessageReacted:
		event = &MessageReactedEvent{}
	case EventTypeTyping:
		event = &TypingEvent{}
	case EventTypeNotificationNew:
		event = &NotificationNewEvent{}
	case EventTypeNotificationRead:
		event = &NotificationReadEvent{}
	default:
		return nil, malformedEvent(envelope.Type, "unknown event type")
	}

	if err := json.Unmarshal(envelope.Payload, event); err != nil {
		return nil, malformedEvent(envelope.Type, err.Error())
	}

	if err := validateEvent(event); err != nil {
		return nil, err
	}

	return event, nil
}

func EncodeEvent(event Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&eventEnvelope{
		Type:    event.Type(),
		Payload: payload,
	})
}

func validateEvent(event Event) error {
	switch v := event.(type) {
	case *GameCreatedEvent:
		if v.Game == nil || v.Game.GameId.IsZero() {
			return malformedEvent(event.Type(), "missing game")
		}
	case *GameDeletedEvent:
		if len(v.GameIds) == 0 {
			return malformedEvent(event.Type(), "missing game ids")
		}
	case *GameJoinedEvent:
		if v.GameId.IsZero() || v.UserId.IsZero() {
			return malformedEvent(event.Type(), "missing id")
		}
	case *GameLeftEvent:
		if v.GameId.IsZero() || v.UserId.IsZero() {
			return malformedEvent(event.Type(), "missing id")
		}
	case *SeriesCreatedEvent:
		if v.Series == nil || v.Series.SeriesId.IsZero() {
			return malformedEvent(event.Type(), "missing series")
		}
	case *SeriesUpdatedEvent:
		if v.Series == nil || v.Series.SeriesId.IsZero() {
			return malformedEvent(event.Type(), "missing series")
		}
	case *MessageNewEvent:
		if v.Message == nil || v.Message.MessageId.IsZero() || v.Message.RoomId.IsZero() {
			return malformedEvent(event.Type(), "missing message")
		}
	case *MessageReactedEvent:
		if v.MessageId.IsZero() || v.UserId.IsZero() || v.Emoji == "" {
			return malformedEvent(event.Type(), "missing reaction")
		}
	case *NotificationNewEvent:
		if v.Notification == nil || v.Notification.NotificationId.IsZero() {
			return malformedEvent(event.Type(), "missing notification")
		}
	case *TypingEvent:
		if v.RoomId.IsZero() || v.UserId.IsZero() {
			return malformedEvent(event.Type(), "missing id")
		}
	default:
		if event.TargetId().IsZero() {
			return malformedEvent(event.Type(), "missing id")
		}
	}
	return nil
}
