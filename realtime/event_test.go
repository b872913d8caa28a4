package realtime

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDecodeEventGameJoined(t *testing.T) {
	gameId := NewId()
	userId := NewId()
	message := []byte(fmt.Sprintf(
		`{"type": "game.joined", "payload": {"game_id": "%s", "version": 4, "user_id": "%s", "waitlisted": true, "client_token": "abc-123"}}`,
		gameId,
		userId,
	))

	event, err := DecodeEvent(message)
	assert.Equal(t, nil, err)

	joined := event.(*GameJoinedEvent)
	assert.Equal(t, EventTypeGameJoined, joined.Type())
	assert.Equal(t, gameId, joined.GameId)
	assert.Equal(t, userId, joined.UserId)
	assert.Equal(t, Version(4), joined.Version)
	assert.Equal(t, true, joined.Waitlisted)
	assert.Equal(t, "abc-123", joined.ClientToken)
	assert.Equal(t, 0, len(joined.Participants))
}

func TestDecodeEventPatchOmitsUnsetFields(t *testing.T) {
	gameId := NewId()
	message := []byte(fmt.Sprintf(
		`{"type": "game.updated", "payload": {"game_id": "%s", "version": 2, "patch": {"city": "madrid"}}}`,
		gameId,
	))

	event, err := DecodeEvent(message)
	assert.Equal(t, nil, err)

	updated := event.(*GameUpdatedEvent)
	assert.Equal(t, "madrid", *updated.Patch.City)
	assert.Equal(t, (*string)(nil), updated.Patch.Time)
	assert.Equal(t, (*int)(nil), updated.Patch.MaxPlayers)
	assert.Equal(t, (*LotteryState)(nil), updated.Patch.Lottery)
}

func TestDecodeEventUnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type": "game.exploded", "payload": {}}`))
	malformed := err.(*MalformedEventError)
	assert.Equal(t, EventType("game.exploded"), malformed.EventType)
}

func TestDecodeEventMissingIds(t *testing.T) {
	for _, message := range []string{
		`{"type": "game.joined", "payload": {"version": 4, "user_id": "` + NewId().String() + `"}}`,
		`{"type": "game.deleted", "payload": {"game_ids": []}}`,
		`{"type": "message.new", "payload": {"message": {"message_id": "` + NewId().String() + `"}}}`,
		`{"type": "message.reacted", "payload": {"message_id": "` + NewId().String() + `", "user_id": "` + NewId().String() + `", "emoji": ""}}`,
		`{"type": "notification.read", "payload": {"version": 1}}`,
	} {
		_, err := DecodeEvent([]byte(message))
		assert.NotEqual(t, nil, err)
	}
}

func TestDecodeEventNotJson(t *testing.T) {
	_, err := DecodeEvent([]byte(`not json`))
	assert.NotEqual(t, nil, err)
}

func TestEncodeDecodeEvent(t *testing.T) {
	messageId := NewId()
	roomId := NewId()
	userId := NewId()

	out := &MessageReactedEvent{
		MessageId: messageId,
		RoomId:    roomId,
		Version:   9,
		UserId:    userId,
		Emoji:     "⚽",
		Added:     true,
	}

	message, err := EncodeEvent(out)
	assert.Equal(t, nil, err)

	event, err := DecodeEvent(message)
	assert.Equal(t, nil, err)
	assert.Equal(t, out, event.(*MessageReactedEvent))
}

func TestTypingEventEphemeral(t *testing.T) {
	event, err := DecodeEvent([]byte(fmt.Sprintf(
		`{"type": "typing", "payload": {"room_id": "%s", "user_id": "%s"}}`,
		NewId(),
		NewId(),
	)))
	assert.Equal(t, nil, err)
	assert.Equal(t, Id{}, event.TargetId())
}
