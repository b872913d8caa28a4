package realtime

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackListOrderAndRemoval(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	fired := []string{}
	aId := callbacks.Add(func() {
		fired = append(fired, "a")
	})
	callbacks.Add(func() {
		fired = append(fired, "b")
	})
	assert.Equal(t, 2, callbacks.Len())

	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, []string{"a", "b"}, fired)

	callbacks.Remove(aId)
	// removing twice is harmless
	callbacks.Remove(aId)
	assert.Equal(t, 1, callbacks.Len())

	fired = fired[0:0]
	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, []string{"b"}, fired)
}

// a callback may remove itself while the snapshot is being iterated
func TestCallbackListRemoveDuringIteration(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	fired := 0
	var firstId int
	firstId = callbacks.Add(func() {
		fired += 1
		callbacks.Remove(firstId)
	})
	callbacks.Add(func() {
		fired += 1
	})

	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, 2, fired)
	assert.Equal(t, 1, callbacks.Len())
}

func TestReconnectBackoff(t *testing.T) {
	reconnect := NewReconnect(1*time.Second, 5*time.Second)
	assert.Equal(t, 1*time.Second, reconnect.Timeout())

	reconnect.Next()
	assert.Equal(t, 2*time.Second, reconnect.Timeout())
	reconnect.Next()
	assert.Equal(t, 4*time.Second, reconnect.Timeout())
	reconnect.Next()
	assert.Equal(t, 5*time.Second, reconnect.Timeout())
	reconnect.Next()
	assert.Equal(t, 5*time.Second, reconnect.Timeout())
}

func TestMonitorNotifyAll(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatal("notified before NotifyAll")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	case <-time.After(1 * time.Second):
		t.Fatal("never notified")
	}

	// each notification round gets a fresh channel
	next := monitor.NotifyChannel()
	select {
	case <-next:
		t.Fatal("new channel already closed")
	default:
	}
}

func TestIdRoundTrip(t *testing.T) {
	id := NewId()
	assert.Equal(t, false, id.IsZero())

	parsed, err := ParseId(id.String())
	assert.Equal(t, nil, err)
	assert.Equal(t, id, parsed)

	_, err = ParseId("not-a-uuid")
	assert.NotEqual(t, nil, err)
}
