package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub(nil)

	_, ch1 := hub.Subscribe()
	_, ch2 := hub.Subscribe()
	assert.Equal(t, 2, hub.SubscriberCount())

	hub.Publish(EventProgress, map[string]int{"file_id": 1})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventProgress, ev.Type)
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.Timestamp.IsZero())
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(nil)

	id, ch := hub.Subscribe()
	hub.Unsubscribe(id)
	assert.Zero(t, hub.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Unsubscribing twice is harmless.
	hub.Unsubscribe(id)
}

func TestHub_SlowSubscriberDropsEventsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(nil)

	_, ch := hub.Subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(EventProgress, i)
	}

	// The buffer holds the first events; the overflow was dropped.
	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBuffer, received)
}

func TestEvent_Encode(t *testing.T) {
	hub := NewHub(nil)
	_, ch := hub.Subscribe()

	hub.Publish(EventCompleted, map[string]interface{}{"file_id": 7})
	ev := <-ch

	data, err := ev.Encode()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, string(EventCompleted), decoded["type"])
	assert.Equal(t, ev.ID, decoded["id"])
}
