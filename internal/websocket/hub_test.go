package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/audiogen/internal/model"
)

func TestHub_PublishReachesJobSubscribers(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	watcher := &Client{JobID: "job-1", Send: make(chan []byte, 4)}
	other := &Client{JobID: "job-2", Send: make(chan []byte, 4)}
	h.Register(watcher)
	h.Register(other)
	require.Eventually(t, func() bool { return h.Subscribers("job-1") == 1 }, time.Second, 5*time.Millisecond)

	h.Publish(model.JobEvent{Seq: 42, JobID: "job-1", Type: model.EventStarted})

	select {
	case data := <-watcher.Send:
		var msg model.WSEventMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, model.WSMessageTypeEvent, msg.Type)
		assert.Equal(t, "job-1", msg.JobID)
		assert.Equal(t, model.EventStarted, msg.Event.Type)
		assert.EqualValues(t, 42, msg.Event.Seq)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case <-other.Send:
		t.Fatal("event leaked to another job")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	c := &Client{JobID: "job-1", Send: make(chan []byte, 1)}
	h.Register(c)
	h.Unregister(c)

	require.Eventually(t, func() bool { return h.Subscribers("job-1") == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-c.Send
	assert.False(t, open)
}

func TestHub_PublishWithoutRunDoesNotBlock(t *testing.T) {
	h := NewHub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			h.Publish(model.JobEvent{JobID: "job-1", Type: model.EventProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
}
