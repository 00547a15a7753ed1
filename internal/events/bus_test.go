package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRoutesByTopic(t *testing.T) {
	bus := NewBus()
	taskCh, _ := bus.Subscribe(TopicTask, 4)
	queueCh, _ := bus.Subscribe(TopicQueue, 4)
	allCh, _ := bus.Subscribe("", 4)

	bus.Publish(Event{Topic: TopicTask, TaskID: "t1", Type: "task_created"})

	select {
	case evt := <-taskCh:
		assert.Equal(t, "t1", evt.TaskID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("task subscriber did not receive event")
	}
	select {
	case evt := <-allCh:
		assert.Equal(t, TopicTask, evt.Topic)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive event")
	}
	select {
	case evt := <-queueCh:
		t.Fatalf("queue subscriber got unexpected event %+v", evt)
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := NewBus()
	dropped := 0
	bus.OnDrop(func(string) { dropped++ })
	ch, _ := bus.Subscribe(TopicTask, 1)

	bus.Publish(Event{Topic: TopicTask, Type: "a"})
	bus.Publish(Event{Topic: TopicTask, Type: "b"})

	evt := <-ch
	assert.Equal(t, "a", evt.Type)
	assert.Equal(t, 1, dropped)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(TopicTask, 1)
	require.Equal(t, 1, bus.SubscriberCount())

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, bus.SubscriberCount())
	bus.Publish(Event{Topic: TopicTask})
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("", 1)

	bus.Close()
	bus.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := bus.Subscribe(TopicTask, 1)
	_, ok = <-late
	assert.False(t, ok, "subscribing after Close returns a closed channel")
	bus.Publish(Event{Topic: TopicTask})
}

func TestEventWireFieldsAreCamelCase(t *testing.T) {
	raw, err := json.Marshal(Event{
		Topic:     TopicTask,
		TaskID:    "t1",
		Type:      "task_created",
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "t1", fields["taskId"])
	assert.NotContains(t, fields, "task_id")
}
