package events

import (
	"sync"
	"time"
)

const (
	TopicTask  = "task"
	TopicQueue = "queue"

	defaultBufferSize = 256
)

// Event is what observers receive. Payload is a map for task events and a
// queue status snapshot for queue events.
type Event struct {
	Topic     string    `json:"topic"`
	TaskID    string    `json:"taskId,omitempty"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type subscription struct {
	topic string // empty means all topics
	ch    chan Event
}

// Bus fans events out to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscription
	closed bool
	onDrop func(topic string)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

// OnDrop registers a hook called whenever a subscriber misses an event.
func (b *Bus) OnDrop(fn func(topic string)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe returns a channel receiving events on topic, or on every topic
// when topic is empty, plus a func that detaches and closes it.
func (b *Bus) Subscribe(topic string, bufSize int) (<-chan Event, func()) {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscription{topic: topic, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			sub, ok := b.subs[id]
			if !ok {
				return
			}
			delete(b.subs, id)
			close(sub.ch)
		})
	}
}

func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.topic != "" && sub.topic != evt.Topic {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			if b.onDrop != nil {
				b.onDrop(evt.Topic)
			}
		}
	}
}

// SubscriberCount is used by health output and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches and closes every subscriber. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
