// Package events fans operation status changes out to stream subscribers.
package events

import (
	"sync"

	"github.com/seantiz/opstrack/internal/model"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// Broker manages per-operation status event streams. It is safe for
// concurrent use.
//
// A topic exists only while it has subscribers. A terminal event closes every
// subscriber channel and drops the topic, so a subscriber that arrives after
// the terminal event must learn the outcome from the record itself.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan model.Event
	nextID int
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives status events for the given
// operation and an unsubscribe function. The channel is closed after a
// terminal event or when unsubscribe is called.
func (b *Broker) Subscribe(operationID string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[operationID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.Event)}
		b.topics[operationID] = t
	}

	ch := make(chan model.Event, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		close(ch)
		if len(t.subs) == 0 && b.topics[operationID] == t {
			delete(b.topics, operationID)
		}
	}
}

// Publish sends ev to all subscribers of its operation. A terminal event
// closes the topic after delivery.
func (b *Broker) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.OperationID]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking the writer.
		}
	}

	if ev.Status.IsTerminal() {
		b.closeLocked(ev.OperationID)
	}
}

// Topics returns the number of operations with live subscribers.
func (b *Broker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

func (b *Broker) closeLocked(operationID string) {
	t, ok := b.topics[operationID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, operationID)
}
