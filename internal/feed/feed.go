// Package feed streams supervisor status changes to UI contexts over a
// websocket.
package feed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/hostswitch/internal/logger"
)

// Event types.
const (
	TypeReady  = "ready"
	TypeStatus = "status"
)

// Event is one message on the change feed.
type Event struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Revision uint64          `json:"revision"`
	At       time.Time       `json:"at"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event; data is JSON encoded.
func NewEvent(typ string, revision uint64, data interface{}) Event {
	ev := Event{
		ID:       uuid.NewString(),
		Type:     typ,
		Revision: revision,
		At:       time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			logger.Error("feed: failed to encode %s event: %v", typ, err)
		} else {
			ev.Data = raw
		}
	}
	return ev
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Broadcaster fans events out to subscribers. Slow subscribers lose events
// rather than block the publisher.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	last   *Event
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a subscriber with the given buffer.
func (b *Broadcaster) Subscribe(buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish sends ev to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last = &ev
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.Debug("feed: dropped %s event for a slow subscriber", ev.Type)
		}
	}
}

// Last returns the most recent event, if any.
func (b *Broadcaster) Last() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Event{}, false
	}
	return *b.last, true
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
