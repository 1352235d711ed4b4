// Package events carries chat stream events from running sends to listeners.
package events

import (
	"sync"

	"github.com/harun/deskchat/internal/observability"
)

// StreamEventName is the event name used on the wire.
const StreamEventName = "chat_stream"

// ChatStreamEvent is one incremental update of a conversation.
type ChatStreamEvent struct {
	ProfileID string `json:"profile_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`

	// Set on the first event of a message that was not in the thread the
	// caller received
	NewRole        string `json:"new_role,omitempty"`
	NewCreatedAtMs int64  `json:"new_created_at_ms,omitempty"`
}

// Key returns the subscription key of the event's conversation.
func (e ChatStreamEvent) Key() string {
	return Key(e.ProfileID, e.ChatID)
}

// Key builds a subscription key for one conversation.
func Key(profileID, chatID string) string {
	return profileID + "::" + chatID
}

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(evt ChatStreamEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(evt ChatStreamEvent)

// Publish calls f.
func (f SinkFunc) Publish(evt ChatStreamEvent) {
	f(evt)
}

// Nop discards events.
var Nop Sink = SinkFunc(func(ChatStreamEvent) {})

// Hub fans events out to subscribers. Slow subscribers lose events instead of
// blocking the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan ChatStreamEvent
	nextID      uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[uint64]chan ChatStreamEvent),
	}
}

// Subscribe returns a channel receiving the events of one conversation key,
// or of every conversation when key is empty, and a cancel function that
// closes the channel.
func (h *Hub) Subscribe(key string, buffer int) (<-chan ChatStreamEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan ChatStreamEvent, buffer)

	h.mu.Lock()
	h.nextID++
	subID := h.nextID
	if _, exists := h.subscribers[key]; !exists {
		h.subscribers[key] = make(map[uint64]chan ChatStreamEvent)
	}
	h.subscribers[key][subID] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs, ok := h.subscribers[key]
			if !ok {
				return
			}
			sub, exists := subs[subID]
			if !exists {
				return
			}
			delete(subs, subID)
			if len(subs) == 0 {
				delete(h.subscribers, key)
			}
			close(sub)
		})
	}

	return ch, cancel
}

// Publish delivers evt to its conversation's subscribers and to wildcard
// subscribers.
func (h *Hub) Publish(evt ChatStreamEvent) {
	observability.RecordStreamEvent()

	h.mu.RLock()
	defer h.mu.RUnlock()

	deliver := func(subs map[uint64]chan ChatStreamEvent) {
		for _, sub := range subs {
			select {
			case sub <- evt:
			default:
			}
		}
	}
	deliver(h.subscribers[evt.Key()])
	deliver(h.subscribers[""])
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subscribers {
		n += len(subs)
	}
	return n
}
