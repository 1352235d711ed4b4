package gate

import (
	"sort"
	"sync"

	"github.com/harun/deskchat/internal/observability"
)

func key(profileID, id string) string {
	return profileID + "::" + id
}

// Registry is the set of chats with a generation in flight.
type Registry struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	observability.EnsureRegistered()
	return &Registry{inflight: make(map[string]struct{})}
}

// Acquire marks the chat inflight. It returns false, leaving the registry
// unchanged, when the chat is already inflight.
func (r *Registry) Acquire(profileID, chatID string) bool {
	k := key(profileID, chatID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[k]; busy {
		observability.RecordChatBusy()
		return false
	}
	r.inflight[k] = struct{}{}
	observability.SetInflightChats(len(r.inflight))
	return true
}

// Release clears the inflight mark. Releasing an idle chat is a no-op.
func (r *Registry) Release(profileID, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, key(profileID, chatID))
	observability.SetInflightChats(len(r.inflight))
}

// IsInflight reports whether the chat has a generation in flight.
func (r *Registry) IsInflight(profileID, chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[key(profileID, chatID)]
	return ok
}

// Count returns the number of inflight chats.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Keys returns the sorted "profile::chat" keys currently inflight.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.inflight))
	for k := range r.inflight {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}
