package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/deskchat/internal/observability"
)

// idleAfter marks a client idle in ClientInfo.
const idleAfter = 5 * time.Minute

// ClientSet tracks the WebSocket connections of one gateway. The
// connected-clients gauge follows its size.
type ClientSet struct {
	mu   sync.RWMutex
	byID map[string]*Client
}

func NewClientSet() *ClientSet {
	return &ClientSet{byID: make(map[string]*Client)}
}

func (s *ClientSet) Add(c *Client) {
	s.mu.Lock()
	s.byID[c.ID] = c
	n := len(s.byID)
	s.mu.Unlock()
	observability.SetGatewayClients(n)
}

// Remove forgets a client. Unknown ids are ignored.
func (s *ClientSet) Remove(id string) {
	s.mu.Lock()
	delete(s.byID, id)
	n := len(s.byID)
	s.mu.Unlock()
	observability.SetGatewayClients(n)
}

// Touch records activity on a client.
func (s *ClientSet) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byID[id]; ok {
		c.LastActivity = time.Now()
	}
}

func (s *ClientSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// All returns every client, authenticated or not.
func (s *ClientSet) All() []*Client {
	return s.filter(func(*Client) bool { return true })
}

// Authenticated returns the clients that may receive chat stream events.
func (s *ClientSet) Authenticated() []*Client {
	return s.filter(func(c *Client) bool { return c.Authenticated })
}

func (s *ClientSet) filter(keep func(*Client) bool) []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.byID))
	for _, c := range s.byID {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// Infos describes the connected clients, oldest connection first.
func (s *ClientSet) Infos() []ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(s.byID))
	for _, c := range s.byID {
		infos = append(infos, ClientInfo{
			ID:            c.ID,
			Authenticated: c.Authenticated,
			ConnectedAt:   c.ConnectedAt,
			LastActivity:  c.LastActivity,
			IPAddress:     c.IPAddress,
			Idle:          now.Sub(c.LastActivity) > idleAfter,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}
