package gateway

import (
	"errors"
	"sync"
)

var (
	ErrClientDisconnected = errors.New("client disconnected")
	ErrConnectionLimit    = errors.New("connection limit reached")
)

// Registry is the single source of truth for live connections. The primary
// map owns connections by id; the user and channel maps are weak indexes
// kept consistent by the same add/remove operations.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	users    map[string]map[string]*Connection
	channels map[string]map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]*Connection),
		users:    make(map[string]map[string]*Connection),
		channels: make(map[string]map[string]*Connection),
	}
}

// Add registers a freshly accepted, not yet authenticated connection.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

// BindUser places an authenticated connection under the user index,
// enforcing the per-user cap. Existing connections are never evicted.
// Closed connections are refused: a teardown racing the awaited token
// verification must not resurrect an index entry for a connection the
// primary map no longer holds.
func (r *Registry) BindUser(c *Connection, userID string, maxPerUser int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.isClosed() {
		return ErrClientDisconnected
	}
	if len(r.users[userID]) >= maxPerUser {
		return ErrConnectionLimit
	}
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]*Connection)
	}
	r.users[userID][c.id] = c
	return nil
}

// Subscribe adds the connection to a channel index. Closed connections are
// refused, same as BindUser: a disconnect during the awaited authorization
// check must not re-insert the connection or pin a broker topic. Returns
// true when the index for that channel went from empty to non-empty.
func (r *Registry) Subscribe(c *Connection, channelID string) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.isClosed() {
		return false
	}
	if r.channels[channelID] == nil {
		r.channels[channelID] = make(map[string]*Connection)
	}
	first = len(r.channels[channelID]) == 0
	r.channels[channelID][c.id] = c
	return first
}

// Unsubscribe removes the connection from a channel index. Returns true when
// the index for that channel became empty.
func (r *Registry) Unsubscribe(c *Connection, channelID string) (emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(c, channelID)
}

func (r *Registry) unsubscribeLocked(c *Connection, channelID string) bool {
	subs, ok := r.channels[channelID]
	if !ok {
		return false
	}
	delete(subs, c.id)
	if len(subs) == 0 {
		delete(r.channels, channelID)
		return true
	}
	return false
}

// Remove drops the connection from the primary map and every index.
// Returns the channels whose index became empty, so the caller can release
// broker topics.
func (r *Registry) Remove(c *Connection) (emptied []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, c.id)

	if userID := c.UserID(); userID != "" {
		if conns, ok := r.users[userID]; ok {
			delete(conns, c.id)
			if len(conns) == 0 {
				delete(r.users, userID)
			}
		}
	}

	for _, channelID := range c.Channels() {
		if r.unsubscribeLocked(c, channelID) {
			emptied = append(emptied, channelID)
		}
	}
	return emptied
}

// UserConnectionCount reports how many live connections the user has.
func (r *Registry) UserConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// UserConnections returns all of a user's connections, one per device.
func (r *Registry) UserConnections(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		conns = append(conns, c)
	}
	return conns
}

// ChannelConnections returns every connection subscribed to the channel.
func (r *Registry) ChannelConnections(channelID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.channels[channelID]))
	for _, c := range r.channels[channelID] {
		conns = append(conns, c)
	}
	return conns
}

// Connections returns a snapshot of every live connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
