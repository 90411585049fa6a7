package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// PresencePublisher publishes presence events for other instances.
type PresencePublisher interface {
	PublishPresence(event string, payload []byte) error
}

// Registry tracks every live connection on this instance by connection id.
// It is the lookup table for direct delivery and the source of presence
// events.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Client
	presence PresencePublisher
	logger   *zap.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(presence PresencePublisher, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:    make(map[string]*Client),
		presence: presence,
		logger:   logger,
	}
}

// Admit registers a connection and announces it to everyone else.
func (r *Registry) Admit(c *Client) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	r.logger.Debug("connection admitted", zap.String("conn_id", c.ID), zap.String("user_id", c.User.ID.String()))
	r.announce(EventPresenceOnline, c)
}

// Remove drops a connection if it is still the registered one for its id and
// announces the departure.
func (r *Registry) Remove(c *Client) {
	r.mu.Lock()
	cur, ok := r.conns[c.ID]
	if !ok || cur != c {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.ID)
	r.mu.Unlock()
	r.logger.Debug("connection removed", zap.String("conn_id", c.ID))
	r.announce(EventPresenceOffline, c)
}

// Lookup returns the connection registered under id, or nil.
func (r *Registry) Lookup(id string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Send delivers an event to a single connection. Unknown targets are dropped
// silently; the return value reports local delivery.
func (r *Registry) Send(id, event string, payload interface{}) bool {
	c := r.Lookup(id)
	if c == nil {
		return false
	}
	c.Send(event, payload)
	return true
}

// Broadcast sends an event to every local connection except exceptID.
func (r *Registry) Broadcast(event string, payload interface{}, exceptID string) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.conns))
	for id, c := range r.conns {
		if id == exceptID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()
	for _, c := range targets {
		c.Send(event, payload)
	}
}

// Count returns the number of live connections on this instance.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Online returns a snapshot of every local connection.
func (r *Registry) Online() []PresenceEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PresenceEvent, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, PresenceEvent{ConnID: c.ID, User: c.User})
	}
	return out
}

func (r *Registry) announce(event string, c *Client) {
	ev := PresenceEvent{ConnID: c.ID, User: c.User}
	r.Broadcast(event, ev, c.ID)
	if r.presence != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := r.presence.PublishPresence(event, data); err != nil {
			r.logger.Warn("presence publish failed", zap.String("event", event), zap.Error(err))
		}
	}
}
