package ws

import (
	"sync"

	"pavilion/internal/registry"
)

// Event is a server-to-client gateway event.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ClientMessage is a message sent from the client to the gateway. The
// gateway is delivery-only; mutations go through the REST surface.
type ClientMessage struct {
	Type string `json:"type"`
}

// ScopeSource lists the broadcast scopes a user should be subscribed to:
// the channels of their servers and their open DM channels.
type ScopeSource interface {
	ScopesForUser(userID string) ([]string, error)
}

// Hub owns the connection registry and the per-scope subscriber sets,
// and fans events out to them. Delivery is at-most-once: a subscriber
// with a full outbound queue misses the event.
type Hub struct {
	registry *registry.Registry[*Connection]
	scopes   ScopeSource

	// scopeID -> subscribed connections
	subs map[string]map[*Connection]bool
	mu   sync.RWMutex
}

func NewHub(scopes ScopeSource) *Hub {
	return &Hub{
		registry: registry.New[*Connection](),
		scopes:   scopes,
		subs:     make(map[string]map[*Connection]bool),
	}
}

// Connect registers the connection as the user's live handle
// (last-connect-wins) and subscribes it to the user's scopes.
func (h *Hub) Connect(userID string, conn *Connection) error {
	h.registry.Register(userID, conn)
	return h.subscribe(conn)
}

// Disconnect drops the connection's subscriptions and, if it is still
// the user's current handle, its registry entry.
func (h *Hub) Disconnect(userID string, conn *Connection) {
	h.mu.Lock()
	for _, set := range h.subs {
		delete(set, conn)
	}
	h.mu.Unlock()

	h.registry.Unregister(userID, conn)
}

// Resubscribe recomputes the scope subscriptions of the user's live
// connection, e.g. after the user joined a server or opened a DM.
func (h *Hub) Resubscribe(userID string) error {
	conn, ok := h.registry.Lookup(userID)
	if !ok {
		return nil
	}

	h.mu.Lock()
	for _, set := range h.subs {
		delete(set, conn)
	}
	h.mu.Unlock()

	return h.subscribe(conn)
}

func (h *Hub) subscribe(conn *Connection) error {
	scopeIDs, err := h.scopes.ScopesForUser(conn.userID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range scopeIDs {
		set, ok := h.subs[id]
		if !ok {
			set = make(map[*Connection]bool)
			h.subs[id] = set
		}
		set[conn] = true
	}
	return nil
}

// EmitToScope delivers an event to every current subscriber of the
// scope, each at most once.
func (h *Hub) EmitToScope(scopeID, event string, payload any) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.subs[scopeID]))
	for conn := range h.subs[scopeID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Send(Event{Event: event, Data: payload})
	}
}

// PushToUser delivers an event to one user's live connection. Reports
// whether the user was reachable.
func (h *Hub) PushToUser(userID, event string, payload any) bool {
	conn, ok := h.registry.Lookup(userID)
	if !ok {
		return false
	}
	conn.Send(Event{Event: event, Data: payload})
	return true
}

// Reachable reports whether the user has a live connection right now.
func (h *Hub) Reachable(userID string) bool {
	_, ok := h.registry.Lookup(userID)
	return ok
}
