package gateway

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink is the minimal send capability the hub needs from a connection.
type Sink interface {
	SendEvent(v any) error
}

// Hub maps each user to their set of live connections so the gateway can
// push events to every currently-connected device for a user.
type Hub struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]map[uuid.UUID]Sink
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:  make(map[uuid.UUID]map[uuid.UUID]Sink),
		logger: logger,
	}
}

// Register adds a connection to the user's broadcast group. Idempotent per
// connection id.
func (h *Hub) Register(userID, connID uuid.UUID, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.conns[userID]
	if !ok {
		group = make(map[uuid.UUID]Sink)
		h.conns[userID] = group
	}
	group[connID] = s
}

// Unregister removes a connection from the user's group. Safe to call
// repeatedly and for unknown connections.
func (h *Hub) Unregister(userID, connID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if group, ok := h.conns[userID]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(h.conns, userID)
		}
	}
}

// SendToUser pushes an event to every live connection for the user and
// returns how many received it. Failed sinks are evicted so broken
// connections do not linger in the hub.
func (h *Hub) SendToUser(userID uuid.UUID, v any) int {
	h.mu.RLock()
	group := h.conns[userID]
	sinks := make(map[uuid.UUID]Sink, len(group))
	for id, s := range group {
		sinks[id] = s
	}
	h.mu.RUnlock()

	sent := 0
	var failed []uuid.UUID
	for id, s := range sinks {
		if err := s.SendEvent(v); err != nil {
			h.logger.Debug("dropping unreachable connection",
				zap.Error(err),
				zap.String("user_id", userID.String()),
				zap.String("conn_id", id.String()),
			)
			failed = append(failed, id)
			continue
		}
		sent++
	}

	for _, id := range failed {
		h.Unregister(userID, id)
	}

	return sent
}

// ConnectionCount returns the number of live connections for a user.
func (h *Hub) ConnectionCount(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}
