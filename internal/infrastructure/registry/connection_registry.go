package registry

import (
	"sync"

	"tunelink/internal/core/domain"
	"tunelink/internal/core/ports"
)

// ConnectionRegistry is the in-process map between live transport
// connections and authenticated users. It is injected wherever identity
// resolution is needed; there is no package-level shared state.
//
// Known limitation: call addressing uses FindConnection, which returns
// the first connection found for a user. A multi-device user only
// receives call notifications on that one device; FindConnections is
// the extension point for full fan-out.
type ConnectionRegistry struct {
	byConn map[domain.ConnectionID]domain.UserID
	byUser map[domain.UserID]map[domain.ConnectionID]struct{}
	mu     sync.RWMutex
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		byConn: make(map[domain.ConnectionID]domain.UserID),
		byUser: make(map[domain.UserID]map[domain.ConnectionID]struct{}),
	}
}

var _ ports.ConnectionRegistry = (*ConnectionRegistry)(nil)

func (r *ConnectionRegistry) Bind(connID domain.ConnectionID, userID domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.byConn[connID]; exists {
		r.removeLocked(connID, prev)
	}

	r.byConn[connID] = userID
	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[domain.ConnectionID]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
}

func (r *ConnectionRegistry) Unbind(connID domain.ConnectionID) (domain.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, exists := r.byConn[connID]
	if !exists {
		return "", false
	}

	r.removeLocked(connID, userID)
	return userID, true
}

func (r *ConnectionRegistry) IdentityOf(connID domain.ConnectionID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, exists := r.byConn[connID]
	return userID, exists
}

func (r *ConnectionRegistry) FindConnection(userID domain.UserID) (domain.ConnectionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for connID := range r.byUser[userID] {
		return connID, true
	}
	return "", false
}

func (r *ConnectionRegistry) FindConnections(userID domain.UserID) []domain.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]domain.ConnectionID, 0, len(r.byUser[userID]))
	for connID := range r.byUser[userID] {
		conns = append(conns, connID)
	}
	return conns
}

// ConnectedUsers returns the number of distinct users with at least one
// live connection.
func (r *ConnectionRegistry) ConnectedUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byUser)
}

func (r *ConnectionRegistry) removeLocked(connID domain.ConnectionID, userID domain.UserID) {
	delete(r.byConn, connID)
	if conns := r.byUser[userID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, userID)
		}
	}
}
