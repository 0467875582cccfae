package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a-essam23/go-presence/pkg/identity"
)

// Registry indexes live connections by identity and keeps the per-role
// presence sets. An identity is present iff it has at least one connection;
// both views change under the same lock.
type Registry struct {
	mu sync.RWMutex

	buckets map[string]*bucket
	byConn  map[uuid.UUID]*entry

	onlineControllers map[string]struct{}
	onlineDevices     map[string]struct{}

	now    func() time.Time
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		buckets:           make(map[string]*bucket),
		byConn:            make(map[uuid.UUID]*entry),
		onlineControllers: make(map[string]struct{}),
		onlineDevices:     make(map[string]struct{}),
		now:               time.Now,
		logger:            logger.With(slog.String("component", "registry")),
	}
}

// SetClock replaces the time source used for connection timestamps.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) presenceSet(role identity.Role) map[string]struct{} {
	if role == identity.RoleController {
		return r.onlineControllers
	}
	return r.onlineDevices
}

// Add admits conn for ident. It reports whether this is the identity's first
// live connection. Adding the same connection twice is a no-op.
func (r *Registry) Add(ident identity.Identity, conn Conn) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.ID()
	if _, exists := r.byConn[connID]; exists {
		return false
	}

	b, ok := r.buckets[ident.ID]
	if !ok {
		b = &bucket{identity: ident, conns: make(map[uuid.UUID]*entry)}
		r.buckets[ident.ID] = b
		first = true
	}
	now := r.now()
	e := &entry{conn: conn, identity: ident, state: Alive, lastAck: now, createdAt: now}
	b.conns[connID] = e
	r.byConn[connID] = e
	r.presenceSet(ident.Role)[ident.ID] = struct{}{}

	r.logger.Debug("Connection added",
		slog.String("identityID", ident.ID),
		slog.String("connID", connID.String()),
		slog.Int("connections", len(b.conns)),
	)
	return first
}

// Remove detaches conn. removed is false when the connection was not
// registered (double removal). last is true when it was the identity's final
// connection and the identity went offline.
func (r *Registry) Remove(ident identity.Identity, conn Conn) (removed, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.ID()
	e, ok := r.byConn[connID]
	if !ok {
		return false, false
	}
	delete(r.byConn, connID)

	id := e.identity.ID
	if id != ident.ID {
		r.logger.Warn("Connection removed under a different identity",
			slog.String("registered", id),
			slog.String("requested", ident.ID),
		)
	}
	b := r.buckets[id]
	delete(b.conns, connID)
	if len(b.conns) == 0 {
		delete(r.buckets, id)
		delete(r.presenceSet(b.identity.Role), id)
		last = true
	}

	r.logger.Debug("Connection removed",
		slog.String("identityID", id),
		slog.String("connID", connID.String()),
		slog.Bool("last", last),
	)
	return true, last
}

// Get returns a snapshot of the identity's live connections.
func (r *Registry) Get(identityID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.buckets[identityID]
	if !ok {
		return nil
	}
	conns := make([]Conn, 0, len(b.conns))
	for _, e := range b.conns {
		conns = append(conns, e.conn)
	}
	return conns
}

func (r *Registry) IsOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.buckets[identityID]
	return ok
}

func (r *Registry) IsControllerOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.onlineControllers[identityID]
	return ok
}

func (r *Registry) IsDeviceOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.onlineDevices[identityID]
	return ok
}

// Count returns the number of live connections for an identity.
func (r *Registry) Count(identityID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buckets[identityID]
	if !ok {
		return 0
	}
	return len(b.conns)
}

// Oldest returns the identity's longest-lived connection.
func (r *Registry) Oldest(identityID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.buckets[identityID]
	if !ok {
		return nil, false
	}
	var oldest *entry
	for _, e := range b.conns {
		if oldest == nil || e.createdAt.Before(oldest.createdAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil, false
	}
	return oldest.conn, true
}

// All returns every live session.
func (r *Registry) All() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0, len(r.byConn))
	for _, e := range r.byConn {
		sessions = append(sessions, Session{Identity: e.identity, Conn: e.conn})
	}
	return sessions
}

// OnlineIDs returns the ids of every identity currently present.
func (r *Registry) OnlineIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.buckets))
	for id := range r.buckets {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Controllers: len(r.onlineControllers),
		Devices:     len(r.onlineDevices),
		Connections: len(r.byConn),
	}
}
