package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultMaxPerSession bounds live connections per session. Sized to tolerate
// per-user multi-tab and reload overlap in a small group.
const DefaultMaxPerSession = 15

// ErrCapacityExceeded is returned when a session's connection cap is reached
// even after a liveness sweep. Transient; callers should retry shortly.
var ErrCapacityExceeded = errors.New("session connection capacity exceeded")

// Connection is the transport-side handle the registry manages. Send must not
// block; it reports false when the connection's buffer is full.
type Connection interface {
	ID() string
	UserID() string
	TransportKind() string
	Send(msg []byte) bool
	Close()
}

// Record tracks one live connection's liveness metadata.
type Record struct {
	ConnectionID    string
	SessionID       string
	UserID          string
	Transport       string
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
}

type member struct {
	conn   Connection
	record Record
}

// Registry tracks which live transport connections belong to which session
// and fans broadcast payloads out to them. Structures are scoped per session;
// iteration happens over copies so a detach during broadcast is safe.
type Registry struct {
	mu            sync.RWMutex
	sessions      map[string]map[string]*member // sessionID -> connectionID -> member
	maxPerSession int
	clock         clockwork.Clock
}

// NewRegistry builds a registry with the given per-session cap (0 means
// DefaultMaxPerSession).
func NewRegistry(maxPerSession int, clock clockwork.Clock) *Registry {
	if maxPerSession <= 0 {
		maxPerSession = DefaultMaxPerSession
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		sessions:      make(map[string]map[string]*member),
		maxPerSession: maxPerSession,
		clock:         clock,
	}
}

// Attach registers a connection under a session. At the cap it sweeps
// connections that have not heartbeated within staleAfter before rejecting
// with ErrCapacityExceeded.
func (r *Registry) Attach(sessionID string, conn Connection, staleAfter time.Duration) error {
	r.mu.Lock()
	conns := r.sessions[sessionID]
	if conns == nil {
		conns = make(map[string]*member)
		r.sessions[sessionID] = conns
	}
	if len(conns) >= r.maxPerSession {
		swept := r.sweepLocked(sessionID, staleAfter)
		if swept > 0 {
			log.Info().
				Str("session_id", sessionID).
				Int("swept", swept).
				Msg("swept stale connections at capacity")
			// An emptied session is removed wholesale; re-resolve so the
			// insert below lands in the live map.
			conns = r.sessions[sessionID]
			if conns == nil {
				conns = make(map[string]*member)
				r.sessions[sessionID] = conns
			}
		}
		if len(conns) >= r.maxPerSession {
			r.mu.Unlock()
			return ErrCapacityExceeded
		}
	}

	now := r.clock.Now()
	conns[conn.ID()] = &member{
		conn: conn,
		record: Record{
			ConnectionID:    conn.ID(),
			SessionID:       sessionID,
			UserID:          conn.UserID(),
			Transport:       conn.TransportKind(),
			ConnectedAt:     now,
			LastHeartbeatAt: now,
		},
	}
	total := len(conns)
	r.mu.Unlock()

	log.Debug().
		Str("connection_id", conn.ID()).
		Str("session_id", sessionID).
		Str("user_id", conn.UserID()).
		Int("total_connections", total).
		Msg("connection attached")
	return nil
}

// Detach removes a connection. Detaching an unknown connection is a no-op.
func (r *Registry) Detach(sessionID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(sessionID, connectionID)
}

func (r *Registry) detachLocked(sessionID, connectionID string) {
	conns, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if _, ok := conns[connectionID]; !ok {
		return
	}
	delete(conns, connectionID)
	if len(conns) == 0 {
		delete(r.sessions, sessionID)
	}
	log.Debug().
		Str("connection_id", connectionID).
		Str("session_id", sessionID).
		Msg("connection detached")
}

// MarkHeartbeat records a heartbeat acknowledgment for a connection. Returns
// false if the connection is not registered.
func (r *Registry) MarkHeartbeat(sessionID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.sessions[sessionID][connectionID]
	if !ok {
		return false
	}
	m.record.LastHeartbeatAt = r.clock.Now()
	return true
}

// RecordFor returns a copy of a connection's record.
func (r *Registry) RecordFor(sessionID, connectionID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.sessions[sessionID][connectionID]
	if !ok {
		return Record{}, false
	}
	return m.record, true
}

// Connections returns a copy of the live connections for a session so the
// caller can iterate without holding the registry lock.
func (r *Registry) Connections(sessionID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.sessions[sessionID]
	out := make([]Connection, 0, len(conns))
	for _, m := range conns {
		out = append(out, m.conn)
	}
	return out
}

// Broadcast sends msg to every connection in the session. Connections whose
// send buffer is full are closed and detached rather than allowed to stall
// the rest. Returns the number of successful sends.
func (r *Registry) Broadcast(sessionID string, msg []byte) int {
	targets := r.Connections(sessionID)

	sent := 0
	for _, conn := range targets {
		if conn.Send(msg) {
			sent++
			continue
		}
		log.Warn().
			Str("connection_id", conn.ID()).
			Str("session_id", sessionID).
			Msg("send buffer full, closing connection")
		r.Detach(sessionID, conn.ID())
		conn.Close()
	}
	return sent
}

// CountFor returns the number of live connections for a session.
func (r *Registry) CountFor(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// Sweep closes and detaches connections in the session whose last heartbeat
// is older than staleAfter. Returns how many were removed.
func (r *Registry) Sweep(sessionID string, staleAfter time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(sessionID, staleAfter)
}

func (r *Registry) sweepLocked(sessionID string, staleAfter time.Duration) int {
	if staleAfter <= 0 {
		return 0
	}
	now := r.clock.Now()
	removed := 0
	for id, m := range r.sessions[sessionID] {
		if now.Sub(m.record.LastHeartbeatAt) > staleAfter {
			m.conn.Close()
			r.detachLocked(sessionID, id)
			removed++
		}
	}
	return removed
}

// Stats summarizes live connections across all sessions.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	perSession := make(map[string]int)
	for sessionID, conns := range r.sessions {
		perSession[sessionID] = len(conns)
		total += len(conns)
	}
	return map[string]interface{}{
		"total_connections":   total,
		"active_sessions":     len(r.sessions),
		"session_connections": perSession,
	}
}
