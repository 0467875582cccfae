package presence

import (
	"time"

	"github.com/google/uuid"
)

// BeginLivenessRound advances every connection's liveness state by one period.
// Connections still awaiting an ack from the previous round are returned in
// reap; every other connection moves to AwaitingAck and is returned in probe.
// Reaped connections stay registered until their disconnect lifecycle removes
// them, and are not probed again.
func (r *Registry) BeginLivenessRound() (probe, reap []Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.byConn {
		s := Session{Identity: e.identity, Conn: e.conn}
		switch e.state {
		case Alive:
			e.state = AwaitingAck
			probe = append(probe, s)
		case AwaitingAck:
			reap = append(reap, s)
		}
	}
	return probe, reap
}

// Ack records a liveness acknowledgment. It reports false for connections that
// are no longer registered.
func (r *Registry) Ack(connID uuid.UUID, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byConn[connID]
	if !ok {
		return false
	}
	e.state = Alive
	if at.After(e.lastAck) {
		e.lastAck = at
	}
	return true
}

// LivenessOf returns a connection's liveness state and last ack time.
func (r *Registry) LivenessOf(connID uuid.UUID) (LivenessState, time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byConn[connID]
	if !ok {
		return Alive, time.Time{}, false
	}
	return e.state, e.lastAck, true
}
