package presence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/a-essam23/go-presence/pkg/identity"
)

// Conn is the registry's view of a live transport.
type Conn interface {
	ID() uuid.UUID
	// Send queues a frame without blocking; false means it was not queued.
	Send(msg []byte) bool
	// Ping blocks until the peer acknowledges a liveness probe or ctx ends.
	Ping(ctx context.Context) error
	// Close is idempotent and runs the disconnect lifecycle exactly once.
	Close(reason error)
}

type LivenessState int

const (
	Alive LivenessState = iota
	AwaitingAck
)

func (s LivenessState) String() string {
	if s == AwaitingAck {
		return "awaiting_ack"
	}
	return "alive"
}

// Session is a connection together with the identity it was admitted as.
type Session struct {
	Identity identity.Identity
	Conn     Conn
}

// connection entry owned by the registry.
type entry struct {
	conn      Conn
	identity  identity.Identity
	state     LivenessState
	lastAck   time.Time
	createdAt time.Time
}

// bucket holds every live connection of one identity.
type bucket struct {
	identity identity.Identity
	conns    map[uuid.UUID]*entry
}

// Stats is a point-in-time count of the registry.
type Stats struct {
	Controllers int `json:"controllers"`
	Devices     int `json:"devices"`
	Connections int `json:"connections"`
}
