// Package presencetest provides an in-memory presence.Conn for tests.
package presencetest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Conn records every frame sent to it.
type Conn struct {
	id uuid.UUID

	mu      sync.Mutex
	frames  [][]byte
	closed  int
	reason  error
	refuse  bool
	onClose func(reason error)

	// PingFunc answers Ping; nil acknowledges immediately.
	PingFunc func(ctx context.Context) error
}

func NewConn() *Conn {
	return &Conn{id: uuid.New()}
}

func (c *Conn) ID() uuid.UUID { return c.id }

func (c *Conn) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse || c.closed > 0 {
		return false
	}
	c.frames = append(c.frames, append([]byte(nil), msg...))
	return true
}

func (c *Conn) Ping(ctx context.Context) error {
	if c.PingFunc != nil {
		return c.PingFunc(ctx)
	}
	return nil
}

// Close counts every call but runs the close hook only the first time.
func (c *Conn) Close(reason error) {
	c.mu.Lock()
	c.closed++
	first := c.closed == 1
	if first {
		c.reason = reason
	}
	hook := c.onClose
	c.mu.Unlock()
	if first && hook != nil {
		hook(reason)
	}
}

// OnClose installs the hook run by the first Close.
func (c *Conn) OnClose(fn func(reason error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Refuse makes subsequent sends fail, as a full queue would.
func (c *Conn) Refuse() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refuse = true
}

func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) CloseReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Frames returns a copy of everything sent so far.
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// Events returns the "event" field of every frame sent so far.
func (c *Conn) Events() []string {
	frames := c.Frames()
	events := make([]string, 0, len(frames))
	for _, f := range frames {
		var head struct {
			Event string `json:"event"`
		}
		_ = json.Unmarshal(f, &head)
		events = append(events, head.Event)
	}
	return events
}

// Find returns the decoded frames carrying event.
func (c *Conn) Find(event string) []map[string]any {
	var found []map[string]any
	for _, f := range c.Frames() {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			continue
		}
		if m["event"] == event {
			found = append(found, m)
		}
	}
	return found
}

func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
