package dispatch

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/a-essam23/go-presence/pkg/identity"
)

// HandlerFunc handles one inbound event. A returned error is reported to the
// sender as an error event; the connection stays open.
type HandlerFunc func(req *Request) error

// Handler is a registered event handler together with the permission a caller
// needs to invoke it.
type Handler struct {
	Event      string
	Permission identity.Permission
	Fn         HandlerFunc
}

// Registry maps event names to handlers.
type Registry struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.With(slog.String("component", "handlers")),
	}
}

// Register adds a handler for event. Registering the same event twice panics.
func (r *Registry) Register(event string, perm identity.Permission, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[event]; exists {
		panic("handler already registered: " + event)
	}
	r.handlers[event] = Handler{Event: event, Permission: perm, Fn: fn}
}

func (r *Registry) Get(event string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[event]
	return h, ok
}

// Events returns every registered event name, sorted.
func (r *Registry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
