package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Rate is a fixed-window frame budget such as "20/s".
type Rate struct {
	Limit  int
	Window time.Duration
}

// ParseRate parses "N/s", "N/m" or "N/h". An empty string means unlimited and
// returns a zero Rate.
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rate{}, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return Rate{}, fmt.Errorf("invalid rate limit format: %s", s)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return Rate{}, fmt.Errorf("invalid rate limit count: %s", parts[0])
	}

	var window time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	default:
		return Rate{}, fmt.Errorf("invalid rate limit duration unit: %s", parts[1])
	}
	return Rate{Limit: limit, Window: window}, nil
}

func (r Rate) Unlimited() bool {
	return r.Limit <= 0
}

type window struct {
	start    time.Time
	requests int
}

// rateLimiter counts frames per connection in fixed windows.
type rateLimiter struct {
	rate    Rate
	now     func() time.Time
	mu      sync.Mutex
	windows map[uuid.UUID]*window
}

func newRateLimiter(rate Rate, now func() time.Time) *rateLimiter {
	return &rateLimiter{
		rate:    rate,
		now:     now,
		windows: make(map[uuid.UUID]*window),
	}
}

// Allow reports whether connID may send another frame in the current window.
func (l *rateLimiter) Allow(connID uuid.UUID) bool {
	if l == nil || l.rate.Unlimited() {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[connID]
	if !ok || now.Sub(w.start) >= l.rate.Window {
		l.windows[connID] = &window{start: now, requests: 1}
		return true
	}
	if w.requests < l.rate.Limit {
		w.requests++
		return true
	}
	return false
}

// Forget drops the state of a closed connection.
func (l *rateLimiter) Forget(connID uuid.UUID) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, connID)
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
