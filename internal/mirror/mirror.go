// Package mirror publishes presence transitions to Redis so other services can
// see who is online without talking to this process.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/a-essam23/go-presence/pkg/identity"
)

// Mirror receives presence transitions. Implementations must be safe for
// concurrent use.
type Mirror interface {
	SetOnline(ctx context.Context, ident identity.Identity) error
	SetOffline(ctx context.Context, ident identity.Identity) error
	Refresh(ctx context.Context, ids []string) error
}

// Nop discards every transition.
type Nop struct{}

func (Nop) SetOnline(context.Context, identity.Identity) error  { return nil }
func (Nop) SetOffline(context.Context, identity.Identity) error { return nil }
func (Nop) Refresh(context.Context, []string) error             { return nil }

type Config struct {
	KeyPrefix string
	TTL       time.Duration
}

func (c *Config) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "presence"
	}
	if c.TTL <= 0 {
		c.TTL = 90 * time.Second
	}
}

// Transition is the payload published on the presence channel.
type Transition struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	OwnerID string `json:"ownerId,omitempty"`
	Online  bool   `json:"online"`
	At      int64  `json:"at"`
}

// Redis keeps one expiring key per online identity and publishes every
// transition on "<prefix>:events".
type Redis struct {
	client redis.UniversalClient
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

var _ Mirror = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, cfg Config, logger *slog.Logger) *Redis {
	cfg.applyDefaults()
	return &Redis{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "mirror")),
	}
}

// Key returns the key holding an identity's presence record.
func (m *Redis) Key(id string) string {
	return m.cfg.KeyPrefix + ":online:" + id
}

// Channel is the pub/sub channel transitions are published on.
func (m *Redis) Channel() string {
	return m.cfg.KeyPrefix + ":events"
}

func (m *Redis) SetOnline(ctx context.Context, ident identity.Identity) error {
	t := m.transition(ident, true)
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("mirror: encode transition: %w", err)
	}
	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.Key(ident.ID), payload, m.cfg.TTL)
	pipe.Publish(ctx, m.Channel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror: set online %s: %w", ident.ID, err)
	}
	return nil
}

func (m *Redis) SetOffline(ctx context.Context, ident identity.Identity) error {
	payload, err := json.Marshal(m.transition(ident, false))
	if err != nil {
		return fmt.Errorf("mirror: encode transition: %w", err)
	}
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.Key(ident.ID))
	pipe.Publish(ctx, m.Channel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror: set offline %s: %w", ident.ID, err)
	}
	return nil
}

// Refresh extends the TTL of every listed identity's key.
func (m *Redis) Refresh(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := m.client.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, m.Key(id), m.cfg.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror: refresh %d keys: %w", len(ids), err)
	}
	return nil
}

func (m *Redis) transition(ident identity.Identity, online bool) Transition {
	return Transition{
		ID:      ident.ID,
		Role:    string(ident.Role),
		OwnerID: ident.OwnerID,
		Online:  online,
		At:      m.now().UnixMilli(),
	}
}
