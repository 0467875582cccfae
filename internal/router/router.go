// Package router delivers directed messages to every live connection of a
// recipient identity.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/a-essam23/go-presence/internal/metrics"
	"github.com/a-essam23/go-presence/pkg/identity"
	"github.com/a-essam23/go-presence/pkg/presence"
	"github.com/a-essam23/go-presence/pkg/protocol"
)

var ErrUnauthorized = errors.New("sender may not message recipient")

// Result describes one Route call. Unreachable is set when the recipient had
// no live connection.
type Result struct {
	Recipients  int
	Delivered   int
	Unreachable bool
}

type Router struct {
	registry *presence.Registry
	policy   Policy
	metrics  *metrics.Recorder
	now      func() time.Time
	logger   *slog.Logger
}

// New builds a Router. A nil policy allows everything; a nil recorder records
// nothing.
func New(registry *presence.Registry, policy Policy, recorder *metrics.Recorder, logger *slog.Logger) *Router {
	if policy == nil {
		policy = AllowAll
	}
	return &Router{
		registry: registry,
		policy:   policy,
		metrics:  recorder,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "router")),
	}
}

// SetClock replaces the timestamp source for routed frames. It must be called
// before the Router is shared between goroutines.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Route delivers payload to every live connection of recipientID as
// {event, sender, message, timestamp}. If the recipient is offline a single
// delivery_failed is sent to senderConn (when non-nil). event defaults to
// direct_message.
func (r *Router) Route(ctx context.Context, sender identity.Identity, senderConn presence.Conn, recipientID string, payload json.RawMessage, event string) (Result, error) {
	if event == "" {
		event = protocol.EventDirectMessage
	}
	if !r.policy.Allow(sender, recipientID) {
		return Result{}, fmt.Errorf("%w: %s -> %s", ErrUnauthorized, sender.ID, recipientID)
	}

	frame, err := protocol.EncodeRouted(event, protocol.Sender{ID: sender.ID, Name: sender.DisplayName}, payload, r.now())
	if err != nil {
		return Result{}, fmt.Errorf("encode %s: %w", event, err)
	}

	conns := r.registry.Get(recipientID)
	res := Result{Recipients: len(conns)}
	for _, conn := range conns {
		if conn.Send(frame) {
			res.Delivered++
		}
	}

	trace.SpanFromContext(ctx).AddEvent("route", trace.WithAttributes(
		attribute.String("recipient.id", recipientID),
		attribute.String("route.event", event),
		attribute.Int("route.connections", len(conns)),
	))

	if len(conns) == 0 {
		res.Unreachable = true
		r.metrics.ObserveDelivery(false)
		r.logger.Debug("Recipient unreachable",
			slog.String("senderID", sender.ID),
			slog.String("recipientID", recipientID),
			slog.String("event", event),
		)
		if senderConn != nil {
			r.notifyFailed(senderConn, recipientID, event)
		}
		return res, nil
	}

	r.metrics.ObserveDelivery(true)
	r.logger.Debug("Routed message",
		slog.String("senderID", sender.ID),
		slog.String("recipientID", recipientID),
		slog.String("event", event),
		slog.Int("connections", len(conns)),
	)
	return res, nil
}

// Deliver sends an already encoded frame to every connection of identityID and
// returns how many connections accepted it.
func (r *Router) Deliver(identityID string, frame []byte) int {
	sent := 0
	for _, conn := range r.registry.Get(identityID) {
		if conn.Send(frame) {
			sent++
		}
	}
	return sent
}

// Notify encodes {event, data} and delivers it to every connection of
// identityID.
func (r *Router) Notify(identityID, event string, data any) (int, error) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", event, err)
	}
	return r.Deliver(identityID, frame), nil
}

func (r *Router) notifyFailed(conn presence.Conn, recipientID, event string) {
	frame, err := protocol.Encode(protocol.EventDeliveryFailed, protocol.DeliveryFailed{
		RecipientID: recipientID,
		Event:       event,
	})
	if err != nil {
		r.logger.Error("Failed to encode delivery_failed", slog.Any("error", err))
		return
	}
	conn.Send(frame)
}
