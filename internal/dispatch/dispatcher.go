// Package dispatch decodes inbound frames, checks the caller's role and runs
// the handler registered for the event.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/a-essam23/go-presence/internal/directory"
	"github.com/a-essam23/go-presence/internal/metrics"
	"github.com/a-essam23/go-presence/internal/router"
	"github.com/a-essam23/go-presence/pkg/presence"
	"github.com/a-essam23/go-presence/pkg/protocol"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrForbidden    = errors.New("event not permitted for this role")
	ErrBadRequest   = errors.New("bad request")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

const tracerName = "github.com/a-essam23/go-presence/internal/dispatch"

// Dependencies are the collaborators the core handlers use.
type Dependencies struct {
	Registry  *presence.Registry
	Router    *router.Router
	Directory directory.Directory
	Store     directory.Store
	Metrics   *metrics.Recorder
}

type Config struct {
	// RateLimit is a per-connection budget like "20/s"; empty disables it.
	RateLimit string
	// StoreTimeout bounds each directory and store call made by a handler.
	StoreTimeout time.Duration
	// Clock stamps outgoing frames and drives rate windows; defaults to the
	// real clock.
	Clock clock.Clock
}

type Dispatcher struct {
	deps     Dependencies
	cfg      Config
	handlers *Registry
	limiter  *rateLimiter
	tracer   trace.Tracer
	clock    clock.Clock
	logger   *slog.Logger
}

// New builds a Dispatcher with the core handlers registered.
func New(deps Dependencies, cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	rate, err := ParseRate(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	d := &Dispatcher{
		deps:     deps,
		cfg:      cfg,
		handlers: NewRegistry(logger),
		tracer:   otel.Tracer(tracerName),
		clock:    cfg.Clock,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
	if !rate.Unlimited() {
		d.limiter = newRateLimiter(rate, cfg.Clock.Now)
	}
	d.registerCore()
	return d, nil
}

func (d *Dispatcher) now() time.Time {
	return d.clock.Now()
}

// Handlers exposes the handler table so callers can add events.
func (d *Dispatcher) Handlers() *Registry {
	return d.handlers
}

// Forget releases per-connection state once a connection has closed.
func (d *Dispatcher) Forget(connID uuid.UUID) {
	d.limiter.Forget(connID)
}

// HandleMessage processes one raw frame from s. Frames of a connection must be
// passed in arrival order; errors are reported to s and never close it.
func (d *Dispatcher) HandleMessage(ctx context.Context, s presence.Session, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		d.logger.Debug("Rejected frame", slog.String("connID", s.Conn.ID().String()), slog.Any("error", err))
		d.reportError(s, "", err)
		return
	}

	ctx, span := d.tracer.Start(ctx, "dispatch."+frame.Event, trace.WithAttributes(
		attribute.String("identity.id", s.Identity.ID),
		attribute.String("identity.role", string(s.Identity.Role)),
		attribute.String("conn.id", s.Conn.ID().String()),
	))
	defer span.End()

	err = d.dispatch(ctx, s, frame)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.reportError(s, frame.Event, err)
		return
	}
	d.deps.Metrics.ObserveFrame(frame.Event, "ok")
}

func (d *Dispatcher) dispatch(ctx context.Context, s presence.Session, frame protocol.Frame) (err error) {
	if !d.limiter.Allow(s.Conn.ID()) {
		return ErrRateLimited
	}
	h, ok := d.handlers.Get(frame.Event)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, frame.Event)
	}
	if !s.Identity.Permissions().Has(h.Permission) {
		return fmt.Errorf("%w: %s", ErrForbidden, frame.Event)
	}

	req := &Request{
		Context: ctx,
		Session: s,
		Frame:   frame,
		Logger: d.logger.With(
			slog.String("event", frame.Event),
			slog.String("identityID", s.Identity.ID),
		),
	}

	defer func() {
		if rec := recover(); rec != nil {
			req.Logger.Error("Handler panicked", slog.Any("panic", rec))
			err = fmt.Errorf("handler %s panicked: %v", frame.Event, rec)
		}
	}()
	return h.Fn(req)
}

// reportError sends the error event matching err to the connection.
func (d *Dispatcher) reportError(s presence.Session, event string, err error) {
	kind, reason := classify(err)
	d.deps.Metrics.ObserveFrame(event, kind)
	if kind == protocol.EventInternalError {
		d.logger.Error("Handler failed",
			slog.String("event", event),
			slog.String("identityID", s.Identity.ID),
			slog.Any("error", err),
		)
	}

	frame, encErr := protocol.Encode(kind, protocol.ErrorData{Reason: reason, Event: event})
	if encErr != nil {
		d.logger.Error("Failed to encode error event", slog.Any("error", encErr))
		return
	}
	s.Conn.Send(frame)
}

func classify(err error) (event, reason string) {
	switch {
	case errors.Is(err, protocol.ErrMalformedFrame),
		errors.Is(err, protocol.ErrMissingEvent),
		errors.Is(err, ErrUnknownEvent),
		errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrRateLimited):
		return protocol.EventProtocolError, err.Error()
	case errors.Is(err, ErrForbidden), errors.Is(err, router.ErrUnauthorized):
		return protocol.EventUnauthorized, err.Error()
	default:
		return protocol.EventInternalError, "internal error"
	}
}
