// Package liveness probes every live connection on a fixed period and reaps
// the ones that did not acknowledge the previous probe.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/a-essam23/go-presence/internal/metrics"
	"github.com/a-essam23/go-presence/internal/mirror"
	"github.com/a-essam23/go-presence/pkg/presence"
	"github.com/a-essam23/go-presence/pkg/transport"
)

const DefaultInterval = 30 * time.Second

type Config struct {
	Interval time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
}

// SweepResult counts what one round did.
type SweepResult struct {
	Probed int
	Reaped int
}

type Monitor struct {
	registry *presence.Registry
	mirror   mirror.Mirror
	metrics  *metrics.Recorder
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	probes sync.WaitGroup
}

func New(registry *presence.Registry, mir mirror.Mirror, rec *metrics.Recorder, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if mir == nil {
		mir = mirror.Nop{}
	}
	return &Monitor{
		registry: registry,
		mirror:   mir,
		metrics:  rec,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   logger.With(slog.String("component", "liveness")),
	}
}

// Run sweeps every interval until ctx is cancelled, then waits for in-flight
// probes to finish.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()
	defer m.probes.Wait()

	m.logger.Info("Liveness monitor started", slog.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Liveness monitor stopped")
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one round: connections that never acknowledged the last probe
// are closed, every other connection is probed again. Probes and closes run
// in their own goroutines.
func (m *Monitor) Sweep(ctx context.Context) SweepResult {
	probe, reap := m.registry.BeginLivenessRound()

	for _, s := range reap {
		m.logger.Info("Reaping unresponsive connection",
			slog.String("identityID", s.Identity.ID),
			slog.String("connID", s.Conn.ID().String()),
		)
		go s.Conn.Close(transport.ErrLivenessTimeout)
	}

	for _, s := range probe {
		m.probes.Add(1)
		go m.probe(ctx, s.Conn)
	}

	m.metrics.ObserveReaped(len(reap))
	m.refreshMirror(ctx)

	if len(reap) > 0 {
		m.logger.Debug("Liveness round finished", slog.Int("probed", len(probe)), slog.Int("reaped", len(reap)))
	}
	return SweepResult{Probed: len(probe), Reaped: len(reap)}
}

func (m *Monitor) probe(ctx context.Context, conn presence.Conn) {
	defer m.probes.Done()

	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		m.logger.Debug("Liveness probe unanswered",
			slog.String("connID", conn.ID().String()),
			slog.Any("error", err),
		)
		return
	}
	m.registry.Ack(conn.ID(), m.clock.Now())
}

func (m *Monitor) refreshMirror(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	if err := m.mirror.Refresh(ctx, m.registry.OnlineIDs()); err != nil {
		m.logger.Warn("Presence mirror refresh failed", slog.Any("error", err))
	}
}

// Wait blocks until every probe started so far has returned.
func (m *Monitor) Wait() {
	m.probes.Wait()
}
