// Package lifecycle applies the side effects of connections joining and
// leaving: registry membership, presence snapshots and owner notifications.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/a-essam23/go-presence/internal/directory"
	"github.com/a-essam23/go-presence/internal/metrics"
	"github.com/a-essam23/go-presence/internal/mirror"
	"github.com/a-essam23/go-presence/internal/router"
	"github.com/a-essam23/go-presence/pkg/identity"
	"github.com/a-essam23/go-presence/pkg/presence"
	"github.com/a-essam23/go-presence/pkg/protocol"
)

type Config struct {
	// DirectoryTimeout bounds each ownership lookup.
	DirectoryTimeout time.Duration
	// MirrorTimeout bounds each presence mirror write.
	MirrorTimeout time.Duration
	// Clock stamps owner notifications; defaults to the real clock.
	Clock clock.Clock
}

func (c *Config) applyDefaults() {
	if c.DirectoryTimeout <= 0 {
		c.DirectoryTimeout = 5 * time.Second
	}
	if c.MirrorTimeout <= 0 {
		c.MirrorTimeout = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

type Manager struct {
	registry  *presence.Registry
	router    *router.Router
	directory directory.Directory
	mirror    mirror.Mirror
	metrics   *metrics.Recorder
	cfg       Config
	logger    *slog.Logger
}

// New builds a Manager. mir may be nil, in which case transitions are not
// mirrored.
func New(registry *presence.Registry, r *router.Router, dir directory.Directory, mir mirror.Mirror, rec *metrics.Recorder, cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if mir == nil {
		mir = mirror.Nop{}
	}
	return &Manager{
		registry:  registry,
		router:    r,
		directory: dir,
		mirror:    mir,
		metrics:   rec,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "lifecycle")),
	}
}

func (m *Manager) now() time.Time {
	return m.cfg.Clock.Now()
}

// Connect registers conn and pushes the connect notifications. It reports
// whether conn is the identity's first live connection.
func (m *Manager) Connect(ctx context.Context, ident identity.Identity, conn presence.Conn) bool {
	first := m.registry.Add(ident, conn)
	m.metrics.ConnectionOpened(string(ident.Role))
	if first {
		m.metrics.ObserveOnline(string(ident.Role))
		m.mirrorOnline(ident)
	}

	switch ident.Role {
	case identity.RoleController:
		m.pushSnapshot(ctx, ident)
	case identity.RoleDevice:
		if first {
			m.notifyOwner(ident, protocol.NotifyDeviceOnline)
		}
	}

	m.logger.Info("Identity connected",
		slog.String("identityID", ident.ID),
		slog.String("role", string(ident.Role)),
		slog.String("connID", conn.ID().String()),
		slog.Bool("first", first),
	)
	return first
}

// Disconnect unregisters conn. Calling it again for the same connection is a
// no-op. It reports whether the identity went offline.
func (m *Manager) Disconnect(ident identity.Identity, conn presence.Conn) bool {
	removed, last := m.registry.Remove(ident, conn)
	if !removed {
		return false
	}
	m.metrics.ConnectionClosed(string(ident.Role))

	if last {
		m.metrics.ObserveOffline(string(ident.Role))
		m.mirrorOffline(ident)
		if ident.IsDevice() {
			m.notifyOwner(ident, protocol.NotifyDeviceOffline)
		}
	}

	m.logger.Info("Identity disconnected",
		slog.String("identityID", ident.ID),
		slog.String("role", string(ident.Role)),
		slog.String("connID", conn.ID().String()),
		slog.Bool("last", last),
	)
	return last
}

// OnlineDevicesOf returns the controller's devices that are currently online.
func (m *Manager) OnlineDevicesOf(ctx context.Context, controllerID string) ([]protocol.DeviceRef, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DirectoryTimeout)
	defer cancel()

	devices, err := m.directory.ListDevicesOf(ctx, controllerID)
	if err != nil {
		return nil, err
	}
	online := make([]protocol.DeviceRef, 0, len(devices))
	for _, d := range devices {
		if m.registry.IsDeviceOnline(d.ID) {
			online = append(online, d)
		}
	}
	return online, nil
}

func (m *Manager) pushSnapshot(ctx context.Context, controller identity.Identity) {
	online, err := m.OnlineDevicesOf(ctx, controller.ID)
	if err != nil {
		m.logger.Warn("Directory lookup failed, skipping presence snapshot",
			slog.String("controllerID", controller.ID),
			slog.Any("error", err),
		)
		return
	}
	_, err = m.router.Notify(controller.ID, protocol.EventPresenceSnapshot, protocol.PresenceSnapshot{
		Devices:   online,
		Timestamp: m.now(),
	})
	if err != nil {
		m.logger.Error("Failed to send presence snapshot", slog.Any("error", err))
	}
}

func (m *Manager) notifyOwner(device identity.Identity, role string) {
	if device.OwnerID == "" || !m.registry.IsControllerOnline(device.OwnerID) {
		return
	}
	_, err := m.router.Notify(device.OwnerID, protocol.EventOwnerNotify, protocol.OwnerNotify{
		Role:      role,
		Device:    protocol.DeviceRef{ID: device.ID, Name: device.DisplayName},
		Timestamp: m.now(),
	})
	if err != nil {
		m.logger.Error("Failed to notify owner",
			slog.String("ownerID", device.OwnerID),
			slog.String("role", role),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) mirrorOnline(ident identity.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.MirrorTimeout)
	defer cancel()
	if err := m.mirror.SetOnline(ctx, ident); err != nil {
		m.logger.Warn("Presence mirror update failed", slog.String("identityID", ident.ID), slog.Any("error", err))
	}
}

func (m *Manager) mirrorOffline(ident identity.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.MirrorTimeout)
	defer cancel()
	if err := m.mirror.SetOffline(ctx, ident); err != nil {
		m.logger.Warn("Presence mirror update failed", slog.String("identityID", ident.ID), slog.Any("error", err))
	}
}
