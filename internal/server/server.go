package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/a-essam23/go-presence/internal/directory"
	"github.com/a-essam23/go-presence/internal/dispatch"
	"github.com/a-essam23/go-presence/internal/lifecycle"
	"github.com/a-essam23/go-presence/internal/liveness"
	"github.com/a-essam23/go-presence/internal/metrics"
	"github.com/a-essam23/go-presence/internal/mirror"
	"github.com/a-essam23/go-presence/internal/router"
	"github.com/a-essam23/go-presence/internal/server/middleware"
	"github.com/a-essam23/go-presence/pkg/config"
	"github.com/a-essam23/go-presence/pkg/identity"
	"github.com/a-essam23/go-presence/pkg/presence"
	"github.com/a-essam23/go-presence/pkg/protocol"
	"github.com/a-essam23/go-presence/pkg/transport"
)

var ErrWaitTimeout = errors.New("timed out waiting for connections to close")

// Dependencies are the external collaborators the App is wired with.
type Dependencies struct {
	Resolver  identity.Resolver
	Directory directory.Directory
	Store     directory.Store
	// Mirror is optional.
	Mirror mirror.Mirror
	// Metrics and Gatherer are optional; /metrics is served when both are set.
	Metrics  *metrics.Recorder
	Gatherer prometheus.Gatherer
	// Clock drives the liveness monitor and stamps outgoing frames; defaults to
	// the real clock.
	Clock clock.Clock
}

type App struct {
	logger     *slog.Logger
	config     *config.Config
	registry   *presence.Registry
	router     *router.Router
	lifecycle  *lifecycle.Manager
	dispatcher *dispatch.Dispatcher
	monitor    *liveness.Monitor
	metrics    *metrics.Recorder
	wg         sync.WaitGroup
	http       *http.Server

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootContx context.Context, cfg *config.Config, deps Dependencies) (*App, error) {
	if deps.Resolver == nil {
		deps.Resolver = identity.NewJWTResolver(cfg.Server.Auth.JWTSecret)
	}
	if deps.Directory == nil || deps.Store == nil {
		return nil, errors.New("server: directory and store are required")
	}

	registry := presence.NewRegistry(logger)
	r := router.New(registry, router.OwnerPolicy, deps.Metrics, logger)
	manager := lifecycle.New(registry, r, deps.Directory, deps.Mirror, deps.Metrics, lifecycle.Config{
		DirectoryTimeout: cfg.Directory.Timeout,
		Clock:            deps.Clock,
	}, logger)
	dispatcher, err := dispatch.New(dispatch.Dependencies{
		Registry:  registry,
		Router:    r,
		Directory: deps.Directory,
		Store:     deps.Store,
		Metrics:   deps.Metrics,
	}, dispatch.Config{
		RateLimit:    cfg.Dispatch.RateLimit,
		StoreTimeout: cfg.Dispatch.StoreTimeout,
		Clock:        deps.Clock,
	}, logger)
	if err != nil {
		return nil, err
	}
	monitor := liveness.New(registry, deps.Mirror, deps.Metrics, liveness.Config{
		Interval: cfg.Liveness.Interval,
		Clock:    deps.Clock,
	}, logger)

	app := &App{
		logger:     logger.With(slog.String("component", "server")),
		config:     cfg,
		registry:   registry,
		router:     r,
		lifecycle:  manager,
		dispatcher: dispatcher,
		monitor:    monitor,
		metrics:    deps.Metrics,
		ctx:        rootContx,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.RealIP)
	mux.Use(chimw.Recoverer)
	mux.Get("/healthz", app.healthHandler)
	if deps.Metrics != nil && deps.Gatherer != nil && cfg.Metrics.Enabled {
		mux.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := middleware.UserConnectionCounter(registry.Count)
	// closes the identity's oldest connection to make room for a new one.
	connCycler := func(identityID string) {
		oldest, found := registry.Oldest(identityID)
		if found {
			app.logger.Info("Cycling connection: closing oldest", slog.String("identityID", identityID), slog.String("connID", oldest.ID().String()))
			oldest.Close(transport.ErrCycled)
		}
	}
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(app.logger, deps.Resolver, cfg.Server.Auth.QueryParam, deps.Metrics),
			middleware.NewConnectionLimiter(
				app.logger,
				connCounter,
				connCycler,
				cfg.Server.ConnectionLimit,
				deps.Metrics,
			),
		),
	)

	app.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app, nil
}

// Handler returns the HTTP handler, for serving the App from a test server.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

func (a *App) Registry() *presence.Registry {
	return a.registry
}

func (a *App) Monitor() *liveness.Monitor {
	return a.monitor
}

// Run serves HTTP and runs the liveness monitor until the root context is
// cancelled or either of them fails, then shuts down.
func (a *App) Run() error {
	g, ctx := errgroup.WithContext(a.ctx)

	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.monitor.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || !reqMeta.Authenticated() {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	ident := reqMeta.Identity
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("identityID", ident.ID),
		slog.String("role", string(ident.Role)),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		context.WithoutCancel(r.Context()),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		connLogger,
	)
	session := presence.Session{Identity: ident, Conn: conn}
	conn.SetOnMessageHandler(func(ctx context.Context, _ uuid.UUID, msg []byte) {
		a.dispatcher.HandleMessage(ctx, session, msg)
	})
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()), slog.Any("reason", err))
		a.lifecycle.Disconnect(ident, conn)
		a.dispatcher.Forget(id)
	})

	ack, err := protocol.Encode(protocol.EventConnectionAck, protocol.ConnectionAck{
		ID:      ident.ID,
		Name:    ident.DisplayName,
		Role:    string(ident.Role),
		Message: "connected",
	})
	if err != nil {
		connLogger.Error("Failed to encode connection ack", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.Send(ack)
	a.lifecycle.Connect(r.Context(), ident, conn)

	connLogger.Info("Connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

type healthResponse struct {
	Status   string         `json:"status"`
	Presence presence.Stats `json:"presence"`
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(healthResponse{Status: "ok", Presence: a.registry.Stats()}); err != nil {
		a.logger.Warn("Failed to write health response", slog.Any("error", err))
	}
}

// Shutdown stops accepting connections, closes every live connection with a
// going-away status and waits for their cleanup.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs error
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	a.logger.Info("Closing all active connections...")
	a.CloseAll(transport.ErrShutdown)

	// wait for all connection goroutines to finish their cleanup.
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		errs = multierr.Append(errs, ErrWaitTimeout)
	}

	if errs != nil {
		return errs
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}

// CloseAll closes every live connection concurrently with reason.
func (a *App) CloseAll(reason error) {
	for _, s := range a.registry.All() {
		go s.Conn.Close(reason)
	}
}
