package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/a-essam23/go-presence/internal/directory"
	"github.com/a-essam23/go-presence/internal/metrics"
	"github.com/a-essam23/go-presence/internal/mirror"
	"github.com/a-essam23/go-presence/internal/server"
	"github.com/a-essam23/go-presence/pkg/config"
	"github.com/a-essam23/go-presence/pkg/identity"
	"github.com/a-essam23/go-presence/pkg/logging"
)

func serveCmd() *cobra.Command {
	var configName string
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket server",
		Long: `Run the WebSocket server.

Configuration is read from <config>.yaml in the working directory, then from
GOPRESENCE_* environment variables (GOPRESENCE_SERVER_AUTH_JWTSECRET, ...),
then from flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v, configName)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configName, "config", "c", "config", "Config file name without extension")
	flags.String("addr", ":8080", "Listen address")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")
	flags.String("dsn", "", "PostgreSQL DSN for the device directory (in-memory when empty)")
	flags.String("redis-addr", "", "Redis address for the presence mirror (disabled when empty)")
	flags.String("rate-limit", "", "Per-connection frame budget, e.g. 20/s")

	for key, flag := range map[string]string{
		"server.address":     "addr",
		"log.level":          "log-level",
		"log.format":         "log-format",
		"directory.dsn":      "dsn",
		"redis.addr":         "redis-addr",
		"dispatch.rateLimit": "rate-limit",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func runServe(parent context.Context, v *viper.Viper, configName string) (err error) {
	bootLogger := logging.New(logging.LevelInfo)
	cfg, err := config.LoadFrom(v, bootLogger, configName)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.NewWithOptions(logging.Options{
		Level:      level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, logCloser.Close()) }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := server.Dependencies{
		Resolver: identity.NewJWTResolver(cfg.Server.Auth.JWTSecret),
	}

	if cfg.Directory.DSN != "" {
		pg, openErr := directory.OpenPostgres(ctx, directory.PostgresConfig{
			DSN:          cfg.Directory.DSN,
			ConnTimeout:  cfg.Directory.Timeout,
			MaxOpenConns: cfg.Directory.MaxOpenConns,
		})
		if openErr != nil {
			return openErr
		}
		defer func() { err = multierr.Append(err, pg.Close()) }()
		deps.Directory, deps.Store = pg, pg
		logger.Info("Using PostgreSQL directory")
	} else {
		mem := directory.NewMemory()
		deps.Directory, deps.Store = mem, mem
		logger.Warn("No directory DSN configured, using an empty in-memory directory")
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { err = multierr.Append(err, client.Close()) }()
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			logger.Warn("Redis unreachable, presence mirror writes will fail until it recovers", slog.Any("error", pingErr))
		}
		deps.Mirror = mirror.NewRedis(client, mirror.Config{KeyPrefix: cfg.Redis.KeyPrefix, TTL: cfg.Redis.TTL}, logger)
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		deps.Metrics = metrics.NewRecorder(reg)
		deps.Gatherer = reg
	}

	app, err := server.NewApp(logger, ctx, cfg, deps)
	if err != nil {
		return err
	}
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		return err
	}
	logger.Info("Application shut down successfully.")
	return nil
}
