package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

const EnvPrefix = "GOPRESENCE"

var (
	ErrMissingSecret  = errors.New("server.auth.jwtSecret is required")
	ErrInvalidLimiter = errors.New("server.connectionLimit.mode must be \"reject\" or \"cycle\"")
)

// SetDefaults registers every known key so environment overrides resolve.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "")
	v.SetDefault("server.auth.queryParam", "token")
	v.SetDefault("server.connectionLimit.maxPerUser", 0)
	v.SetDefault("server.connectionLimit.mode", "cycle")
	v.SetDefault("server.shutdownTimeout", "10s")

	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("transport.maxMessageSize", 64*1024)

	v.SetDefault("liveness.interval", "30s")

	v.SetDefault("dispatch.rateLimit", "")
	v.SetDefault("dispatch.storeTimeout", "5s")

	v.SetDefault("directory.dsn", "")
	v.SetDefault("directory.timeout", "5s")
	v.SetDefault("directory.maxOpenConns", 20)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "presence")
	v.SetDefault("redis.ttl", "90s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxSizeMB", 100)
	v.SetDefault("log.maxBackups", 5)
	v.SetDefault("log.maxAgeDays", 28)

	v.SetDefault("metrics.enabled", true)
}

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	return LoadFrom(viper.New(), logger, fileName)
}

// LoadFrom is Load on a caller-supplied viper instance, so command-line flags
// bound to it take precedence.
func LoadFrom(v *viper.Viper, logger *slog.Logger, fileName string) (*Config, error) {
	SetDefaults(v)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Auth.JWTSecret == "" {
		return ErrMissingSecret
	}
	switch c.Server.ConnectionLimit.Mode {
	case "reject", "cycle":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidLimiter, c.Server.ConnectionLimit.Mode)
	}
	if c.Server.ConnectionLimit.MaxPerUser < 0 {
		return errors.New("server.connectionLimit.maxPerUser must not be negative")
	}
	return nil
}
