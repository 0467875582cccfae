package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Liveness  LivenessConfig
	Dispatch  DispatchConfig
	Directory DirectoryConfig
	Redis     RedisConfig
	Log       LogConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdownTimeout"`
}

type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwtSecret"`
	QueryParam string `mapstructure:"queryParam"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	SendBuffer     int           `mapstructure:"sendBuffer"`
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`
}

type LivenessConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type DispatchConfig struct {
	RateLimit    string        `mapstructure:"rateLimit"` // e.g. "20/s"; empty disables
	StoreTimeout time.Duration `mapstructure:"storeTimeout"`
}

// DirectoryConfig selects the ownership directory. An empty DSN uses the
// in-memory directory.
type DirectoryConfig struct {
	DSN          string        `mapstructure:"dsn"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxOpenConns int           `mapstructure:"maxOpenConns"`
}

// RedisConfig enables the presence mirror when Addr is set.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"keyPrefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "text" or "json"
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
