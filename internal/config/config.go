// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Rate     RateLimitConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for non-streaming requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// RunWorkers starts the import dispatcher in the API process (default: true)
	RunWorkers bool `env:"SERVER_RUN_WORKERS" default:"true"`

	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// X-Real-IP and X-Forwarded-For headers are honoured
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate applies the schema at startup (default: true)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"true"`
}

// Refresh modes for downstream reporting views.
const (
	RefreshNone     = "none"
	RefreshPostgres = "postgres"
	RefreshKafka    = "kafka"
)

// ImportConfig holds fiscal file import settings.
type ImportConfig struct {
	// BaseDir confines import paths; empty allows any readable path
	BaseDir string `env:"IMPORT_BASE_DIR"`

	// ChunkSize is the byte window read per chunk (default: 8MiB)
	ChunkSize int `env:"IMPORT_CHUNK_SIZE" default:"8388608"`

	// MaxConcurrent is the number of jobs processed in parallel (default: 3)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"3"`

	// MaxWaitTime is how long a resume waits for a worker slot (default: 30s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`

	// PollInterval is how often the dispatcher looks for pending jobs (default: 2s)
	PollInterval time.Duration `env:"IMPORT_POLL_INTERVAL" default:"2s"`

	// StaleAfter flags unfinished jobs not updated for this long (default: 2m)
	StaleAfter time.Duration `env:"IMPORT_STALE_AFTER" default:"2m"`

	// RefreshMode is how reporting views are refreshed: none, postgres, kafka (default: none)
	RefreshMode string `env:"IMPORT_REFRESH_MODE" default:"none"`

	// RefreshViews lists materialized views refreshed in postgres mode
	RefreshViews []string `env:"IMPORT_REFRESH_VIEWS"`

	// RefreshTimeout bounds the view refresh (default: 30s)
	RefreshTimeout time.Duration `env:"IMPORT_REFRESH_TIMEOUT" default:"30s"`

	// HeaderScanLines is how many lines are probed for the header record (default: 50)
	HeaderScanLines int `env:"IMPORT_HEADER_SCAN_LINES" default:"50"`

	// Encoding of ledger files: latin1 or utf8 (default: latin1)
	Encoding string `env:"IMPORT_ENCODING" default:"latin1"`

	// LayoutFile overrides the embedded record layout
	LayoutFile string `env:"IMPORT_LAYOUT_FILE"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// ImportLimit is requests per minute for import creation (default: 10)
	ImportLimit int `env:"RATE_LIMIT_IMPORT" default:"10"`
}

// KafkaConfig holds event publishing settings. No brokers disables Kafka.
type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS"`

	// EventsTopic receives job lifecycle events
	EventsTopic string `env:"KAFKA_EVENTS_TOPIC" default:"fiscal-import.events"`

	// RefreshTopic receives view refresh requests in kafka refresh mode
	RefreshTopic string `env:"KAFKA_REFRESH_TOPIC" default:"fiscal-import.refresh"`

	// WriteTimeout bounds each acknowledged write (default: 10s)
	WriteTimeout time.Duration `env:"KAFKA_WRITE_TIMEOUT" default:"10s"`

	// PublishProgress also publishes per-chunk progress events (default: false)
	PublishProgress bool `env:"KAFKA_PUBLISH_PROGRESS" default:"false"`
}

// Enabled reports whether brokers are configured.
func (c *KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// RedisConfig holds progress fan-out settings. An empty address disables Redis.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" default:"0"`

	// ChannelPrefix is prepended to the job id to name progress channels
	ChannelPrefix string `env:"REDIS_CHANNEL_PREFIX" default:"fiscal-import:progress:"`
}

// Enabled reports whether an address is configured.
func (c *RedisConfig) Enabled() bool { return c.Addr != "" }

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
