// Package config provides centralized configuration management for the service.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Salesforce SalesforceConfig
	Vault      VaultConfig
	Jobs       JobsConfig
	Upload     UploadConfig
	Rate       RateLimitConfig
	Web        WebConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// WriteTimeout is the maximum duration for writing response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 10s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"10s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// SalesforceConfig holds settings for the remote platform connection.
type SalesforceConfig struct {
	// LoginURL is the OAuth authorization host (default: production login)
	LoginURL string `env:"SF_LOGIN_URL" default:"https://login.salesforce.com"`

	// APIVersion is the platform API version used for all endpoints (default: 62.0)
	APIVersion string `env:"SF_API_VERSION" default:"62.0"`

	// ClientID is the connected app consumer key (required)
	ClientID string `env:"SF_CLIENT_ID" required:"true"`

	// ClientSecret is the connected app consumer secret (required)
	ClientSecret string `env:"SF_CLIENT_SECRET" required:"true"`

	// RedirectURL is the OAuth callback URL registered with the connected app
	RedirectURL string `env:"SF_REDIRECT_URL" default:"http://localhost:8080/auth/callback"`

	// CallTimeout is the per-request deadline for REST and SOAP calls (default: 60s)
	CallTimeout time.Duration `env:"SF_CALL_TIMEOUT" default:"60s"`

	// QueryTimeout is the deadline for query calls, which can run long (default: 120s)
	QueryTimeout time.Duration `env:"SF_QUERY_TIMEOUT" default:"120s"`
}

// VaultConfig holds credential encryption settings.
type VaultConfig struct {
	// Passphrase is the master passphrase the encryption key is derived from (required)
	Passphrase string `env:"VAULT_PASSPHRASE" required:"true"`

	// Salt is the key-derivation salt, at least 16 bytes (required)
	Salt string `env:"VAULT_SALT" required:"true"`
}

// JobsConfig holds bulk job orchestration settings.
type JobsConfig struct {
	// BatchSize is the number of records per bulk batch (default: 200, max: 10000)
	BatchSize int `env:"JOBS_BATCH_SIZE" default:"200"`

	// MaxConcurrent is the maximum number of jobs in flight per process (default: 3)
	MaxConcurrent int `env:"JOBS_MAX_CONCURRENT" default:"3"`

	// MaxWaitTime is how long Submit waits for a job slot (default: 30s)
	MaxWaitTime time.Duration `env:"JOBS_MAX_WAIT_TIME" default:"30s"`

	// PollInterval is the base delay between status polls (default: 5s)
	PollInterval time.Duration `env:"JOBS_POLL_INTERVAL" default:"5s"`

	// PollMaxAttempts is the retry budget for transient poll failures (default: 5)
	PollMaxAttempts int `env:"JOBS_POLL_MAX_ATTEMPTS" default:"5"`

	// BackoffInitial is the first retry delay after a transient failure (default: 1s)
	BackoffInitial time.Duration `env:"JOBS_BACKOFF_INITIAL" default:"1s"`

	// BackoffMax caps the retry delay (default: 60s)
	BackoffMax time.Duration `env:"JOBS_BACKOFF_MAX" default:"60s"`

	// JobTimeout bounds the whole lifetime of one job's poll worker (default: 30m)
	JobTimeout time.Duration `env:"JOBS_TIMEOUT" default:"30m"`

	// RetainFor is how long terminal jobs stay in the in-memory index (default: 10m)
	RetainFor time.Duration `env:"JOBS_RETAIN_FOR" default:"10m"`
}

// UploadConfig holds CSV staging settings.
type UploadConfig struct {
	// Dir is the directory uploaded files are staged to (default: ./uploads)
	Dir string `env:"UPLOAD_DIR" default:"./uploads"`

	// MaxFileBytes is the maximum allowed file size in bytes (default: 50MB)
	MaxFileBytes int64 `env:"UPLOAD_MAX_FILE_BYTES" default:"52428800"`

	// PreviewRows is the number of data rows returned by preview (default: 10)
	PreviewRows int `env:"UPLOAD_PREVIEW_ROWS" default:"10"`
}

// RateLimitConfig holds request rate limiting settings.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerSecond is the sustained per-client rate (default: 10)
	RequestsPerSecond int `env:"RATE_LIMIT_RPS" default:"10"`

	// Burst is the per-client burst allowance (default: 20)
	Burst int `env:"RATE_LIMIT_BURST" default:"20"`
}

// WebConfig holds session and API surface settings.
type WebConfig struct {
	// SessionSecret signs browser session tokens (required)
	SessionSecret string `env:"SESSION_SECRET" required:"true"`

	// SessionTTL is how long a session token stays valid (default: 12h)
	SessionTTL time.Duration `env:"SESSION_TTL" default:"12h"`

	// AdminEnabled exposes the destructive admin endpoints (default: false)
	AdminEnabled bool `env:"ADMIN_ENABLED" default:"false"`

	// TrustedProxies lists proxy CIDRs whose forwarding headers are honored
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: json)
	Format string `env:"LOG_FORMAT" default:"json"`
}

// MaxBatchSize is the largest batch the remote bulk endpoint accepts.
const MaxBatchSize = 10000

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
