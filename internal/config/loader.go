package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		// Get tags
		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		// Set the field value
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// All violations are collected and reported together.
func (c *Config) Validate() error {
	var errs *multierror.Error

	fail := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	// Database validation
	if c.Database.URL == "" {
		fail("DATABASE_URL is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		fail("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns)
	}
	if c.Database.MaxConns <= 0 {
		fail("DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		fail("DB_MIN_CONNS must be non-negative")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		fail("SERVER_PORT (%d) must be 1-65535", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		fail("SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		fail("SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Remote platform validation
	if !strings.HasPrefix(c.Salesforce.LoginURL, "http://") && !strings.HasPrefix(c.Salesforce.LoginURL, "https://") {
		fail("SF_LOGIN_URL (%q) must be an http(s) URL", c.Salesforce.LoginURL)
	}
	if c.Salesforce.APIVersion == "" {
		fail("SF_API_VERSION must not be empty")
	}
	if c.Salesforce.CallTimeout <= 0 {
		fail("SF_CALL_TIMEOUT must be positive")
	}
	if c.Salesforce.QueryTimeout <= 0 {
		fail("SF_QUERY_TIMEOUT must be positive")
	}

	// Vault validation
	if len(c.Vault.Salt) < 16 {
		fail("VAULT_SALT must be at least 16 bytes, got %d", len(c.Vault.Salt))
	}
	if c.Vault.Passphrase == "" {
		fail("VAULT_PASSPHRASE is required")
	}

	// Jobs validation
	if c.Jobs.BatchSize <= 0 {
		fail("JOBS_BATCH_SIZE must be positive")
	}
	if c.Jobs.BatchSize > MaxBatchSize {
		fail("JOBS_BATCH_SIZE (%d) exceeds the platform batch limit (%d)", c.Jobs.BatchSize, MaxBatchSize)
	}
	if c.Jobs.MaxConcurrent <= 0 {
		fail("JOBS_MAX_CONCURRENT must be positive")
	}
	if c.Jobs.PollInterval <= 0 {
		fail("JOBS_POLL_INTERVAL must be positive")
	}
	if c.Jobs.PollMaxAttempts <= 0 {
		fail("JOBS_POLL_MAX_ATTEMPTS must be positive")
	}
	if c.Jobs.BackoffInitial <= 0 {
		fail("JOBS_BACKOFF_INITIAL must be positive")
	}
	if c.Jobs.BackoffMax < c.Jobs.BackoffInitial {
		fail("JOBS_BACKOFF_MAX must be >= JOBS_BACKOFF_INITIAL")
	}
	if c.Jobs.JobTimeout <= 0 {
		fail("JOBS_TIMEOUT must be positive")
	}

	// Upload validation
	if c.Upload.MaxFileBytes <= 0 {
		fail("UPLOAD_MAX_FILE_BYTES must be positive")
	}
	if c.Upload.PreviewRows <= 0 {
		fail("UPLOAD_PREVIEW_ROWS must be positive")
	}

	// Rate limit validation
	if c.Rate.Enabled && c.Rate.RequestsPerSecond <= 0 {
		fail("RATE_LIMIT_RPS must be positive when rate limiting is enabled")
	}
	if c.Rate.Enabled && c.Rate.Burst <= 0 {
		fail("RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}

	// Web validation
	if len(c.Web.SessionSecret) < 32 {
		fail("SESSION_SECRET must be at least 32 bytes, got %d", len(c.Web.SessionSecret))
	}
	if c.Web.SessionTTL <= 0 {
		fail("SESSION_TTL must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		fail("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		fail("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)
	}

	return errs.ErrorOrNil()
}

// String returns a safe string representation of the config for logging.
// Secrets and connection strings are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Salesforce: {LoginURL: %q, APIVersion: %q, ClientID: [MASKED]}, ",
		c.Salesforce.LoginURL, c.Salesforce.APIVersion))
	b.WriteString("Vault: {Passphrase: [MASKED], Salt: [MASKED]}, ")
	b.WriteString(fmt.Sprintf("Jobs: {BatchSize: %d, MaxConcurrent: %d, PollInterval: %s}, ",
		c.Jobs.BatchSize, c.Jobs.MaxConcurrent, c.Jobs.PollInterval))
	b.WriteString(fmt.Sprintf("Upload: {Dir: %q, MaxFileBytes: %d}, ",
		c.Upload.Dir, c.Upload.MaxFileBytes))
	b.WriteString(fmt.Sprintf("Rate: {Enabled: %v, RequestsPerSecond: %d}, ",
		c.Rate.Enabled, c.Rate.RequestsPerSecond))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
