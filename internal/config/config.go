// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database (PostgreSQL with PostGIS)
	DatabaseURL string `koanf:"database_url"`

	// Redis. Optional: without it the service runs single-instance with
	// memory-only persistence.
	RedisURL string `koanf:"redis_url"`

	// Realtime location update stream. Optional: without it held results
	// only move on refetch.
	RealtimeURL string `koanf:"realtime_url"`

	// Location cache tuning
	CacheMaxEntries       int           `koanf:"cache_max_entries"`
	CacheKeyPrecision     int           `koanf:"cache_key_precision"`
	CacheStaleAfter       time.Duration `koanf:"cache_stale_after"`
	CacheExpireAfter      time.Duration `koanf:"cache_expire_after"`
	CacheOverlapThreshold float64       `koanf:"cache_overlap_threshold"`
	CachePersistInterval  time.Duration `koanf:"cache_persist_interval"`

	// Nearby fetcher tuning
	FetchDebounce    time.Duration `koanf:"fetch_debounce"`
	FetchMaxResults  int           `koanf:"fetch_max_results"`
	FetchMaxRetries  int           `koanf:"fetch_max_retries"`
	SelfHealInterval time.Duration `koanf:"self_heal_interval"`
	NearbyOnlineOnly bool          `koanf:"nearby_online_only"`

	// Presence tuning
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	TypingTimeout   time.Duration `koanf:"typing_timeout"`
	HeartbeatWindow time.Duration `koanf:"heartbeat_window"`

	// Cross-instance coordination tuning
	SyncInterval time.Duration `koanf:"sync_interval"`
	MasterWindow time.Duration `koanf:"master_window"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL      = errors.New("DATABASE_URL is required")
	ErrInvalidPort             = errors.New("PORT must be a valid integer")
	ErrPortOutOfRange          = errors.New("PORT must be between 1 and 65535")
	ErrInvalidKeyPrecision     = errors.New("CACHE_KEY_PRECISION must be between 0 and 8")
	ErrInvalidMaxEntries       = errors.New("CACHE_MAX_ENTRIES must be positive")
	ErrInvalidOverlapThreshold = errors.New("CACHE_OVERLAP_THRESHOLD must be between 0 and 1")
	ErrStaleAfterExceedsExpire = errors.New("CACHE_STALE_AFTER must be shorter than CACHE_EXPIRE_AFTER")
)

// Default values for non-secret configuration.
const (
	DefaultPort                  = 8080
	DefaultEnv                   = "development"
	DefaultCacheMaxEntries       = 50
	DefaultCacheKeyPrecision     = 3
	DefaultCacheStaleAfter       = 2 * time.Minute
	DefaultCacheExpireAfter      = 10 * time.Minute
	DefaultCacheOverlapThreshold = 0.2
	DefaultCachePersistInterval  = 30 * time.Second
	DefaultFetchDebounce         = 500 * time.Millisecond
	DefaultFetchMaxResults       = 50
	DefaultFetchMaxRetries       = 3
	DefaultSelfHealInterval      = 2 * time.Minute
	DefaultIdleTimeout           = 5 * time.Minute
	DefaultTypingTimeout         = 3 * time.Second
	DefaultHeartbeatWindow       = 3 * time.Minute
	DefaultSyncInterval          = 30 * time.Second
	DefaultMasterWindow          = 100 * time.Millisecond
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Try VICINITY_PORT first, then PORT for compatibility
	port, portErr := getEnvIntOrDefaultMulti([]string{"VICINITY_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	intField := func(envKey, koanfKey string, def int) int {
		v, err := getEnvIntOrDefault(envKey, k.Int(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}
	floatField := func(envKey, koanfKey string, def float64) float64 {
		v, err := getEnvFloatOrDefault(envKey, k.Float64(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}
	durField := func(envKey, koanfKey string, def time.Duration) time.Duration {
		v, err := getEnvDurationOrDefault(envKey, k.Duration(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}
	boolField := func(envKey, koanfKey string) bool {
		v, err := getEnvBoolOrDefault(envKey, k.Bool(koanfKey))
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:        port,
		Env:         getEnvOrDefaultMulti([]string{"VICINITY_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL: getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:    getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		RealtimeURL: getEnvOrKoanf("REALTIME_URL", k, "realtime_url"),

		CacheMaxEntries:       intField("CACHE_MAX_ENTRIES", "cache_max_entries", DefaultCacheMaxEntries),
		CacheKeyPrecision:     intField("CACHE_KEY_PRECISION", "cache_key_precision", DefaultCacheKeyPrecision),
		CacheStaleAfter:       durField("CACHE_STALE_AFTER", "cache_stale_after", DefaultCacheStaleAfter),
		CacheExpireAfter:      durField("CACHE_EXPIRE_AFTER", "cache_expire_after", DefaultCacheExpireAfter),
		CacheOverlapThreshold: floatField("CACHE_OVERLAP_THRESHOLD", "cache_overlap_threshold", DefaultCacheOverlapThreshold),
		CachePersistInterval:  durField("CACHE_PERSIST_INTERVAL", "cache_persist_interval", DefaultCachePersistInterval),

		FetchDebounce:    durField("FETCH_DEBOUNCE", "fetch_debounce", DefaultFetchDebounce),
		FetchMaxResults:  intField("FETCH_MAX_RESULTS", "fetch_max_results", DefaultFetchMaxResults),
		FetchMaxRetries:  intField("FETCH_MAX_RETRIES", "fetch_max_retries", DefaultFetchMaxRetries),
		SelfHealInterval: durField("SELF_HEAL_INTERVAL", "self_heal_interval", DefaultSelfHealInterval),
		NearbyOnlineOnly: boolField("NEARBY_ONLINE_ONLY", "nearby_online_only"),

		IdleTimeout:     durField("PRESENCE_IDLE_TIMEOUT", "idle_timeout", DefaultIdleTimeout),
		TypingTimeout:   durField("PRESENCE_TYPING_TIMEOUT", "typing_timeout", DefaultTypingTimeout),
		HeartbeatWindow: durField("PRESENCE_HEARTBEAT_WINDOW", "heartbeat_window", DefaultHeartbeatWindow),

		SyncInterval: durField("SYNC_INTERVAL", "sync_interval", DefaultSyncInterval),
		MasterWindow: durField("MASTER_WINDOW", "master_window", DefaultMasterWindow),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// IsProduction reports whether the server runs with a production environment tag.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, err)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault returns the environment variable as a duration if set,
// otherwise the koanf value, or default. Accepts Go duration strings ("500ms", "2m").
func getEnvDurationOrDefault(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", envKey, err)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBoolOrDefault returns the environment variable as a bool if set,
// otherwise the koanf value. Accepts strconv.ParseBool forms ("true", "1").
func getEnvBoolOrDefault(envKey string, koanfVal bool) (bool, error) {
	if val := os.Getenv(envKey); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return false, fmt.Errorf("%s must be a valid boolean: %w", envKey, err)
		}
		return b, nil
	}
	return koanfVal, nil
}

// Validate checks that all required configuration values are present and that
// tuning values are in range.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrPortOutOfRange)
	}
	if c.CacheKeyPrecision < 0 || c.CacheKeyPrecision > 8 {
		errs = append(errs, ErrInvalidKeyPrecision)
	}
	if c.CacheMaxEntries < 1 {
		errs = append(errs, ErrInvalidMaxEntries)
	}
	if c.CacheOverlapThreshold < 0 || c.CacheOverlapThreshold > 1 {
		errs = append(errs, ErrInvalidOverlapThreshold)
	}
	if c.CacheStaleAfter >= c.CacheExpireAfter {
		errs = append(errs, ErrStaleAfterExceedsExpire)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// Credentials embedded in connection URLs are masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                    fmt.Sprintf("%d", c.Port),
		"env":                     c.Env,
		"database_url":            maskURL(c.DatabaseURL),
		"redis_url":               maskURL(c.RedisURL),
		"realtime_url":            c.RealtimeURL,
		"cache_max_entries":       fmt.Sprintf("%d", c.CacheMaxEntries),
		"cache_key_precision":     fmt.Sprintf("%d", c.CacheKeyPrecision),
		"cache_stale_after":       c.CacheStaleAfter.String(),
		"cache_expire_after":      c.CacheExpireAfter.String(),
		"cache_overlap_threshold": fmt.Sprintf("%g", c.CacheOverlapThreshold),
		"cache_persist_interval":  c.CachePersistInterval.String(),
		"fetch_debounce":          c.FetchDebounce.String(),
		"fetch_max_results":       fmt.Sprintf("%d", c.FetchMaxResults),
		"fetch_max_retries":       fmt.Sprintf("%d", c.FetchMaxRetries),
		"self_heal_interval":      c.SelfHealInterval.String(),
		"nearby_online_only":      strconv.FormatBool(c.NearbyOnlineOnly),
		"idle_timeout":            c.IdleTimeout.String(),
		"typing_timeout":          c.TypingTimeout.String(),
		"heartbeat_window":        c.HeartbeatWindow.String(),
		"sync_interval":           c.SyncInterval.String(),
		"master_window":           c.MasterWindow.String(),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskURL masks the password in a connection URL.
// Supports postgres://, postgresql:// and redis:// schemes.
func maskURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
