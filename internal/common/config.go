package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Realtime    RealtimeConfig  `toml:"realtime"`
	Sessions    SessionsConfig  `toml:"sessions"`
	RateLimit   RateLimitConfig `toml:"ratelimit"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`

	// KVBackend selects where sessions and rate-limit counters live:
	// "memory" (single instance) or "redis" (shared across instances)
	KVBackend string      `toml:"kv_backend"`
	Redis     RedisConfig `toml:"redis"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// RedisConfig is used when kv_backend = "redis"
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// QueueConfig tunes the claim protocol and background sweeps
type QueueConfig struct {
	MaxClaimAttempts      int    `toml:"max_claim_attempts"`      // Claim-race retries before reporting queue contention
	OperationTimeout      string `toml:"operation_timeout"`       // Per store call deadline, e.g. "10s"
	StaleJobSweepSchedule string `toml:"stale_job_sweep"`         // Cron schedule for re-pending hung jobs
	StaleThresholdMinutes int    `toml:"stale_threshold_minutes"` // in_progress jobs idle longer than this get reset
}

// RealtimeConfig tunes the WebSocket hub and client
type RealtimeConfig struct {
	HeartbeatInterval string `toml:"heartbeat_interval"` // e.g. "30s"
	WriteTimeout      string `toml:"write_timeout"`      // e.g. "10s"

	// Client-side settings (workers, dashboards)
	ReconnectBase        string `toml:"reconnect_base"`         // Base backoff delay, e.g. "1s"
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"` // Give up after this many reconnects
	PendingQueueSize     int    `toml:"pending_queue_size"`     // Pre-auth outbound buffer; oldest dropped when full

	// Throttle interval for high-frequency progress broadcasts; empty
	// disables throttling
	ProgressThrottle string `toml:"progress_throttle"`
}

// SessionsConfig drives the session manager's sliding-expiry policy
type SessionsConfig struct {
	CustomerMaxAge   string `toml:"customer_max_age"`  // e.g. "24h"
	StaffMaxAge      string `toml:"staff_max_age"`     // e.g. "8h"
	RenewalThreshold string `toml:"renewal_threshold"` // Extend when this close to expiry
	SweepSchedule    string `toml:"sweep_schedule"`    // Cron schedule for expired-session removal
	EnforceIPCheck   bool   `toml:"enforce_ip_check"`  // Reject sessions whose request IP changed
	FlagIPChange     bool   `toml:"flag_ip_change"`    // Log (but allow) IP changes
}

// RateLimitConfig defines fixed-window budgets with optional burst
type RateLimitConfig struct {
	Enabled      bool   `toml:"enabled"`
	Window       string `toml:"window"`        // e.g. "1m"
	DefaultLimit int    `toml:"default_limit"` // Requests per window per identity+endpoint
	BurstEnabled bool   `toml:"burst_enabled"`
	BurstTokens  int    `toml:"burst_tokens"` // Overflow tokens refilled on window rollover

	// Per-endpoint budgets; keys may be exact paths or wildcard-suffix
	// patterns such as "/api/jobs/*"
	EndpointLimits map[string]int `toml:"endpoint_limits"`

	// Per-identity overrides, highest precedence after endpoint match
	IdentityLimits map[string]int `toml:"identity_limits"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability; only
// user-facing settings need to appear in dirigo.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			KVBackend: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Queue: QueueConfig{
			MaxClaimAttempts:      5,
			OperationTimeout:      "10s",
			StaleJobSweepSchedule: "0 */5 * * * *", // Every 5 minutes
			StaleThresholdMinutes: 30,
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval:    "30s",
			WriteTimeout:         "10s",
			ReconnectBase:        "1s",
			MaxReconnectAttempts: 8,
			PendingQueueSize:     256,
			ProgressThrottle:     "1s", // Max 1 progress broadcast per second per channel
		},
		Sessions: SessionsConfig{
			CustomerMaxAge:   "24h",
			StaffMaxAge:      "8h",
			RenewalThreshold: "1h",
			SweepSchedule:    "0 */10 * * * *", // Every 10 minutes
			EnforceIPCheck:   false,
			FlagIPChange:     true,
		},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			Window:       "1m",
			DefaultLimit: 60,
			BurstEnabled: false,
			BurstTokens:  10,
			EndpointLimits: map[string]int{
				"/api/jobs/claim": 120, // Workers poll aggressively
			},
			IdentityLimits: map[string]int{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2
// -> ... -> env. Later files override earlier ones; environment variables
// override all files; CLI flags are applied afterwards via ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("DIRIGO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("DIRIGO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("DIRIGO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if badgerPath := os.Getenv("DIRIGO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if backend := os.Getenv("DIRIGO_KV_BACKEND"); backend != "" {
		config.Storage.KVBackend = backend
	}
	if addr := os.Getenv("DIRIGO_REDIS_ADDR"); addr != "" {
		config.Storage.Redis.Addr = addr
	}

	if level := os.Getenv("DIRIGO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("DIRIGO_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// OperationTimeout parses the per-call store deadline, defaulting to 10s.
func (c *Config) OperationTimeout() time.Duration {
	return parseDurationOr(c.Queue.OperationTimeout, 10*time.Second)
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// parseDurationOr parses a duration string, falling back on bad input.
func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ParseDurationOr is the exported form used by services configuring
// themselves from string durations.
func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	return parseDurationOr(s, fallback)
}
