// Package config provides configuration loading for the session coordinator.
//
// Values come from environment variables. An optional TOML or YAML file,
// named by --config or COORDINATOR_CONFIG, supplies defaults for the same
// keys; the environment always wins.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for the session coordinator.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Storage
	DatabasePath string

	// Admission tokens
	AdmissionSecret   string
	AdmissionTokenTTL time.Duration
	AdmissionJWKSURL  string
	AdmissionIssuer   string
	AdmissionAudience string

	// Service-to-service auth
	InternalSecret      string
	InternalTokenMaxAge time.Duration
	CallbackSecret      string

	// Collaborators
	ProvisionerURL        string
	CompletionCallbackURL string

	// Token aggregation
	TokenFlushInterval time.Duration
	TokenMaxFragments  int

	// Presence
	PresenceGracePeriod   time.Duration
	PresenceIdleAfter     time.Duration
	PresenceAwayAfter     time.Duration
	PresenceSweepSchedule string
	SessionIdleTTL        time.Duration

	// Connections
	ConnectionSendBuffer int
	ConnectionRateLimit  float64
	ConnectionRateBurst  int
	PingInterval         time.Duration
	PongTimeout          time.Duration
	SubscribeTimeout     time.Duration

	DefaultModel string
	WarmOnTyping bool

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, using the file at path
// (or COORDINATOR_CONFIG when path is empty) for defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("COORDINATOR_CONFIG")
	}
	file, err := readFile(path)
	if err != nil {
		return nil, err
	}
	e := env{file: file}

	cfg := &Config{
		Port:           e.getEnvInt("COORDINATOR_PORT", 8080),
		Host:           e.getEnv("COORDINATOR_HOST", "0.0.0.0"),
		AllowedOrigins: e.getEnvStringSlice("ALLOWED_ORIGINS", nil),

		DatabasePath: e.getEnv("DATABASE_PATH", "session-coordinator.db"),

		AdmissionSecret:   e.getEnv("ADMISSION_TOKEN_SECRET", ""),
		AdmissionTokenTTL: e.getEnvDuration("ADMISSION_TOKEN_TTL", 5*time.Minute),
		AdmissionJWKSURL:  e.getEnv("ADMISSION_JWKS_URL", ""),
		AdmissionIssuer:   e.getEnv("ADMISSION_ISSUER", "session-coordinator"),
		AdmissionAudience: e.getEnv("ADMISSION_AUDIENCE", "session-ws"),

		InternalSecret:      e.getEnv("INTERNAL_API_SECRET", ""),
		InternalTokenMaxAge: e.getEnvDuration("INTERNAL_TOKEN_MAX_AGE", 5*time.Minute),
		CallbackSecret:      e.getEnv("CALLBACK_SECRET", ""),

		ProvisionerURL:        e.getEnv("PROVISIONER_URL", ""),
		CompletionCallbackURL: e.getEnv("COMPLETION_CALLBACK_URL", ""),

		TokenFlushInterval: e.getEnvDuration("TOKEN_FLUSH_INTERVAL", 50*time.Millisecond),
		TokenMaxFragments:  e.getEnvInt("TOKEN_MAX_FRAGMENTS", 100),

		PresenceGracePeriod:   e.getEnvDuration("PRESENCE_GRACE_PERIOD", 10*time.Second),
		PresenceIdleAfter:     e.getEnvDuration("PRESENCE_IDLE_AFTER", 2*time.Minute),
		PresenceAwayAfter:     e.getEnvDuration("PRESENCE_AWAY_AFTER", 10*time.Minute),
		PresenceSweepSchedule: e.getEnv("PRESENCE_SWEEP_SCHEDULE", "@every 30s"),
		SessionIdleTTL:        e.getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),

		ConnectionSendBuffer: e.getEnvInt("CONNECTION_SEND_BUFFER", 256),
		ConnectionRateLimit:  e.getEnvFloat("CONNECTION_RATE_LIMIT", 20),
		ConnectionRateBurst:  e.getEnvInt("CONNECTION_RATE_BURST", 40),
		PingInterval:         e.getEnvDuration("PING_INTERVAL", 30*time.Second),
		PongTimeout:          e.getEnvDuration("PONG_TIMEOUT", 75*time.Second),
		SubscribeTimeout:     e.getEnvDuration("SUBSCRIBE_TIMEOUT", 10*time.Second),

		DefaultModel: e.getEnv("DEFAULT_MODEL", ""),
		WarmOnTyping: e.getEnvBool("WARM_ON_TYPING", true),

		HTTPReadTimeout:  e.getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: e.getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  e.getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  e.getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: e.getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		LogLevel:  e.getEnv("LOG_LEVEL", "info"),
		LogFormat: e.getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AdmissionSecret == "" && c.AdmissionJWKSURL == "" {
		return fmt.Errorf("ADMISSION_TOKEN_SECRET is required")
	}
	if c.InternalSecret == "" {
		return fmt.Errorf("INTERNAL_API_SECRET is required")
	}
	if c.CompletionCallbackURL != "" && c.CallbackSecret == "" {
		return fmt.Errorf("CALLBACK_SECRET is required when COMPLETION_CALLBACK_URL is set")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("COORDINATOR_PORT %d is out of range", c.Port)
	}
	if c.ConnectionRateLimit <= 0 || c.ConnectionRateBurst <= 0 {
		return fmt.Errorf("CONNECTION_RATE_LIMIT and CONNECTION_RATE_BURST must be positive")
	}
	if c.PongTimeout <= c.PingInterval {
		return fmt.Errorf("PONG_TIMEOUT (%s) must exceed PING_INTERVAL (%s)", c.PongTimeout, c.PingInterval)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// readFile loads a flat key/value file. Keys match the environment variable
// names, case-insensitively: database_path = "/data/events.db".
func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	raw := map[string]interface{}{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("config file %s: unsupported extension (want .toml, .yaml or .yml)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(k)
		switch val := v.(type) {
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		case map[string]interface{}:
			return nil, fmt.Errorf("config file %s: key %q must be a scalar or a list", path, k)
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// env resolves keys from the environment first, then the config file.
type env struct {
	file map[string]string
}

func (e env) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return e.file[key]
}

// getEnv returns the value of a key or a default.
func (e env) getEnv(key, defaultValue string) string {
	if value := e.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer key or a default.
func (e env) getEnvInt(key string, defaultValue int) int {
	if value := e.lookup(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvFloat returns a float key or a default.
func (e env) getEnvFloat(key string, defaultValue float64) float64 {
	if value := e.lookup(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean key or a default.
func (e env) getEnvBool(key string, defaultValue bool) bool {
	if value := e.lookup(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration key or a default.
func (e env) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := e.lookup(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated key.
func (e env) getEnvStringSlice(key string, defaultValue []string) []string {
	if value := e.lookup(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
