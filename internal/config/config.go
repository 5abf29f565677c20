// Package config loads rudpd's runtime configuration from environment
// variables, with command-line flags from cmd/rudpd taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// globalConfig stores the configuration loaded with command-line overrides.
// This allows other packages to access the same configuration that was
// loaded by the daemon's main function.
var (
	globalConfig *Config
	configMutex  sync.Mutex
)

// Config holds the application configuration.
type Config struct {
	Endpoint EndpointConfig `json:"endpoint"`
	Monitor  MonitorConfig  `json:"monitor"`
	Logging  LoggingConfig  `json:"logging"`
}

// LoadOptions holds command-line override options.
type LoadOptions struct {
	ListenPort int
	Window     int
	Timeout    time.Duration
	MaxRetrans int
	LogLevel   string
	MonitorAddr string
}

// EndpointConfig holds the protocol-level tunables passed to
// endpoint.Options when opening an endpoint.
type EndpointConfig struct {
	ListenPort int           `json:"listenPort" env:"RUDP_LISTEN_PORT" default:"0"`
	Window     int           `json:"window" env:"RUDP_WINDOW" default:"3"`
	Timeout    time.Duration `json:"timeout" env:"RUDP_TIMEOUT" default:"200ms"`
	MaxRetrans int           `json:"maxRetrans" env:"RUDP_MAX_RETRANS" default:"3"`
}

// MonitorConfig holds the ambient HTTP/websocket monitoring surface
// configuration.
type MonitorConfig struct {
	Addr               string `json:"addr" env:"RUDP_MONITOR_ADDR" default:":8090"`
	AllowedOrigins     []string `json:"allowedOrigins" env:"RUDP_MONITOR_ALLOWED_ORIGINS" default:""`
	EnableRateLimit    bool   `json:"enableRateLimit" env:"RUDP_MONITOR_RATE_LIMIT" default:"true"`
	RateLimitPerMinute int    `json:"rateLimitPerMinute" env:"RUDP_MONITOR_RATE_LIMIT_PER_MINUTE" default:"60"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `json:"level" env:"RUDP_LOG_LEVEL" default:"info"`
}

// Load loads configuration from environment variables with defaults.
func Load() (*Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides loads configuration with command-line overrides.
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	config := &Config{}

	config.Endpoint.ListenPort = getIntOverrideOrEnv(opts.ListenPort, "RUDP_LISTEN_PORT", 0)
	config.Endpoint.Window = getIntOverrideOrEnv(opts.Window, "RUDP_WINDOW", 3)
	config.Endpoint.Timeout = getDurationOverrideOrEnv(opts.Timeout, "RUDP_TIMEOUT", 200*time.Millisecond)
	config.Endpoint.MaxRetrans = getIntOverrideOrEnv(opts.MaxRetrans, "RUDP_MAX_RETRANS", 3)

	config.Monitor.Addr = getOverrideOrEnv(opts.MonitorAddr, "RUDP_MONITOR_ADDR", ":8090")
	config.Monitor.AllowedOrigins = getStringSliceWithDefault("RUDP_MONITOR_ALLOWED_ORIGINS", []string{})
	config.Monitor.EnableRateLimit = getBoolWithDefault("RUDP_MONITOR_RATE_LIMIT", true)
	config.Monitor.RateLimitPerMinute = getIntWithDefault("RUDP_MONITOR_RATE_LIMIT_PER_MINUTE", 60)

	config.Logging.Level = getOverrideOrEnv(opts.LogLevel, "RUDP_LOG_LEVEL", "info")

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	configMutex.Lock()
	globalConfig = config
	configMutex.Unlock()

	return config, nil
}

// GetGlobalConfig returns the globally stored configuration. This should
// be used by packages that need access to the configuration loaded by
// the daemon with command-line overrides.
func GetGlobalConfig() *Config {
	configMutex.Lock()
	defer configMutex.Unlock()
	return globalConfig
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Endpoint.ListenPort < 0 || c.Endpoint.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.Endpoint.ListenPort)
	}

	if c.Endpoint.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}

	if c.Endpoint.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if c.Endpoint.MaxRetrans <= 0 {
		return fmt.Errorf("max retrans must be positive")
	}

	if c.Monitor.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate limit per minute must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// Helper functions for environment variable parsing.

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceWithDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return splitString(value, ",")
	}
	return defaultValue
}

// getOverrideOrEnv returns the command-line override value, env value, or
// default, in that order of precedence.
func getOverrideOrEnv(override, envKey, defaultValue string) string {
	if override != "" {
		return override
	}
	return getEnvWithDefault(envKey, defaultValue)
}

func getIntOverrideOrEnv(override int, envKey string, defaultValue int) int {
	if override != 0 {
		return override
	}
	return getIntWithDefault(envKey, defaultValue)
}

func getDurationOverrideOrEnv(override time.Duration, envKey string, defaultValue time.Duration) time.Duration {
	if override != 0 {
		return override
	}
	return getDurationWithDefault(envKey, defaultValue)
}

func splitString(s, sep string) []string {
	if s == "" {
		return []string{}
	}

	var result []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
