// Package config provides configuration for the assistant gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the gateway configuration.
type Config struct {
	// Server settings
	HTTPPort int `toml:"http_port"`

	// Assistant backend
	AssistantURL     string        `toml:"assistant_url"`
	AssistantAPIKey  string        `toml:"assistant_api_key"`
	AssistantTimeout time.Duration `toml:"-"`
	AssistantRPS     float64       `toml:"assistant_rps"`

	// Durable store
	StoreDriver  string        `toml:"store_driver"` // sqlite, bolt, redis, none
	DatabaseURL  string        `toml:"database_url"`
	BoltPath     string        `toml:"bolt_path"`
	RedisAddr    string        `toml:"redis_addr"`
	RedisPrefix  string        `toml:"redis_prefix"`
	StoreTimeout time.Duration `toml:"-"`

	// Retry policy (Rego); empty uses the built-in policy
	RetryPolicyFile string `toml:"retry_policy_file"`

	// WebSocket settings
	PingInterval   time.Duration `toml:"-"`
	WriteTimeout   time.Duration `toml:"-"`
	ReadTimeout    time.Duration `toml:"-"`
	MaxMessageSize int64         `toml:"ws_max_message_size"`

	// Logging
	LogLevel string `toml:"log_level"`
}

// fileConfig mirrors the millisecond knobs that TOML carries as integers.
type fileConfig struct {
	Config
	AssistantTimeoutMs int `toml:"assistant_timeout_ms"`
	StoreTimeoutMs     int `toml:"store_timeout_ms"`
	PingIntervalMs     int `toml:"ws_ping_interval_ms"`
	WriteTimeoutMs     int `toml:"ws_write_timeout_ms"`
	ReadTimeoutMs      int `toml:"ws_read_timeout_ms"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		HTTPPort:         8080,
		AssistantURL:     "http://localhost:8000",
		AssistantTimeout: 300000 * time.Millisecond,
		AssistantRPS:     5,
		StoreDriver:      "sqlite",
		DatabaseURL:      "file:assistant.db?cache=shared&mode=rwc",
		BoltPath:         "data/conversations.bolt",
		RedisPrefix:      "assistant:conversations",
		StoreTimeout:     5000 * time.Millisecond,
		PingInterval:     30000 * time.Millisecond,
		WriteTimeout:     10000 * time.Millisecond,
		ReadTimeout:      60000 * time.Millisecond,
		MaxMessageSize:   65536,
		LogLevel:         "info",
	}
}

// Load loads configuration from the optional CONFIG_FILE and then from
// environment variables. Environment variables take precedence.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.mergeEnv()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	fc := fileConfig{Config: *c}
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	*c = fc.Config
	if fc.AssistantTimeoutMs > 0 {
		c.AssistantTimeout = time.Duration(fc.AssistantTimeoutMs) * time.Millisecond
	}
	if fc.StoreTimeoutMs > 0 {
		c.StoreTimeout = time.Duration(fc.StoreTimeoutMs) * time.Millisecond
	}
	if fc.PingIntervalMs > 0 {
		c.PingInterval = time.Duration(fc.PingIntervalMs) * time.Millisecond
	}
	if fc.WriteTimeoutMs > 0 {
		c.WriteTimeout = time.Duration(fc.WriteTimeoutMs) * time.Millisecond
	}
	if fc.ReadTimeoutMs > 0 {
		c.ReadTimeout = time.Duration(fc.ReadTimeoutMs) * time.Millisecond
	}
	return nil
}

func (c *Config) mergeEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.AssistantURL = getEnv("ASSISTANT_URL", c.AssistantURL)
	c.AssistantAPIKey = getEnv("ASSISTANT_API_KEY", c.AssistantAPIKey)
	c.AssistantTimeout = getEnvMs("ASSISTANT_TIMEOUT_MS", c.AssistantTimeout)
	c.AssistantRPS = getEnvFloat("ASSISTANT_RPS", c.AssistantRPS)
	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.BoltPath = getEnv("BOLT_PATH", c.BoltPath)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPrefix = getEnv("REDIS_PREFIX", c.RedisPrefix)
	c.StoreTimeout = getEnvMs("STORE_TIMEOUT_MS", c.StoreTimeout)
	c.RetryPolicyFile = getEnv("RETRY_POLICY_FILE", c.RetryPolicyFile)
	c.PingInterval = getEnvMs("WS_PING_INTERVAL_MS", c.PingInterval)
	c.WriteTimeout = getEnvMs("WS_WRITE_TIMEOUT_MS", c.WriteTimeout)
	c.ReadTimeout = getEnvMs("WS_READ_TIMEOUT_MS", c.ReadTimeout)
	c.MaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(c.MaxMessageSize)))
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvMs(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return time.Duration(intVal) * time.Millisecond
		}
	}
	return defaultVal
}
