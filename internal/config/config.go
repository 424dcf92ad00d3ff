// Package config provides configuration for the campus chat client.
//
// Values come from environment variables. A YAML file named by
// CAMPUSCHAT_CONFIG (or passed to LoadFile) overrides the environment for the
// fields it sets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFallbackMessage is the assistant turn shown when a chat request fails.
const DefaultFallbackMessage = "Sorry, something went wrong while processing your question. Please try again."

// Config holds the client configuration.
type Config struct {
	// Backend settings
	BackendURL string `yaml:"backend_url"`
	EventsURL  string `yaml:"events_url"` // websocket stream of session revocations; empty disables

	// Durable client storage
	StateDB string `yaml:"state_db"`

	// Timeouts
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Chat
	FallbackMessage string `yaml:"fallback_message"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Load loads configuration from environment variables and, when
// CAMPUSCHAT_CONFIG is set, from that YAML file.
func Load() (*Config, error) {
	cfg := &Config{
		BackendURL:      getEnv("BACKEND_URL", "http://127.0.0.1:8000/api/v1"),
		EventsURL:       getEnv("EVENTS_URL", ""),
		StateDB:         getEnv("STATE_DB", "file:campuschat.db?cache=shared&mode=rwc"),
		RequestTimeout:  time.Duration(getEnvInt("REQUEST_TIMEOUT_MS", 60000)) * time.Millisecond,
		FallbackMessage: getEnv("CHAT_FALLBACK_MESSAGE", DefaultFallbackMessage),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}

	if path := os.Getenv("CAMPUSCHAT_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFile overlays the non-empty fields of a YAML file onto cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if file.BackendURL != "" {
		c.BackendURL = file.BackendURL
	}
	if file.EventsURL != "" {
		c.EventsURL = file.EventsURL
	}
	if file.StateDB != "" {
		c.StateDB = file.StateDB
	}
	if file.RequestTimeout > 0 {
		c.RequestTimeout = file.RequestTimeout
	}
	if file.FallbackMessage != "" {
		c.FallbackMessage = file.FallbackMessage
	}
	if file.LogLevel != "" {
		c.LogLevel = file.LogLevel
	}
	return nil
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
