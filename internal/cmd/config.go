package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pointdeck/pointdeck/internal/registry"
	"github.com/pointdeck/pointdeck/internal/session"
)

// Config carries all server tuning, sourced from environment variables with
// an optional YAML file for card templates.
type Config struct {
	Port string

	// NATSURL selects the JetStream KV backend. Empty runs on the in-memory
	// backend, which is the single-node default.
	NATSURL string

	SessionTTL        time.Duration
	LockTTL           time.Duration
	LivenessWindow    time.Duration
	MaxConnections    int
	HeartbeatInterval time.Duration

	// Templates is extra card presets loaded from the config file.
	Templates map[string][]string `yaml:"templates"`
}

func loadConfig() Config {
	cfg := Config{
		Port:              getEnv("PORT", "8080"),
		NATSURL:           getEnv("NATS_URL", ""),
		SessionTTL:        time.Duration(getEnvAsInt("SESSION_TTL_SEC", int(session.DefaultSessionTTL/time.Second))) * time.Second,
		LockTTL:           time.Duration(getEnvAsInt("LOCK_TTL_SEC", int(session.DefaultLockTTL/time.Second))) * time.Second,
		LivenessWindow:    time.Duration(getEnvAsInt("LIVENESS_WINDOW_SEC", int(session.DefaultLivenessWindow/time.Second))) * time.Second,
		MaxConnections:    getEnvAsInt("MAX_CONNECTIONS_PER_SESSION", registry.DefaultMaxPerSession),
		HeartbeatInterval: time.Duration(getEnvAsInt("HEARTBEAT_INTERVAL_SEC", 15)) * time.Second,
	}

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not load config file: %v\n", err)
		}
	}
	return cfg
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file struct {
		Templates map[string][]string `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	c.Templates = file.Templates
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
