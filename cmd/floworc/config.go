package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all floworc configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	LogLevel       string `json:"log_level"`
	TickMillis     int    `json:"tick_millis"`
	MaxConcurrency int    `json:"max_concurrency"`
	MaxAttempts    int    `json:"max_attempts"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:       "info",
		TickMillis:     250,
		MaxConcurrency: 5,
		MaxAttempts:    3,
	}
}

func floworcDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".floworc"
	}
	return filepath.Join(home, ".floworc")
}

func settingsPath() string {
	return filepath.Join(floworcDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWORC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWORC_TICK_MILLIS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TickMillis = n
		}
	}
	if v := os.Getenv("FLOWORC_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv("FLOWORC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}

	return cfg
}

func (c Config) tick() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}
