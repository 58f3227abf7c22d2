// Package config loads engine configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the runtime configuration for the client engine.
type Config struct {
	Port    string
	Env     string
	DataDir string

	RemoteBaseURL     string
	APIToken          string
	RemoteTimeout     time.Duration
	RequestsPerSecond float64

	ProbeURL      string
	ProbeInterval time.Duration

	OfflinePages  []string
	OfflineAssets []string

	LogLevel string
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() Config {
	cfg := Config{
		Port:              getEnv("PORT", "8347"),
		Env:               getEnv("ENV", "development"),
		DataDir:           getEnv("DATA_DIR", defaultDataDir()),
		RemoteBaseURL:     getEnv("REMOTE_BASE_URL", "http://localhost:3000"),
		APIToken:          getEnv("API_TOKEN", ""),
		RemoteTimeout:     getDuration("REMOTE_TIMEOUT", 30*time.Second),
		RequestsPerSecond: getFloat("REMOTE_RPS", 0),
		ProbeInterval:     getDuration("PROBE_INTERVAL", 15*time.Second),
		OfflinePages:      getList("OFFLINE_PAGES", nil),
		OfflineAssets:     getList("OFFLINE_ASSETS", nil),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
	cfg.ProbeURL = getEnv("PROBE_URL", cfg.RemoteBaseURL+"/api/health")
	return cfg
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.tutordesk"
	}
	return "./data"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
