// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database (tenant storage configs + optional asset index)
	DatabaseURL string

	// Fallback order consulted when a tenant has no preference or the
	// preferred backend is unavailable. Comma-separated backend ids.
	FallbackOrder []string

	// Probe/listing timeouts
	ProbeTimeout time.Duration
	ListTimeout  time.Duration

	// Local filesystem backend
	LocalStorageRoot   string
	LocalPublicBaseURL string

	// Per-tenant backend client cache
	ClientCacheSize int

	// Uploads
	MaxUploadSize int64

	// Asset index (optional; empty disables upload notifications)
	AssetIndexEnabled bool
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
		DatabaseURL:        envOr("DATABASE_URL", ""),
		FallbackOrder:      splitList(envOr("FALLBACK_ORDER", "managed-bucket,s3-compatible,gcs-style,local")),
		ProbeTimeout:       envDuration("PROBE_TIMEOUT", 2500*time.Millisecond),
		ListTimeout:        envDuration("LIST_TIMEOUT", 5*time.Second),
		LocalStorageRoot:   envOr("LOCAL_STORAGE_ROOT", "/data/storage"),
		LocalPublicBaseURL: envOr("LOCAL_PUBLIC_BASE_URL", "http://localhost:8080/files"),
		ClientCacheSize:    envInt("CLIENT_CACHE_SIZE", 256),
		MaxUploadSize:      envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
		AssetIndexEnabled:  envBool("ASSET_INDEX_ENABLED", true),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.FallbackOrder) == 0 {
		return nil, fmt.Errorf("FALLBACK_ORDER must name at least one backend")
	}

	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
