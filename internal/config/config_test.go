package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/assetbay?sslmode=disable")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.ProbeTimeout != 2500*time.Millisecond {
		t.Errorf("ProbeTimeout = %s", cfg.ProbeTimeout)
	}
	if cfg.ListTimeout != 5*time.Second {
		t.Errorf("ListTimeout = %s", cfg.ListTimeout)
	}
	want := []string{"managed-bucket", "s3-compatible", "gcs-style", "local"}
	if len(cfg.FallbackOrder) != len(want) {
		t.Fatalf("FallbackOrder = %v", cfg.FallbackOrder)
	}
	for i, id := range want {
		if cfg.FallbackOrder[i] != id {
			t.Errorf("FallbackOrder[%d] = %q, want %q", i, cfg.FallbackOrder[i], id)
		}
	}
	if !cfg.AssetIndexEnabled {
		t.Error("asset index should default to enabled")
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Error("Load should fail without DATABASE_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/assetbay")
	t.Setenv("FALLBACK_ORDER", " local , s3-compatible ")
	t.Setenv("PROBE_TIMEOUT", "500ms")
	t.Setenv("CLIENT_CACHE_SIZE", "32")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.FallbackOrder) != 2 || cfg.FallbackOrder[0] != "local" {
		t.Errorf("FallbackOrder = %v", cfg.FallbackOrder)
	}
	if cfg.ProbeTimeout != 500*time.Millisecond {
		t.Errorf("ProbeTimeout = %s", cfg.ProbeTimeout)
	}
	if cfg.ClientCacheSize != 32 {
		t.Errorf("ClientCacheSize = %d", cfg.ClientCacheSize)
	}
}

func TestEnvHelpersBadValues(t *testing.T) {
	t.Setenv("X_INT", "not-a-number")
	if got := envInt("X_INT", 7); got != 7 {
		t.Errorf("envInt fallback = %d, want 7", got)
	}
	t.Setenv("X_DUR", "sideways")
	if got := envDuration("X_DUR", time.Second); got != time.Second {
		t.Errorf("envDuration fallback = %s", got)
	}
	t.Setenv("X_BOOL", "maybe")
	if got := envBool("X_BOOL", true); got != true {
		t.Error("envBool should fall back on parse failure")
	}
}
