package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RATE_LIMIT_MAX", "")
	t.Setenv("RATE_LIMIT_WINDOW", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "db")
	for _, k := range []string{"DB_USER", "DB_PASSWORD", "DB_PORT", "DB_NAME"} {
		t.Setenv(k, "")
	}

	cfg, _ := Load()
	if cfg.RateLimitMax != 20 {
		t.Errorf("expected default limit 20, got %d", cfg.RateLimitMax)
	}
	if cfg.RateLimitWindow != time.Minute {
		t.Errorf("expected default window 1m, got %s", cfg.RateLimitWindow)
	}
	if cfg.DatabaseURL != "postgres://user:pass@db:5432/smsleopard?sslmode=disable" {
		t.Errorf("unexpected dsn %q", cfg.DatabaseURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_MAX", "5")
	t.Setenv("RATE_LIMIT_WINDOW", "1500")
	t.Setenv("SCHEDULER_INTERVAL", "45s")
	t.Setenv("TRANSIENT_RETRIES", "not-a-number")
	t.Setenv("EMBEDDED_WORKER", "false")

	cfg, _ := Load()
	if cfg.RateLimitMax != 5 {
		t.Errorf("expected 5, got %d", cfg.RateLimitMax)
	}
	if cfg.RateLimitWindow != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %s", cfg.RateLimitWindow)
	}
	if cfg.SchedulerInterval != 45*time.Second {
		t.Errorf("expected 45s, got %s", cfg.SchedulerInterval)
	}
	if cfg.TransientRetries != 3 {
		t.Errorf("expected fallback 3, got %d", cfg.TransientRetries)
	}
	if cfg.EmbeddedWorker {
		t.Error("expected embedded worker disabled")
	}
}
