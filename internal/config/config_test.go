package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvStrFallback(t *testing.T) {
	// TEST_STR_MISSING is not set.
	if v := envStr("TEST_STR_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %q", v)
	}
}

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.DiscoverLimit != 10 {
		t.Fatalf("expected default discover limit 10, got %d", cfg.DiscoverLimit)
	}
}

func TestLoadFailsWhenQuotaBelowDiscoverLimit(t *testing.T) {
	t.Setenv("RENRAKU_QUOTA_DISCOVERY", "2")
	t.Setenv("RENRAKU_DISCOVER_LIMIT", "10")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when the discovery quota cannot fit one run")
	}
	if !strings.Contains(err.Error(), "RENRAKU_QUOTA_DISCOVERY") {
		t.Fatalf("error should name the offending variable, got: %s", err)
	}
}

func TestLoadFailsOnInvertedBackoffWindow(t *testing.T) {
	t.Setenv("RENRAKU_BACKOFF_BASE", "1m")
	t.Setenv("RENRAKU_BACKOFF_MAX", "1s")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when backoff max is below base")
	}
}
