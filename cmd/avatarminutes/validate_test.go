package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
server:
  http_port: 8081
billing:
  grace_period: 2m
  grace_periodd: 3m
vendor:
  api_key: abc
`)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys failed: %v", err)
	}
	if len(unknown) != 1 || unknown[0] != "billing.grace_periodd" {
		t.Errorf("Expected [billing.grace_periodd], got %v", unknown)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		key   string
		value interface{}
		want  interface{}
	}{
		{"vendor.api_key", "abc", "***REDACTED***"},
		{"auth.jwt_secret", "s", "***REDACTED***"},
		{"storage.redis.password", "", ""},
		{"storage.postgres.url", "postgres://u:p@h/db", "***REDACTED***"},
		{"server.http_port", 8080, 8080},
		{"vendor.base_url", "https://api.liveavatar.com", "https://api.liveavatar.com"},
	}

	for _, tt := range tests {
		if got := redact(tt.key, tt.value); got != tt.want {
			t.Errorf("redact(%s): expected %v, got %v", tt.key, tt.want, got)
		}
	}
}

func TestDefaultConfigMatchesDefaults(t *testing.T) {
	cfg := defaultConfig()
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("Expected default http port 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Billing.DefaultPricePerMinute != 1.5 {
		t.Errorf("Expected default price 1.5, got %v", cfg.Billing.DefaultPricePerMinute)
	}
	if !validKeys()["billing.grace_period"] {
		t.Error("Expected billing.grace_period to be a valid key")
	}
}
