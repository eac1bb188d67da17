package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 1)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="fast" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("KANSA_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid KANSA_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !contains(got, "KANSA_PORT") || !contains(got, "abc") {
		t.Fatalf("error should mention KANSA_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KANSA_PORT", "abc")
	t.Setenv("KANSA_RETAIN_RESOLVED", "forever")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !contains(got, "KANSA_PORT") {
		t.Fatalf("error should mention KANSA_PORT, got: %s", got)
	}
	if !contains(got, "KANSA_RETAIN_RESOLVED") {
		t.Fatalf("error should mention KANSA_RETAIN_RESOLVED, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Store != StorePostgres {
		t.Fatalf("expected default store postgres, got %q", cfg.Store)
	}
	if cfg.TrustProxy {
		t.Fatal("expected proxy headers to be ignored by default")
	}
}

func TestLoadUnknownStore(t *testing.T) {
	t.Setenv("KANSA_STORE", "redis")
	_, err := Load()
	if err == nil || !contains(err.Error(), "KANSA_STORE") {
		t.Fatalf("expected KANSA_STORE validation error, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("load defaults: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"flush exceeds buffer", func(c *Config) { c.LedgerFlushSize = c.LedgerBufferSize + 1 }, "KANSA_LEDGER_FLUSH_SIZE"},
		{"negative retention", func(c *Config) { c.Retention = -time.Hour }, "KANSA_RETENTION"},
		{"half a key pair", func(c *Config) { c.JWTPrivateKeyPath = "/tmp/k.pem" }, "set together"},
		{"sqlite without path", func(c *Config) { c.Store = StoreSQLite; c.SQLitePath = "" }, "KANSA_SQLITE_PATH"},
		{"policy poll disabled", func(c *Config) { c.PolicyFile = "p.yaml"; c.PolicyPollInterval = 0 }, "KANSA_POLICY_POLL_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got: %v", tt.want, err)
			}
		})
	}

	cfg := base()
	cfg.Store = StoreMemory
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory store should validate: %v", err)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
