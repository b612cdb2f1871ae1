package config

import (
	"testing"
	"time"
)

func TestEnvStrFallback(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	if v := envStr("TEST_STR", "fallback"); v != "value" {
		t.Fatalf("expected value, got %s", v)
	}
	if v := envStr("TEST_STR_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %s", v)
	}
}

func TestEnvIntParsing(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("invalid value should fall back, got %d", v)
	}
}

func TestEnvDurationParsing(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("invalid value should fall back, got %s", v)
	}
}

func TestEnvBoolParsing(t *testing.T) {
	t.Setenv("TEST_BOOL", "false")
	if envBool("TEST_BOOL", true) {
		t.Fatal("expected false")
	}
	if !envBool("TEST_BOOL_MISSING", true) {
		t.Fatal("expected fallback true")
	}
	t.Setenv("TEST_BOOL_BAD", "maybe")
	if !envBool("TEST_BOOL_BAD", true) {
		t.Fatal("invalid value should fall back")
	}
}

func TestEnvFloatParsing(t *testing.T) {
	t.Setenv("TEST_FLOAT", "2.5")
	if v := envFloat("TEST_FLOAT", 0); v != 2.5 {
		t.Fatalf("expected 2.5, got %f", v)
	}
	if v := envFloat("TEST_FLOAT_MISSING", 1.5); v != 1.5 {
		t.Fatalf("expected fallback 1.5, got %f", v)
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
	if cfg.ApprovalTimeout != 15*time.Minute {
		t.Fatalf("expected default approval timeout 15m, got %s", cfg.ApprovalTimeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database url", func(c *Config) { c.DatabaseURL = "" }},
		{"zero workers", func(c *Config) { c.PipelineWorkers = 0 }},
		{"zero approval timeout", func(c *Config) { c.ApprovalTimeout = 0 }},
		{"zero actuator attempts", func(c *Config) { c.ActuatorAttempts = 0 }},
		{"zero body limit", func(c *Config) { c.MaxRequestBodyBytes = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
