package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tx.MaxDuration != 120*time.Second || cfg.Tx.Retries != 2 || cfg.Tx.RetryDelay != time.Second {
		t.Errorf("unexpected tx defaults %+v", cfg.Tx)
	}
	if cfg.Cache.InvalidateTimeout != 5*time.Second || cfg.Cache.OpTimeout != 2*time.Second {
		t.Errorf("unexpected cache defaults %+v", cfg.Cache)
	}
	if cfg.Kafka.Topic != "enrollment.events" {
		t.Errorf("expected default topic, got %q", cfg.Kafka.Topic)
	}
	if cfg.Stripe.SessionTTL != time.Hour {
		t.Errorf("expected one hour checkout sessions, got %s", cfg.Stripe.SessionTTL)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := []byte(`
env: staging
tx:
  retries: 5
  retry_delay: 250ms
stripe:
  secret_key: sk_test_file
`)
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("STRIPE_SECRET_KEY", "sk_test_env")
	t.Setenv("REDIS_ADDR", "cache:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Env != "staging" {
		t.Errorf("expected env staging, got %q", cfg.Env)
	}
	if cfg.Tx.Retries != 5 || cfg.Tx.RetryDelay != 250*time.Millisecond {
		t.Errorf("expected file tx settings, got %+v", cfg.Tx)
	}
	if cfg.Stripe.SecretKey != "sk_test_env" {
		t.Errorf("expected env to override file, got %q", cfg.Stripe.SecretKey)
	}
	if cfg.Redis.Addr != "cache:6379" {
		t.Errorf("expected env redis addr, got %q", cfg.Redis.Addr)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing stripe secrets to fail validation")
	}
	cfg.Stripe.SecretKey = "sk_test"
	cfg.Stripe.WebhookSecret = "whsec_test"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg.Env = " "
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "env is required") {
		t.Fatalf("expected blank env to fail validation, got %v", err)
	}
}
