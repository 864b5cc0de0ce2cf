package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDeliveryPolicyDefaultsWhenFileMissing(t *testing.T) {
	holder, err := NewDeliveryPolicyHolder(Config{})
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if got, want := holder.Get().Retry.MaxAttempts, DefaultDeliveryPolicy().Retry.MaxAttempts; got != want {
		t.Fatalf("expected default max attempts %d, got %d", want, got)
	}
}

func TestDeliveryPolicyLoadsOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "delivery.yml")
	body := `
delivery:
  retry:
    maxAttempts: 3
    baseDelay: 2s
    maxDelay: 1m
    jitter: 0.1
  breakers:
    SMTP:
      failureThreshold: 2
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	holder, err := NewDeliveryPolicyHolder(Config{DeliveryPolicyPath: path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	policy := holder.Get()
	if policy.Retry.MaxAttempts != 3 || policy.Retry.BaseDelay != 2*time.Second {
		t.Fatalf("unexpected retry policy: %+v", policy.Retry)
	}

	smtp := policy.Breaker("smtp")
	if smtp.FailureThreshold != 2 {
		t.Fatalf("expected override threshold 2, got %d", smtp.FailureThreshold)
	}
	if smtp.RecoveryTime != DefaultDeliveryPolicy().DefaultBreaker.RecoveryTime {
		t.Fatalf("expected default recovery time, got %s", smtp.RecoveryTime)
	}
}

func TestValidateDeliveryPolicyRejectsWideJitter(t *testing.T) {
	policy := DefaultDeliveryPolicy()
	policy.Retry.Jitter = 0.5
	if err := ValidateDeliveryPolicy(policy); err == nil {
		t.Fatalf("expected jitter validation error")
	}
}

func TestParseSecrets(t *testing.T) {
	secrets := parseSecrets("Stripe=whsec_1, acme = s2 ,broken,empty=")
	if secrets["stripe"] != "whsec_1" || secrets["acme"] != "s2" {
		t.Fatalf("unexpected secrets: %v", secrets)
	}
	if _, ok := secrets["empty"]; ok {
		t.Fatalf("empty secret should be dropped")
	}
}
