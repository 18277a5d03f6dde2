package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/clinicsync/internal/config"
)

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("CLINICSYNC_TEST_FLOAT_BAD", "oops")
	got := floatEnv("CLINICSYNC_TEST_FLOAT_BAD", 0.25)
	if got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestInt64EnvParsesValue(t *testing.T) {
	t.Setenv("CLINICSYNC_TEST_INT64", " 9000000000 ")
	if got := int64Env("CLINICSYNC_TEST_INT64", 1); got != 9000000000 {
		t.Fatalf("expected 9000000000, got %d", got)
	}
	t.Setenv("CLINICSYNC_TEST_INT64", "nine")
	if got := int64Env("CLINICSYNC_TEST_INT64", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestApplyEnvOverridesConfig(t *testing.T) {
	t.Setenv("CLINICSYNC_API_URL", "https://api.clinic.test")
	t.Setenv("CLINICSYNC_ROLE", "doctor")
	t.Setenv("CLINICSYNC_USER_ID", "12")
	t.Setenv("CLINICSYNC_RECONNECT_DELAY", "2s")
	t.Setenv("CLINICSYNC_RECONNECT_ATTEMPTS", "bad")

	cfg := applyEnv(config.Default())
	if cfg.APIURL != "https://api.clinic.test" || cfg.Role != "doctor" || cfg.UserID != 12 {
		t.Fatalf("unexpected env overrides %+v", cfg)
	}
	if cfg.ReconnectDelay != 2*time.Second {
		t.Fatalf("expected 2s reconnect delay, got %s", cfg.ReconnectDelay)
	}
	if cfg.ReconnectAttempts != 5 {
		t.Fatalf("expected invalid attempts to fall back to 5, got %d", cfg.ReconnectAttempts)
	}
}

func TestApplyFlagsWinsOverConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Role = "patient"
	cfg.UserID = 3
	cfg = applyFlags(cfg, flagOverrides{role: "doctor", reconnectAttempts: 9, storeDSN: "memory://"})
	if cfg.Role != "doctor" || cfg.ReconnectAttempts != 9 || cfg.StoreDSN != "memory://" {
		t.Fatalf("unexpected flag overrides %+v", cfg)
	}
	if cfg.UserID != 3 {
		t.Fatalf("expected unset user-id flag to keep config value, got %d", cfg.UserID)
	}
}

func TestReadSubmitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "request.json")
	if err := os.WriteFile(path, []byte(`{"method":"POST","path":"/appointments/book-with-ai","payload":{"doctor_id":3,"preferred_date":"2024-05-01T09:00:00","reason":"checkup"}}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	req, err := readSubmitFile(path)
	if err != nil {
		t.Fatalf("readSubmitFile failed: %v", err)
	}
	if req.Method != "POST" || req.Path != "/appointments/book-with-ai" || len(req.Payload) == 0 {
		t.Fatalf("unexpected request %+v", req)
	}
	if _, err := readSubmitFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}
