package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/veritrail/veritrail/internal/config"
	"github.com/veritrail/veritrail/internal/regime"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "veritrail.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := writeConfig(t, "signing:\n  hmac_secret: test-secret\n")

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.CertStore.Backend != "file" {
		t.Errorf("backend = %q, want file", cfg.CertStore.Backend)
	}
	if len(cfg.Retention.Policies) != 2 {
		t.Errorf("default policies = %d, want 2", len(cfg.Retention.Policies))
	}
	if eps := cfg.Regimes.Endpoints(); len(eps) != 0 {
		t.Errorf("no regime enabled, got endpoints %v", eps)
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	dir := writeConfig(t, "server:\n  port: 9000\n")

	_, err := config.Load(dir)
	if err == nil || !strings.Contains(err.Error(), "hmac_secret") {
		t.Fatalf("want hmac_secret error, got %v", err)
	}
}

func TestLoad_EnabledRegimeNeedsEndpoint(t *testing.T) {
	dir := writeConfig(t, `
signing:
  hmac_secret: test-secret
regimes:
  regime_a:
    enabled: true
`)
	_, err := config.Load(dir)
	if err == nil || !strings.Contains(err.Error(), "regime_a.endpoint") {
		t.Fatalf("want endpoint error, got %v", err)
	}
}

func TestLoad_RegimeEndpoints(t *testing.T) {
	dir := writeConfig(t, `
signing:
  hmac_secret: test-secret
regimes:
  regime_a:
    enabled: true
    endpoint: https://authority-a.example/submit
  regime_b:
    enabled: false
    endpoint: https://authority-b.example/submit
`)
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	eps := cfg.Regimes.Endpoints()
	if len(eps) != 1 {
		t.Fatalf("endpoints = %v, want only regime_a", eps)
	}
	if eps[regime.RegimeA] != "https://authority-a.example/submit" {
		t.Errorf("regime_a endpoint = %q", eps[regime.RegimeA])
	}
}

func TestLoad_IllegalRetentionPolicy(t *testing.T) {
	dir := writeConfig(t, `
signing:
  hmac_secret: test-secret
retention:
  policies:
    - category: fiscal
      min_days: 10
      action: delete
`)
	_, err := config.Load(dir)
	if err == nil || !strings.Contains(err.Error(), "retention policies") {
		t.Fatalf("want retention policy error, got %v", err)
	}
}

func TestLoad_BadBackend(t *testing.T) {
	dir := writeConfig(t, `
signing:
  hmac_secret: test-secret
certstore:
  backend: registry
`)
	if _, err := config.Load(dir); err == nil {
		t.Fatal("want backend validation error")
	}
}
