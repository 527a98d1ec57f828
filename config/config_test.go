package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SLA_AT_RISK_WINDOW", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SLA.AtRiskWindow != 72*time.Hour {
		t.Fatalf("expected 72h window, got %v", cfg.SLA.AtRiskWindow)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.HTTP.Addr)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trustledger.yaml")
	body := []byte(`
database:
  url: postgres://file@localhost/escrow
  max_conns: 8
sla:
  at_risk_window: 48h
log:
  level: debug
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("DATABASE_URL", "postgres://env@localhost/escrow")
	t.Setenv("SLA_AT_RISK_WINDOW", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://env@localhost/escrow" {
		t.Fatalf("expected env to override file url, got %q", cfg.Database.URL)
	}
	if cfg.Database.MaxConns != 8 {
		t.Fatalf("expected max conns from file, got %d", cfg.Database.MaxConns)
	}
	if cfg.SLA.AtRiskWindow != 48*time.Hour {
		t.Fatalf("expected 48h window from file, got %v", cfg.SLA.AtRiskWindow)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Log.Level)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("SLA_AT_RISK_WINDOW", "three days")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}
