package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	raw := `
server:
  addr: ":9090"
  read_timeout: 5s
database:
  dsn: "postgres://localhost/test"
transfer:
  max_attempts: 5
  daily_limit: "2500"
archive:
  schedule: "30 3 * * *"
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout.Std() != 5*time.Second {
		t.Fatalf("read timeout = %s", cfg.Server.ReadTimeout.Std())
	}
	if cfg.Transfer.MaxAttempts != 5 || cfg.Transfer.DailyLimit != "2500" {
		t.Fatalf("transfer config not applied: %+v", cfg.Transfer)
	}
	// Unspecified fields keep their defaults.
	if cfg.Archive.RetentionDays != 90 {
		t.Fatalf("retention = %d, want default 90", cfg.Archive.RetentionDays)
	}
	if cfg.Archive.Schedule != "30 3 * * *" {
		t.Fatalf("schedule = %s", cfg.Archive.Schedule)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("database:\n  dsn: \"postgres://file\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("HTTP_ADDR", ":7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "postgres://env" {
		t.Fatalf("env override lost: %s", cfg.Database.DSN)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("addr override lost: %s", cfg.Server.Addr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
