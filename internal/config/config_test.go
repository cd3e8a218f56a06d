package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NOTESFEED_CONFIG", "")
	cfg, err := Load("", zerolog.Nop())
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Backend.DSN != "memory://" {
		t.Fatalf("expected memory backend, got %q", cfg.Backend.DSN)
	}
	if cfg.Sync.PollInterval != 6*time.Second {
		t.Fatalf("expected 6s poll interval, got %s", cfg.Sync.PollInterval)
	}
	if cfg.Sync.SchemaRetryInterval != time.Minute {
		t.Fatalf("expected 60s schema retry, got %s", cfg.Sync.SchemaRetryInterval)
	}
	if cfg.Names.Cooldown != 30*time.Second {
		t.Fatalf("expected 30s name cooldown, got %s", cfg.Names.Cooldown)
	}
	if cfg.Level() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", cfg.Level())
	}
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notesfeed.yaml")
	data := `
backend:
  dsn: sqlite:///var/lib/notesfeed/notes.db
  auto_migrate: true
sync:
  poll_interval: 3s
  page_limit: 50
names:
  cooldown: 1m
server:
  addr: ":9090"
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("NOTESFEED_PAGE_LIMIT", "75")
	t.Setenv("NOTESFEED_POLL_JITTER", "0.1")

	cfg, err := Load(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.DSN != "sqlite:///var/lib/notesfeed/notes.db" || !cfg.Backend.AutoMigrate {
		t.Fatalf("unexpected backend config: %+v", cfg.Backend)
	}
	if cfg.Sync.PollInterval != 3*time.Second {
		t.Fatalf("expected 3s from file, got %s", cfg.Sync.PollInterval)
	}
	if cfg.Sync.PageLimit != 75 {
		t.Fatalf("expected env override 75, got %d", cfg.Sync.PageLimit)
	}
	if cfg.Sync.PollJitter != 0.1 {
		t.Fatalf("expected jitter 0.1, got %f", cfg.Sync.PollJitter)
	}
	if cfg.Sync.SchemaRetryInterval != time.Minute {
		t.Fatalf("expected default schema retry to survive, got %s", cfg.Sync.SchemaRetryInterval)
	}
	if cfg.Names.Cooldown != time.Minute || cfg.Server.Addr != ":9090" {
		t.Fatalf("unexpected file values: %+v %+v", cfg.Names, cfg.Server)
	}
	if cfg.Level() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", cfg.Level())
	}
}

func TestInvalidEnvironmentFallsBack(t *testing.T) {
	t.Setenv("NOTESFEED_POLL_INTERVAL", "soon")
	t.Setenv("NOTESFEED_RESYNC_EVERY", "often")
	t.Setenv("NOTESFEED_AUTO_MIGRATE", "maybe")
	cfg, err := Load("", zerolog.Nop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.PollInterval != 6*time.Second {
		t.Fatalf("expected fallback 6s, got %s", cfg.Sync.PollInterval)
	}
	if cfg.Sync.ResyncEvery != 10 {
		t.Fatalf("expected fallback 10, got %d", cfg.Sync.ResyncEvery)
	}
	if cfg.Backend.AutoMigrate {
		t.Fatalf("expected auto migrate to stay false")
	}
}

func TestBackendProfiles(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		backend BackendConfig
		want    string
		wantErr bool
	}{
		{backend: BackendConfig{}, want: "memory://"},
		{backend: BackendConfig{Profile: "durable-local", DataDir: dir}, want: "sqlite://" + filepath.Join(dir, "notes.db")},
		{backend: BackendConfig{Profile: "production", PostgresDSN: "postgres://db/notes"}, want: "postgres://db/notes"},
		{backend: BackendConfig{Profile: "production"}, wantErr: true},
		{backend: BackendConfig{Profile: "mainframe"}, wantErr: true},
		{backend: BackendConfig{Profile: "production", DSN: "http://notes.local"}, want: "http://notes.local"},
	}
	for _, tc := range cases {
		got, err := tc.backend.resolve()
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %+v", tc.backend)
			}
			continue
		}
		if err != nil {
			t.Fatalf("resolve %+v: %v", tc.backend, err)
		}
		if got != tc.want {
			t.Fatalf("resolve %+v: expected %q, got %q", tc.backend, tc.want, got)
		}
	}
}

func TestValidateRejectsNonPositiveIntervals(t *testing.T) {
	cfg := Default()
	cfg.Sync.PollInterval = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "poll_interval") {
		t.Fatalf("expected poll interval error, got %v", err)
	}

	cfg = Default()
	cfg.Sync.PollJitter = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected jitter error")
	}

	cfg = Default()
	cfg.Log.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected log level error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), zerolog.Nop()); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
