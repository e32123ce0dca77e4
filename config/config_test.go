package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

func TestLoad_DefaultsAndDerivedValues(t *testing.T) {
	t.Setenv("APS_CLIENT_ID", "AbCdEfGhIjKlMnOpQrStUvWxYz0123456789")
	t.Setenv("APS_CLIENT_SECRET", "secret")
	t.Setenv("REDIS_PREFIX", "ifc:")
	t.Setenv("DB_PASSWORD", "p@ss word")

	cfg, err := Load(newFlags(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.BucketKey) != 35 || cfg.BucketKey != strings.ToLower(cfg.BucketKey) {
		t.Fatalf("unexpected bucket key %q", cfg.BucketKey)
	}
	if !strings.HasPrefix(cfg.BucketKey, "revit-to-ifc-abcdef") {
		t.Fatalf("bucket key should start with app id: %q", cfg.BucketKey)
	}
	if !cfg.IncludeShallowCopies {
		t.Fatal("shallow copies should be included by default")
	}
	if cfg.DeepCopyMaxAttempts != 1 {
		t.Fatalf("expected one deep copy attempt, got %d", cfg.DeepCopyMaxAttempts)
	}
	if cfg.PollInterval != time.Minute {
		t.Fatalf("expected one minute poll interval, got %s", cfg.PollInterval)
	}
	if cfg.PollMaxAttempts != 0 {
		t.Fatalf("polling should be unbounded by default, got %d", cfg.PollMaxAttempts)
	}
	if cfg.PendingQueue != "ifc:conversion:pending" || cfg.ScheduledQueue != "ifc:conversion:scheduled" {
		t.Fatalf("queue prefix not applied: %q %q", cfg.PendingQueue, cfg.ScheduledQueue)
	}
	if !strings.Contains(cfg.DatabaseURL, "password=p@ss word") || !strings.Contains(cfg.DatabaseURL, "host=localhost") {
		t.Fatalf("unexpected database url %q", cfg.DatabaseURL)
	}
}

func TestLoad_FlagsOverrideDefaults(t *testing.T) {
	t.Setenv("APS_CLIENT_ID", "id")
	t.Setenv("APS_CLIENT_SECRET", "secret")

	cfg, err := Load(newFlags(t,
		"--database_driver=sqlite",
		"--include_shallow_copies=false",
		"--poll_interval=30s",
		"--to_email=a@example.com, b@example.com ,",
	))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.IncludeShallowCopies {
		t.Fatal("flag should disable shallow copies")
	}
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("got %s", cfg.PollInterval)
	}
	if !strings.HasPrefix(cfg.DatabaseURL, "file:") {
		t.Fatalf("sqlite should default to a file dsn, got %q", cfg.DatabaseURL)
	}
	if len(cfg.ToEmails) != 2 || cfg.ToEmails[1] != "b@example.com" {
		t.Fatalf("unexpected recipients %v", cfg.ToEmails)
	}
	if cfg.EmailEnabled() {
		t.Fatal("email needs an api key and sender")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"client_id":"file-id","client_secret":"file-secret","bucket_key":"my-bucket","workers":9}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(newFlags(t, "--config_file="+path))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ClientID != "file-id" || cfg.BucketKey != "my-bucket" || cfg.WorkerCount != 9 {
		t.Fatalf("config file not applied: %+v", cfg)
	}
}

func TestLoad_MissingCredentials(t *testing.T) {
	t.Setenv("APS_CLIENT_ID", "")
	t.Setenv("CLIENT_ID", "")
	if _, err := Load(newFlags(t)); err == nil {
		t.Fatal("expected validation error")
	}
}
