package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Sync.MaxRetries)
	}
	if cfg.Auth.RefreshThreshold != 5*time.Minute {
		t.Errorf("RefreshThreshold = %v", cfg.Auth.RefreshThreshold)
	}
	if cfg.Auth.LockoutWindow != 15*time.Minute {
		t.Errorf("LockoutWindow = %v", cfg.Auth.LockoutWindow)
	}
	if cfg.SecureStore.Path != filepath.Join("./data", "credentials.enc") {
		t.Errorf("SecureStore.Path = %q", cfg.SecureStore.Path)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spbsync.yaml")
	content := []byte(`
data_dir: /var/lib/spbsync
api:
  base_url: https://api.fieldops.test
  timeout: 10s
sync:
  batch_size: 20
  backoff_base: 5s
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SPBSYNC_SYNC_BATCH_SIZE", "7")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Timeout != 10*time.Second {
		t.Errorf("API.Timeout = %v", cfg.API.Timeout)
	}
	if cfg.Sync.BatchSize != 7 {
		t.Errorf("env override ignored: BatchSize = %d", cfg.Sync.BatchSize)
	}
	if cfg.Sync.BackoffBase != 5*time.Second {
		t.Errorf("BackoffBase = %v", cfg.Sync.BackoffBase)
	}
	if cfg.DataDir != "/var/lib/spbsync" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatal(err)
	}

	bad := *cfg
	bad.API.BaseURL = "not a url"
	if err := bad.Validate(); err == nil {
		t.Error("expected invalid base url to fail")
	}

	bad = *cfg
	bad.Sync.BatchSize = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected zero batch size to fail")
	}
}
