package config

import (
	"os"
	"path/filepath"
	"testing"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadAppliesDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ProvingPool.Capacity != 8 {
		t.Fatalf("expected default proving pool capacity 8, got %d", cfg.ProvingPool.Capacity)
	}
	if cfg.ProvingPool.JanitorIntervalSecs != 10 {
		t.Fatalf("expected default janitor interval 10, got %d", cfg.ProvingPool.JanitorIntervalSecs)
	}
}

func TestLoadMergesYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	if err := os.MkdirAll(filepath.Join(dir, "cmd", "config"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	defaultYAML := []byte("proving_pool:\n  capacity: 16\n")
	if err := os.WriteFile(filepath.Join(dir, "cmd", "config", "default.yaml"), defaultYAML, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ProvingPool.Capacity != 16 {
		t.Fatalf("expected overridden proving pool capacity 16, got %d", cfg.ProvingPool.Capacity)
	}
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LEDGER_PROVING_POOL_CAPACITY", "32")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ProvingPool.Capacity != 32 {
		t.Fatalf("expected env-overridden capacity 32, got %d", cfg.ProvingPool.Capacity)
	}
}

func TestDefaultCacheDirPrefersMidnightPP(t *testing.T) {
	t.Setenv("MIDNIGHT_PP", "/tmp/custom-pp")
	if got := defaultCacheDir(); got != "/tmp/custom-pp" {
		t.Fatalf("expected /tmp/custom-pp, got %s", got)
	}
}
