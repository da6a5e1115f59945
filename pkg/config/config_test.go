package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SYNC_BASE_URL", "AUTH_BASE_URL", "REALTIME_BASE_URL", "UPDATE_BASE_URL",
		"UPDATE_SIGNING_PUBLIC_KEY_PATH", "DENTAL_SUB_DATA_DIR", "DENTAL_SUB_LOG_LEVEL", "DENTAL_SUB_LOG_JSON",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "syncBaseUrl: https://sync.example.com\nauthBaseUrl: https://auth.example.com\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SyncBaseURL != "https://sync.example.com" || cfg.AuthBaseURL != "https://auth.example.com" {
		t.Fatalf("got %+v", cfg)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "syncBaseUrl: https://sync.example.com\nauthBaseUrl: https://auth.example.com\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SYNC_BASE_URL", "https://override.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SyncBaseURL != "https://override.example.com" {
		t.Fatalf("got %q", cfg.SyncBaseURL)
	}
}

func TestLoadMissingFileFallsBackToEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYNC_BASE_URL", "https://sync.example.com")
	t.Setenv("AUTH_BASE_URL", "https://auth.example.com")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SyncBaseURL != "https://sync.example.com" {
		t.Fatalf("got %+v", cfg)
	}
}

func TestLoadRequiresSyncBaseURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH_BASE_URL", "https://auth.example.com")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for missing SYNC_BASE_URL")
	}
}
