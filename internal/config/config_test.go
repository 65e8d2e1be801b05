package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFillsUnsetFieldsFromDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.toml")
	writeFile(t, path, `
database_dsn = "postgres://piwheels@localhost/piwheels"
output_path = "/srv/piwheels"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseDSN != "postgres://piwheels@localhost/piwheels" {
		t.Errorf("DatabaseDSN = %q, not preserved from file", cfg.DatabaseDSN)
	}
	if cfg.SlaveBind != ":5555" {
		t.Errorf("SlaveBind = %q, want default :5555", cfg.SlaveBind)
	}
	if cfg.ArchitectPollInterval != 60*time.Second {
		t.Errorf("ArchitectPollInterval = %v, want default 60s", cfg.ArchitectPollInterval)
	}
}

func TestLoadOverridesDefaultsExplicitly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.toml")
	writeFile(t, path, `
oracle_workers = 4
chunk_size = 65536
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OracleWorkers != 4 {
		t.Errorf("OracleWorkers = %d, want 4", cfg.OracleWorkers)
	}
	if cfg.ChunkSize != 65536 {
		t.Errorf("ChunkSize = %d, want 65536", cfg.ChunkSize)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("Load: want error for missing file, got nil")
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing fixture config: %v", err)
	}
}
