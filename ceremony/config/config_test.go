package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Round.NumberOfChunks != 64 {
		t.Errorf("NumberOfChunks = %d, want 64", cfg.Round.NumberOfChunks)
	}
	if cfg.Queue.RequireTokens != true {
		t.Errorf("RequireTokens should default true")
	}
}

func TestLoadMergesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.toml")
	body := `
datadir = "/var/lib/coordinator"

[round]
number_of_chunks = 4
minimum_contributors_per_round = 2
maximum_contributors_per_round = 3

[transport]
port = 9090
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/var/lib/coordinator" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Round.NumberOfChunks != 4 {
		t.Errorf("NumberOfChunks = %d, want 4", cfg.Round.NumberOfChunks)
	}
	if cfg.Transport.Port != 9090 {
		t.Errorf("Transport.Port = %d, want 9090", cfg.Transport.Port)
	}
	// Fields left unset in the file keep their defaults.
	if cfg.Storage.Backend != "mem" {
		t.Errorf("Storage.Backend = %q, want mem (unset in file)", cfg.Storage.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config should validate: %v", err)
	}
}

func TestCoordinatorConfigParsesDurations(t *testing.T) {
	cfg := Default()
	cfg.Round.ContributorSeenTimeout = "5m"
	cc, err := cfg.CoordinatorConfig()
	if err != nil {
		t.Fatalf("coordinator config: %v", err)
	}
	if cc.ContributorSeenTimeout.String() != "5m0s" {
		t.Errorf("ContributorSeenTimeout = %s, want 5m0s", cc.ContributorSeenTimeout)
	}
}

func TestValidateRejectsBadStorageBackend(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown storage backend")
	}
}
