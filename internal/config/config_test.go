package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ckpool.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
network = "test"
log_level = "debug"

[rpc]
url = "http://127.0.0.1:18332"
user = "alice"
password = "hunter2"

[stratum]
port = 13333
difficulty = 4096
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Network != "test" {
		t.Errorf("Network = %q, want test", cfg.Network)
	}
	if cfg.RPC.URL != "http://127.0.0.1:18332" {
		t.Errorf("RPC.URL = %q", cfg.RPC.URL)
	}
	if cfg.RPC.User != "alice" {
		t.Errorf("RPC.User = %q", cfg.RPC.User)
	}
	if cfg.Stratum.Port != 13333 {
		t.Errorf("Stratum.Port = %d, want 13333", cfg.Stratum.Port)
	}
	if cfg.Stratum.Difficulty != 4096 {
		t.Errorf("Stratum.Difficulty = %v, want 4096", cfg.Stratum.Difficulty)
	}

	// Fields the file never mentions keep their defaults.
	if cfg.Stratum.MaxConnections != 4096 {
		t.Errorf("Stratum.MaxConnections = %d, want default 4096", cfg.Stratum.MaxConnections)
	}
	if cfg.ZMQ.Endpoint != "tcp://127.0.0.1:28332" {
		t.Errorf("ZMQ.Endpoint = %q, want default", cfg.ZMQ.Endpoint)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Stratum.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 0")
	}
}

func TestValidate_RejectsUnknownNetwork(t *testing.T) {
	cfg := Default()
	cfg.Network = "fakenet"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown network")
	}
}

func TestValidate_RejectsNonPositiveDifficulty(t *testing.T) {
	cfg := Default()
	cfg.Stratum.Difficulty = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-positive difficulty")
	}
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default() config should validate cleanly: %v", err)
	}
}
