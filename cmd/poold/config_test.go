package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "poold.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
secret_key = "aa11"
node_id = "node-1"
relays = ["wss://relay-a.example", "wss://relay-b.example"]
allowlist_source = "https://pool.example/allowlist.json"
webhooks = ["https://hooks.example/pool"]
max_event_duration = "2h"
evict_interval = "500ms"
kinds = [5003, 6003]
log_level = "debug"

[profile]
name = "alpha"
description = "text worker"
`)
	t.Setenv("POOL_SECRET_KEY", "")
	t.Setenv("POOL_RELAYS", "")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.secretKey != "aa11" || cfg.nodeID != "node-1" {
		t.Fatalf("identity = %q / %q", cfg.secretKey, cfg.nodeID)
	}
	if len(cfg.relays) != 2 || cfg.relays[0] != "wss://relay-a.example" {
		t.Fatalf("relays = %v", cfg.relays)
	}
	if cfg.pool.MaxEventDuration != 2*time.Hour {
		t.Fatalf("max event duration = %s", cfg.pool.MaxEventDuration)
	}
	if cfg.pool.EvictInterval != 500*time.Millisecond {
		t.Fatalf("evict interval = %s", cfg.pool.EvictInterval)
	}
	// Untouched keys keep their defaults.
	if cfg.pool.MaxExecutionTime != 10*time.Minute {
		t.Fatalf("max execution time = %s", cfg.pool.MaxExecutionTime)
	}
	if len(cfg.pool.Kinds) != 2 {
		t.Fatalf("kinds = %v", cfg.pool.Kinds)
	}
	if cfg.profileName != "alpha" || cfg.profileDesc != "text worker" {
		t.Fatalf("profile = %q / %q", cfg.profileName, cfg.profileDesc)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
secret_key = "from-file"
relays = ["wss://file.example"]
`)
	t.Setenv("POOL_SECRET_KEY", "from-env")
	t.Setenv("POOL_RELAYS", "wss://env-a.example, wss://env-b.example")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.secretKey != "from-env" {
		t.Fatalf("secret key = %q", cfg.secretKey)
	}
	if len(cfg.relays) != 2 || cfg.relays[1] != "wss://env-b.example" {
		t.Fatalf("relays = %v", cfg.relays)
	}
}

func TestLoadConfigAllowsMissingKey(t *testing.T) {
	// poold generates an ephemeral key when none is configured.
	path := writeConfig(t, `relays = ["wss://relay.example"]`)
	t.Setenv("POOL_SECRET_KEY", "")
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.secretKey != "" {
		t.Fatalf("secret key = %q", cfg.secretKey)
	}
}

func TestLoadConfigRejectsMissingRelays(t *testing.T) {
	path := writeConfig(t, `secret_key = "aa11"`)
	t.Setenv("POOL_RELAYS", "")
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected error for missing relays")
	}
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
secret_key = "aa11"
relays = ["wss://relay.example"]
max_event_duration = "soon"
`)
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected duration parse error")
	}
}
