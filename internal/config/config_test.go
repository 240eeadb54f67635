package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
server:
  addr: ":9090"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("explicit value lost: %q", cfg.Server.Addr)
	}
	if cfg.Agent.MaxToolCallsPerRequest != 5 || cfg.Memory.HybridAlpha != 0.7 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Devices.CacheTTL != 5*time.Minute {
		t.Errorf("cache ttl default wrong: %v", cfg.Devices.CacheTTL)
	}
}

func TestLoad_IncludeAndEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_BROKER_URL", "tcp://broker.local:1883")

	writeConfig(t, dir, "brokers.yaml", `
devices:
  mqtt_brokers:
    - id: main
      url: ${TEST_BROKER_URL}
      enabled: true
`)
	path := writeConfig(t, dir, "config.yaml", `
$include: brokers.yaml
server:
  addr: ":8087"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Devices.MQTTBrokers) != 1 {
		t.Fatalf("included brokers missing: %+v", cfg.Devices)
	}
	if cfg.Devices.MQTTBrokers[0].URL != "tcp://broker.local:1883" {
		t.Errorf("env expansion failed: %q", cfg.Devices.MQTTBrokers[0].URL)
	}
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeConfig(t, dir, "b.yaml", "$include: a.yaml\n")
	if _, err := Load(path); err == nil {
		t.Fatal("include cycle must be detected")
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", "no_such_section:\n  x: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("unknown top-level field must be rejected")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "cockroach"
	if err := cfg.Validate(); err == nil {
		t.Error("cockroach backend without dsn must fail validation")
	}
	cfg.Storage.DSN = "postgres://localhost/edgemind"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg.Devices.MQTTBrokers = []MQTTBrokerConfig{{ID: "", URL: ""}}
	if err := cfg.Validate(); err == nil {
		t.Error("broker without id/url must fail validation")
	}
}
