package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PAYGATE_PROXY_COMMAND", "mcp-server")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Address != ":8402" {
		t.Errorf("expected default address :8402, got %q", cfg.Server.Address)
	}
	if cfg.Pricing.DefaultCreditsPerCall != 1 {
		t.Errorf("expected default credits per call 1, got %d", cfg.Pricing.DefaultCreditsPerCall)
	}
	if cfg.Proxy.Transport != "child_process" {
		t.Errorf("expected default transport child_process, got %q", cfg.Proxy.Transport)
	}
}

func TestLoadRequiresProxyCommandForChildProcess(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatalf("expected error when proxy.command is unset for child_process transport")
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := []byte(`
server:
  address: ":9000"
proxy:
  transport: "http"
  http_url: "http://localhost:9999"
pricing:
  default_credits_per_call: 5
shadow_mode: true
`)
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Errorf("expected address :9000, got %q", cfg.Server.Address)
	}
	if cfg.Pricing.DefaultCreditsPerCall != 5 {
		t.Errorf("expected credits per call 5, got %d", cfg.Pricing.DefaultCreditsPerCall)
	}
	if !cfg.ShadowMode {
		t.Errorf("expected shadow mode enabled")
	}
}

func TestEnvOverrideTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("proxy:\n  transport: http\n  http_url: http://localhost\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("PAYGATE_SERVER_ADDRESS", ":7777")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Address != ":7777" {
		t.Errorf("expected env override :7777, got %q", cfg.Server.Address)
	}
}

func TestDurationUnmarshalAcceptsBareNumberAsSeconds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("proxy:\n  transport: http\n  http_url: http://localhost\nserver:\n  read_timeout: 30\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.ReadTimeout.Duration.Seconds() != 30 {
		t.Errorf("expected 30s, got %v", cfg.Server.ReadTimeout.Duration)
	}
}
