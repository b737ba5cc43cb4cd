package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address() != "0.0.0.0:9000" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address())
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Fatalf("unexpected max iterations: %d", cfg.Agent.MaxIterations)
	}
	if cfg.Catalog.File != filepath.Join(dir, "assets", "mcp-servers.json") {
		t.Fatalf("catalog file not resolved against config dir: %s", cfg.Catalog.File)
	}
	if cfg.Sessions.BusyWait().Seconds() != 30 {
		t.Fatalf("unexpected busy wait: %s", cfg.Sessions.BusyWait())
	}
}

func TestLoadAcceptsJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.json")
	body := `{"agent": {"max_iterations": 4}, "sessions": {"busy_wait_seconds": 0}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Agent.MaxIterations != 4 {
		t.Fatalf("unexpected max iterations: %d", cfg.Agent.MaxIterations)
	}
	if cfg.Sessions.BusyWait() != 0 {
		t.Fatalf("explicit zero busy wait lost: %s", cfg.Sessions.BusyWait())
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"MCP_HOST":              "127.0.0.1",
		"MCP_PORT":              "8088",
		"OPENAI_MODEL":          "gpt-4o",
		"MCP_REGISTRY_ENDPOINT": "http://registry:9000",
		"DEFAULT_ROLE":          "viewer",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	var cfg Config
	cfg.applyEnv(lookup)
	cfg.applyDefaults(".")

	if cfg.Server.Address() != "127.0.0.1:8088" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address())
	}
	if cfg.LLM.OpenAI.Model != "gpt-4o" {
		t.Fatalf("model not overridden: %s", cfg.LLM.OpenAI.Model)
	}
	if cfg.Policy.Driver != "registry" || cfg.Policy.RegistryEndpoint != "http://registry:9000" {
		t.Fatalf("registry policy not selected: %+v", cfg.Policy)
	}
	if cfg.Catalog.Source != "merged" {
		t.Fatalf("catalog should merge file and registry: %s", cfg.Catalog.Source)
	}
	if cfg.Policy.DefaultRole != "viewer" {
		t.Fatalf("default role not overridden: %s", cfg.Policy.DefaultRole)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	var cfg Config
	cfg.Sessions.Driver = "sqlite"
	cfg.Auth.Mode = "jwt"
	cfg.applyDefaults(".")

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "sessions.driver") || !strings.Contains(err.Error(), "auth.secret") {
		t.Fatalf("unexpected error: %v", err)
	}
}
