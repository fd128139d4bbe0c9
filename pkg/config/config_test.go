package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxDepth != 64 || cfg.Store.Type != "sqlite" || cfg.Retry.MaxAttempts != 3 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	path := write(t, "goalscript.yaml", `
app:
  name: shop
  root: ./shop
providers:
  openai:
    api_key: ${TEST_OPENAI_KEY}
    model: gpt-4o-mini
    enabled: true
cache:
  type: redis
  url: redis://localhost:6379/0
  ttl: 1h
retry:
  max_attempts: 5
  min_delay: 1s
  max_delay: 30s
  factor: 1.5
gateways:
  telegram:
    token: abc
    enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Name != "shop" || cfg.App.Root != "./shop" {
		t.Errorf("app = %+v", cfg.App)
	}
	name, p := cfg.GetDefaultProvider()
	if name != "openai" || p.APIKey != "sk-test" {
		t.Errorf("provider = %s %+v", name, p)
	}
	if cfg.Cache.TTL != time.Hour || cfg.Retry.MaxDelay != 30*time.Second {
		t.Errorf("durations = %v %v", cfg.Cache.TTL, cfg.Retry.MaxDelay)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("unset sections must keep defaults, logging = %+v", cfg.Logging)
	}
	if _, ok := cfg.GetTelegramConfig(); !ok {
		t.Error("telegram should be enabled")
	}
	if _, ok := cfg.GetDiscordConfig(); ok {
		t.Error("discord should be disabled")
	}
}

func TestLoadJSON(t *testing.T) {
	path := write(t, "config.json", `{
  "app": {"name": "bot", "workspace": "./workspace"},
  "providers": {"openrouter": {"api_key": "k", "model": "m", "base_url": "https://openrouter.ai/api/v1", "enabled": true}},
  "memory": {"type": "sqlite", "path": "history.db"}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Workspace != "./workspace" {
		t.Errorf("workspace = %q", cfg.App.Workspace)
	}
	if name, _ := cfg.GetDefaultProvider(); name != "openrouter" {
		t.Errorf("provider = %q", name)
	}
}

func TestLoadTOML(t *testing.T) {
	path := write(t, "goalscript.toml", `
[engine]
max_depth = 10
debug = true

[governance]
deny_modules = ["shell"]

[registry]
url = "https://apps.example.com"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxDepth != 10 || !cfg.Engine.Debug {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if len(cfg.Governance.DenyModules) != 1 || cfg.Registry.URL != "https://apps.example.com" {
		t.Errorf("governance = %+v registry = %+v", cfg.Governance, cfg.Registry)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"store type":   "store:\n  type: postgres\n",
		"redis url":    "cache:\n  type: redis\n",
		"retry delays": "retry:\n  min_delay: 10s\n  max_delay: 1s\n",
		"registry url": "registry:\n  url: not a url\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(write(t, "c.yaml", content))
			if err == nil || !strings.Contains(err.Error(), "invalid config") {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}

func TestUnsupportedExtension(t *testing.T) {
	if _, err := Load(write(t, "c.ini", "x=1")); err == nil {
		t.Error("expected error for .ini")
	}
}
