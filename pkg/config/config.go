// Package config loads the goalscript configuration from YAML, JSON or
// TOML files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultFile is looked up in the app root when no path is given.
const DefaultFile = "goalscript.yaml"

type Config struct {
	App        AppConfig                 `json:"app" yaml:"app" toml:"app"`
	Providers  map[string]ProviderConfig `json:"providers" yaml:"providers" toml:"providers" validate:"dive"`
	Store      StoreConfig               `json:"store" yaml:"store" toml:"store"`
	Cache      CacheConfig               `json:"cache" yaml:"cache" toml:"cache"`
	Logging    LoggingConfig             `json:"logging" yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig             `json:"metrics" yaml:"metrics" toml:"metrics"`
	Tracing    TracingConfig             `json:"tracing" yaml:"tracing" toml:"tracing"`
	Retry      RetryConfig               `json:"retry" yaml:"retry" toml:"retry"`
	Engine     EngineConfig              `json:"engine" yaml:"engine" toml:"engine"`
	Gateways   map[string]GatewayConfig  `json:"gateways" yaml:"gateways" toml:"gateways"`
	Registry   RegistryConfig            `json:"registry" yaml:"registry" toml:"registry"`
	Governance GovernanceConfig          `json:"governance" yaml:"governance" toml:"governance"`
}

type AppConfig struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	// Root is the app directory holding the .goal files.
	Root      string `json:"root" yaml:"root" toml:"root"`
	Workspace string `json:"workspace" yaml:"workspace" toml:"workspace"`
	// Prompts overrides the embedded builder prompts.
	Prompts string `json:"prompts" yaml:"prompts" toml:"prompts"`
	// Catalog is an optional capability catalog file.
	Catalog string `json:"catalog" yaml:"catalog" toml:"catalog"`
}

type GatewayConfig struct {
	Token   string `json:"token" yaml:"token" toml:"token"`
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	// Prefix marks messages that start a goal, where the gateway
	// supports it.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty" toml:"prefix"`
	// Goal handles incoming messages. Defaults to Start.
	Goal string `json:"goal,omitempty" yaml:"goal,omitempty" toml:"goal"`
}

type ProviderConfig struct {
	APIKey      string  `json:"api_key" yaml:"api_key" toml:"api_key"`
	Model       string  `json:"model" yaml:"model" toml:"model"`
	BaseURL     string  `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url"`
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" toml:"temperature" validate:"gte=0,lte=2"`
}

type StoreConfig struct {
	// Type is sqlite or memory.
	Type string `json:"type" yaml:"type" toml:"type" validate:"oneof=sqlite memory"`
	Path string `json:"path" yaml:"path" toml:"path"`
}

type CacheConfig struct {
	// Type is sqlite, redis, memory or none.
	Type string        `json:"type" yaml:"type" toml:"type" validate:"oneof=sqlite redis memory none"`
	URL  string        `json:"url,omitempty" yaml:"url,omitempty" toml:"url" validate:"required_if=Type redis"`
	TTL  time.Duration `json:"ttl" yaml:"ttl" toml:"ttl"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level" validate:"oneof=trace debug info warn error"`
	Format string `json:"format" yaml:"format" toml:"format" validate:"oneof=console json"`
	// Output is stdout, stderr or a file path.
	Output string `json:"output" yaml:"output" toml:"output" validate:"required"`
	// LLMLog is the JSON lines file receiving oracle exchanges. Empty
	// disables it.
	LLMLog string `json:"llm_log" yaml:"llm_log" toml:"llm_log"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr      string `json:"addr" yaml:"addr" toml:"addr" validate:"required_if=Enabled true"`
	Namespace string `json:"namespace" yaml:"namespace" toml:"namespace"`
}

type TracingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
	// Exporter is stdout or none.
	Exporter     string  `json:"exporter" yaml:"exporter" toml:"exporter" validate:"oneof=stdout none"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" toml:"sampling_rate" validate:"gte=0,lte=1"`
}

type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts" validate:"gte=1"`
	MinDelay    time.Duration `json:"min_delay" yaml:"min_delay" toml:"min_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay" validate:"gtefield=MinDelay"`
	Factor      float64       `json:"factor" yaml:"factor" toml:"factor" validate:"gte=1"`
}

type EngineConfig struct {
	MaxDepth int  `json:"max_depth" yaml:"max_depth" toml:"max_depth" validate:"gte=1"`
	Debug    bool `json:"debug" yaml:"debug" toml:"debug"`
	// Headless runs the browser module without a window.
	Headless bool `json:"headless" yaml:"headless" toml:"headless"`
}

type RegistryConfig struct {
	// URL of the remote app registry. Empty disables installs.
	URL string `json:"url" yaml:"url" toml:"url" validate:"omitempty,url"`
}

type GovernanceConfig struct {
	DenyModules    []string `json:"deny_modules" yaml:"deny_modules" toml:"deny_modules"`
	DenyOperations []string `json:"deny_operations" yaml:"deny_operations" toml:"deny_operations"`
	DenyPatterns   []string `json:"deny_patterns" yaml:"deny_patterns" toml:"deny_patterns"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		App:   AppConfig{Name: "goalscript", Root: "."},
		Store: StoreConfig{Type: "sqlite", Path: filepath.Join(".build", "goalscript.db")},
		Cache: CacheConfig{Type: "sqlite", TTL: 30 * 24 * time.Hour},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
			LLMLog: filepath.Join("logs", "llm.jsonl"),
		},
		Metrics: MetricsConfig{Addr: ":9090", Namespace: "goalscript"},
		Tracing: TracingConfig{Exporter: "stdout", SamplingRate: 1},
		Retry: RetryConfig{
			MaxAttempts: 3,
			MinDelay:    500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Factor:      2,
		},
		Engine: EngineConfig{MaxDepth: 64, Headless: true},
		Governance: GovernanceConfig{
			DenyPatterns: []string{`rm\s+-rf`, `mkfs`, `shutdown`, `reboot`},
		},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .yaml/.yml, .json or .toml. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	case ".yaml", ".yml", "":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expand replaces ${VAR} references in secrets with the environment.
func (c *Config) expand() {
	for name, p := range c.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		c.Providers[name] = p
	}
	for name, g := range c.Gateways {
		g.Token = os.ExpandEnv(g.Token)
		c.Gateways[name] = g
	}
	c.Cache.URL = os.ExpandEnv(c.Cache.URL)
}

// Validate checks the struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// GetDefaultProvider returns the first enabled provider, by name order.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	return c.gateway("telegram")
}

// GetDiscordConfig returns discord config if enabled
func (c *Config) GetDiscordConfig() (GatewayConfig, bool) {
	return c.gateway("discord")
}

func (c *Config) gateway(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled && g.Token != "" {
		return g, true
	}
	return GatewayConfig{}, false
}
