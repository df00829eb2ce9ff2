package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the deployment file looked up in the workspace.
const FileName = "sprintline.yml"

// Config models sprintline.yml.
type Config struct {
	Locks struct {
		Timeout  time.Duration `yaml:"timeout"`
		TTL      time.Duration `yaml:"ttl"`
		Strategy string        `yaml:"strategy"`
	} `yaml:"locks"`
	Collaboration struct {
		IdleAfter time.Duration `yaml:"idle_after"`
		Rate      struct {
			PerSecond float64 `yaml:"per_second"`
			Burst     int     `yaml:"burst"`
		} `yaml:"rate"`
	} `yaml:"collaboration"`
	Projects struct {
		IdleEviction     time.Duration `yaml:"idle_eviction"`
		MaxParallelUnits int           `yaml:"max_parallel_units"`
		FailureThreshold int           `yaml:"failure_threshold"`
		IdempotencyCache int           `yaml:"idempotency_cache"`
		RecoveryTail     int           `yaml:"recovery_tail"`
	} `yaml:"projects"`
	Events struct {
		RingSize         int `yaml:"ring_size"`
		SubscriberBuffer int `yaml:"subscriber_buffer"`
	} `yaml:"events"`
	Engine struct {
		Workers int `yaml:"workers"`
	} `yaml:"engine"`
	Server struct {
		Addr            string `yaml:"addr"`
		BasePath        string `yaml:"base_path"`
		AllowDevHeaders bool   `yaml:"allow_dev_headers"`
		JWTSecret       string `yaml:"jwt_secret"`
		JWTIssuer       string `yaml:"jwt_issuer"`
		JWTAudience     string `yaml:"jwt_audience"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig points one agent collaborator at a set of event types.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var strategies = map[string]bool{"first_wins": true, "last_wins": true, "merge": true, "abort": true, "manual": true}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Locks.Timeout <= 0 {
		return fmt.Errorf("config.locks.timeout must be positive")
	}
	if c.Locks.TTL <= 0 {
		return fmt.Errorf("config.locks.ttl must be positive")
	}
	if c.Locks.TTL < c.Locks.Timeout {
		return fmt.Errorf("config.locks.ttl (%s) must not be shorter than config.locks.timeout (%s)", c.Locks.TTL, c.Locks.Timeout)
	}
	if !strategies[c.Locks.Strategy] {
		return fmt.Errorf("config.locks.strategy %q is not one of first_wins, last_wins, merge, abort, manual", c.Locks.Strategy)
	}
	if c.Collaboration.IdleAfter <= 0 {
		return fmt.Errorf("config.collaboration.idle_after must be positive")
	}
	if c.Collaboration.Rate.PerSecond <= 0 || c.Collaboration.Rate.Burst <= 0 {
		return fmt.Errorf("config.collaboration.rate needs positive per_second and burst")
	}
	if c.Projects.IdleEviction <= 0 {
		return fmt.Errorf("config.projects.idle_eviction must be positive")
	}
	if c.Projects.MaxParallelUnits <= 0 {
		return fmt.Errorf("config.projects.max_parallel_units must be positive")
	}
	if c.Projects.FailureThreshold <= 0 {
		return fmt.Errorf("config.projects.failure_threshold must be positive")
	}
	if c.Projects.IdempotencyCache <= 0 {
		return fmt.Errorf("config.projects.idempotency_cache must be positive")
	}
	if c.Projects.RecoveryTail < 0 {
		return fmt.Errorf("config.projects.recovery_tail must not be negative")
	}
	if c.Events.RingSize <= 0 || c.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("config.events.ring_size and subscriber_buffer must be positive")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("config.engine.workers must be positive")
	}
	if c.Log.Level != "" && !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config from raw YAML bytes over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the effective config.
func (c *Config) YAML() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const defaultTemplate = `locks:
  timeout: 5s
  ttl: 30s
  strategy: first_wins

collaboration:
  idle_after: 5m
  rate:
    per_second: 20
    burst: 40

projects:
  idle_eviction: 30m
  max_parallel_units: 3
  failure_threshold: 3
  idempotency_cache: 1024
  recovery_tail: 256

events:
  ring_size: 1024
  subscriber_buffer: 256

engine:
  workers: 8

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_dev_headers: false

log:
  level: info

webhooks: []
`
