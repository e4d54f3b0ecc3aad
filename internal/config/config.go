// Package config loads the run configuration of the storytime service.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/storytime/internal/engine"
	"github.com/danshapiro/storytime/internal/logging"
	"github.com/danshapiro/storytime/internal/workflow"
)

const (
	EnvDataDir  = "STORYTIME_DATA_DIR"
	EnvRedisURL = "STORYTIME_REDIS_URL"
	EnvListen   = "STORYTIME_LISTEN"
	EnvLogLevel = "STORYTIME_LOG_LEVEL"
)

type Config struct {
	Version int    `json:"version" yaml:"version"`
	DataDir string `json:"data_dir" yaml:"data_dir"`
	Listen  string `json:"listen" yaml:"listen"`

	StateStore struct {
		Backend  string `json:"backend" yaml:"backend"` // file|redis
		RedisURL string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	} `json:"state_store" yaml:"state_store"`

	Session struct {
		IdleTimeoutMS     int `json:"idle_timeout_ms" yaml:"idle_timeout_ms"`
		JanitorIntervalMS int `json:"janitor_interval_ms" yaml:"janitor_interval_ms"`
	} `json:"session" yaml:"session"`

	Engine EngineConfig `json:"engine" yaml:"engine"`

	Collaborators struct {
		PlannerURL    string       `json:"planner_url" yaml:"planner_url"`
		ClassifierURL string       `json:"classifier_url,omitempty" yaml:"classifier_url,omitempty"`
		TimeoutMS     int          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
		Tools         []ToolConfig `json:"tools" yaml:"tools"`
	} `json:"collaborators" yaml:"collaborators"`

	Log logging.Config `json:"log" yaml:"log"`
}

type EngineConfig struct {
	MaxAttempts      int                  `json:"max_attempts" yaml:"max_attempts"`
	ToolTimeoutMS    int                  `json:"tool_timeout_ms" yaml:"tool_timeout_ms"`
	PlannerTimeoutMS int                  `json:"planner_timeout_ms" yaml:"planner_timeout_ms"`
	MaxCorrections   int                  `json:"max_corrections" yaml:"max_corrections"`
	MaxHops          int                  `json:"max_hops" yaml:"max_hops"`
	Backoff          engine.BackoffConfig `json:"backoff" yaml:"backoff"`
	// Approvals overrides the default of gating every step.
	Approvals map[string]bool `json:"approvals,omitempty" yaml:"approvals,omitempty"`
}

type ToolConfig struct {
	Step        string         `json:"step" yaml:"step"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	URL         string         `json:"url" yaml:"url"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Load reads path (YAML, or JSON by extension), loads a .env file from the
// working directory when one exists, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = decodeJSONStrict(b, &cfg)
	default:
		err = decodeYAMLStrict(b, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	applyEnv(&cfg, os.Getenv)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default is the configuration used when no file is given. The .env file and
// environment overrides apply exactly as they do for Load.
func Default() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	var cfg Config
	applyEnv(&cfg, os.Getenv)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv reads .env from the working directory when present. Variables
// already set in the process win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvDataDir)); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(getenv(EnvRedisURL)); v != "" {
		cfg.StateStore.RedisURL = v
		if cfg.StateStore.Backend == "" {
			cfg.StateStore.Backend = "redis"
		}
	}
	if v := strings.TrimSpace(getenv(EnvListen)); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "data"
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = "127.0.0.1:8080"
	}
	cfg.StateStore.Backend = strings.ToLower(strings.TrimSpace(cfg.StateStore.Backend))
	if cfg.StateStore.Backend == "" {
		cfg.StateStore.Backend = "file"
	}
	if cfg.Session.IdleTimeoutMS == 0 {
		cfg.Session.IdleTimeoutMS = int((30 * time.Minute).Milliseconds())
	}
	if cfg.Session.JanitorIntervalMS == 0 {
		cfg.Session.JanitorIntervalMS = int(time.Minute.Milliseconds())
	}
	if cfg.Engine.MaxAttempts == 0 {
		cfg.Engine.MaxAttempts = engine.DefaultRetryPolicy().MaxAttempts
	}
	if cfg.Engine.Backoff == (engine.BackoffConfig{}) {
		cfg.Engine.Backoff = engine.DefaultBackoffConfig()
	}
	def := logging.DefaultConfig()
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Format
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = def.Output
	}
	for i := range cfg.Collaborators.Tools {
		cfg.Collaborators.Tools[i].Name = strings.TrimSpace(cfg.Collaborators.Tools[i].Name)
	}
}

func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", c.Version)
	}
	switch c.StateStore.Backend {
	case "file":
	case "redis":
		if strings.TrimSpace(c.StateStore.RedisURL) == "" {
			return fmt.Errorf("state_store.redis_url is required when state_store.backend=redis")
		}
	default:
		return fmt.Errorf("invalid state_store.backend: %q (want file|redis)", c.StateStore.Backend)
	}
	if c.Session.IdleTimeoutMS < 0 || c.Session.JanitorIntervalMS < 0 {
		return fmt.Errorf("session timeouts must be >= 0")
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be >= 1")
	}
	if c.Engine.ToolTimeoutMS < 0 || c.Engine.PlannerTimeoutMS < 0 || c.Engine.MaxHops < 0 {
		return fmt.Errorf("engine timeouts and max_hops must be >= 0")
	}
	if c.Engine.Backoff.InitialDelayMS < 0 || c.Engine.Backoff.MaxDelayMS < 0 || c.Engine.Backoff.BackoffFactor < 0 {
		return fmt.Errorf("engine.backoff values must be >= 0")
	}
	if _, err := c.ApprovalPolicy(); err != nil {
		return err
	}
	if c.Collaborators.PlannerURL != "" {
		if err := checkURL("collaborators.planner_url", c.Collaborators.PlannerURL); err != nil {
			return err
		}
	}
	if c.Collaborators.ClassifierURL != "" {
		if err := checkURL("collaborators.classifier_url", c.Collaborators.ClassifierURL); err != nil {
			return err
		}
	}
	seen := map[string]bool{}
	for i, t := range c.Collaborators.Tools {
		st, err := workflow.ParseStep(t.Step)
		if err != nil || st.Terminal() {
			return fmt.Errorf("collaborators.tools[%d].step: invalid step %q", i, t.Step)
		}
		if t.Name == "" {
			return fmt.Errorf("collaborators.tools[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("collaborators.tools[%d]: duplicate tool name %q", i, t.Name)
		}
		seen[t.Name] = true
		if err := checkURL(fmt.Sprintf("collaborators.tools[%d].url", i), t.URL); err != nil {
			return err
		}
	}
	return nil
}

func checkURL(field, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: want an http(s) URL, got %q", field, raw)
	}
	return nil
}

// ApprovalPolicy turns the approvals section into a policy. Steps not listed
// keep the default of requiring approval.
func (c *Config) ApprovalPolicy() (workflow.ApprovalPolicy, error) {
	p := workflow.DefaultApprovalPolicy()
	for name, required := range c.Engine.Approvals {
		st, err := workflow.ParseStep(name)
		if err != nil || st.Terminal() {
			return nil, fmt.Errorf("engine.approvals: invalid step %q", name)
		}
		p[st] = required
	}
	return p, nil
}

// RetryPolicy returns the engine retry settings.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{MaxAttempts: c.Engine.MaxAttempts, Backoff: c.Engine.Backoff}
}

func (c *Config) StateDir() string      { return filepath.Join(c.DataDir, "state") }
func (c *Config) CheckpointDir() string { return filepath.Join(c.DataDir, "checkpoints") }
func (c *Config) ArtifactDir() string   { return filepath.Join(c.DataDir, "artifacts") }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) ToolTimeout() time.Duration     { return ms(c.Engine.ToolTimeoutMS) }
func (c *Config) PlannerTimeout() time.Duration  { return ms(c.Engine.PlannerTimeoutMS) }
func (c *Config) IdleTimeout() time.Duration     { return ms(c.Session.IdleTimeoutMS) }
func (c *Config) JanitorInterval() time.Duration { return ms(c.Session.JanitorIntervalMS) }
func (c *Config) CollaboratorTimeout() time.Duration {
	return ms(c.Collaborators.TimeoutMS)
}
