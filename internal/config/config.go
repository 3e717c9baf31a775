// Package config loads agentwire.jsonc.
//
// config.go - configuration file format and loading
//
// This file contains:
// - Config and its sections
// - FindConfigPath with the config dir / project / user precedence
// - Load, LoadFile, defaults and validation
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/HyphaGroup/agentwire/internal/container/docker"
	"github.com/HyphaGroup/agentwire/internal/logger"
)

// FileName is the configuration file name.
const FileName = "agentwire.jsonc"

// ErrNotFound is returned by FindConfigPath when no file exists.
var ErrNotFound = errors.New("config file not found")

// Config is the agentwire.jsonc file format
type Config struct {
	Agent     AgentSection     `json:"agent"`
	Compat    CompatSection    `json:"compat"`
	Transport TransportSection `json:"transport"`
	Stream    StreamSection    `json:"stream"`
	Approval  ApprovalSection  `json:"approval"`
	Logging   LoggingSection   `json:"logging"`
	Metrics   MetricsSection   `json:"metrics"`
	History   HistorySection   `json:"history"`
	Skills    SkillsSection    `json:"skills"`
	Trace     TraceSection     `json:"trace"`
	MCP       MCPSection       `json:"mcp"`

	// Path is where the config was loaded from, empty for defaults.
	Path string `json:"-"`
}

// AgentSection configures the agent process
type AgentSection struct {
	Executable    string   `json:"executable"`
	Model         string   `json:"model"`
	WorkDir       string   `json:"work_dir"`
	ConfigFile    string   `json:"config_file"`
	MCPConfigFile string   `json:"mcp_config_file"`
	SkillsDir     string   `json:"skills_dir"`
	AgentFile     string   `json:"agent_file"`
	Thinking      *bool    `json:"thinking,omitempty"`
	BaseURL       string   `json:"base_url"`
	APIKey        string   `json:"api_key"`
	Args          []string `json:"args"`

	Models    ModelRegistry    `json:"models"`
	Providers ProviderRegistry `json:"providers"`
}

// CompatSection gates agent versions
type CompatSection struct {
	MinVersion  string `json:"min_version"`
	MinProtocol string `json:"min_protocol"`
	SkipInfo    bool   `json:"skip_info"`
}

// TransportSection tunes process startup and shutdown
type TransportSection struct {
	GracePeriodMS   int              `json:"grace_period_ms"`
	SettleTimeoutMS int              `json:"settle_timeout_ms"`
	Container       ContainerSection `json:"container"`
}

// ContainerSection runs the agent inside a Docker container
type ContainerSection struct {
	Enabled      bool   `json:"enabled"`
	Name         string `json:"name"`
	Image        string `json:"image"`
	Pull         bool   `json:"pull"`
	User         string `json:"user"`
	WorkDirMount bool   `json:"work_dir_mount"`
	Network      string `json:"network"`
	Memory       string `json:"memory"`
	CPUs         int    `json:"cpus"`
}

// StreamSection tunes the stream multiplexer
type StreamSection struct {
	// MaxPendingFrames bounds frames queued for unregistered streams.
	// 0 keeps the queue unbounded.
	MaxPendingFrames int `json:"max_pending_frames"`
}

// ApprovalSection configures the approval gate
type ApprovalSection struct {
	AutoApprove   bool     `json:"auto_approve"`
	AllowPatterns []string `json:"allow_patterns"`
}

// LoggingSection configures slog
type LoggingSection struct {
	Dir   string `json:"dir"`
	Level string `json:"level"`
	JSON  bool   `json:"json"`
}

// MetricsSection configures the Prometheus endpoint
type MetricsSection struct {
	// Address serves /metrics when set, e.g. "127.0.0.1:9464".
	Address string `json:"address"`
}

// HistorySection configures the SQLite history store
type HistorySection struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SkillsSection configures skill validation and watching
type SkillsSection struct {
	Dir          string `json:"dir"`
	PollInterval string `json:"poll_interval"`
}

// TraceSection configures wire tracing
type TraceSection struct {
	// Path receives the trace; a .zst suffix compresses it.
	Path string `json:"path"`
}

// MCPSection configures `agentwire mcp`
type MCPSection struct {
	// RateLimit is tool calls per second per tool; 0 disables the limit.
	RateLimit float64 `json:"rate_limit"`
	Burst     int     `json:"burst"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// FindConfigPath returns the path to agentwire.jsonc using precedence:
// 1. configDir + /agentwire.jsonc (if configDir specified)
// 2. ./config/agentwire.jsonc (project-local)
// 3. ~/.agentwire/config/agentwire.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, FileName)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%s not found in %s: %w", FileName, configDir, ErrNotFound)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return path, nil
		}
		return abs, nil
	}

	candidates := []string{
		filepath.Join("config", FileName),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".agentwire", "config", FileName))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("%s not found; tried: %v: %w", FileName, candidates, ErrNotFound)
}

// Load finds and loads the configuration. Without an explicit configDir a
// missing file yields the defaults.
func Load(configDir string) (*Config, error) {
	path, err := FindConfigPath(configDir)
	if err != nil {
		if configDir == "" && errors.Is(err, ErrNotFound) {
			return Default(), nil
		}
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a single agentwire.jsonc file
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Path = path

	applyDefaults(&cfg)
	cfg.Agent.Providers.resolveKeys()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.Executable == "" {
		cfg.Agent.Executable = "kimi"
	}
	if cfg.Agent.Models.Models == nil {
		cfg.Agent.Models.Models = make(map[string]ModelDefinition)
	}
	if cfg.Agent.Providers.Providers == nil {
		cfg.Agent.Providers.Providers = make(map[string]ProviderCredential)
	}

	if cfg.Transport.GracePeriodMS == 0 {
		cfg.Transport.GracePeriodMS = 500
	}
	if cfg.Transport.SettleTimeoutMS == 0 {
		cfg.Transport.SettleTimeoutMS = 2000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join("data", "history.db")
	}

	if cfg.Skills.PollInterval == "" {
		cfg.Skills.PollInterval = "10s"
	}

	if cfg.MCP.RateLimit > 0 && cfg.MCP.Burst == 0 {
		cfg.MCP.Burst = 5
	}
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	var errs []error

	if c.Transport.GracePeriodMS < 0 {
		errs = append(errs, fmt.Errorf("transport.grace_period_ms must not be negative"))
	}
	if c.Transport.SettleTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("transport.settle_timeout_ms must not be negative"))
	}
	if c.MCP.RateLimit < 0 || c.MCP.Burst < 0 {
		errs = append(errs, fmt.Errorf("mcp.rate_limit and mcp.burst must not be negative"))
	}
	if c.Stream.MaxPendingFrames < 0 {
		errs = append(errs, fmt.Errorf("stream.max_pending_frames must not be negative"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	for _, p := range c.Approval.AllowPatterns {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("approval.allow_patterns: invalid pattern %q", p))
		}
	}

	if _, err := c.SkillsPollInterval(); err != nil {
		errs = append(errs, err)
	}

	if ct := c.Transport.Container; ct.Enabled && ct.Name == "" && ct.Image == "" {
		errs = append(errs, fmt.Errorf("transport.container needs a name or an image"))
	}

	if m := c.Agent.Model; m != "" && len(c.Agent.Models.Models) > 0 && !c.Agent.Models.HasModel(m) {
		errs = append(errs, fmt.Errorf("agent.model %q is not defined in agent.models", m))
	}
	for name, def := range c.Agent.Models.Models {
		if def.Provider != "" && len(c.Agent.Providers.Providers) > 0 {
			if _, ok := c.Agent.Providers.GetProvider(def.Provider); !ok {
				errs = append(errs, fmt.Errorf("model %q uses unknown provider %q", name, def.Provider))
			}
		}
	}

	return errors.Join(errs...)
}

// GracePeriod returns the shutdown step wait.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Transport.GracePeriodMS) * time.Millisecond
}

// SettleTimeout returns the bound on waiting for earlier calls.
func (c *Config) SettleTimeout() time.Duration {
	return time.Duration(c.Transport.SettleTimeoutMS) * time.Millisecond
}

// SkillsPollInterval parses skills.poll_interval.
func (c *Config) SkillsPollInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Skills.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("skills.poll_interval: %w", err)
	}
	if d < time.Second {
		return 0, fmt.Errorf("skills.poll_interval %s is below 1s", d)
	}
	return d, nil
}

// DockerConfig returns the container launcher settings.
func (c *Config) DockerConfig() docker.Config {
	ct := c.Transport.Container
	return docker.Config{
		Container:    ct.Name,
		Image:        ct.Image,
		Pull:         ct.Pull,
		User:         ct.User,
		WorkDirMount: ct.WorkDirMount,
		Network:      ct.Network,
		Memory:       ct.Memory,
		CPUs:         ct.CPUs,
	}
}

// LoggerOptions returns the slog settings.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Dir:   c.Logging.Dir,
		JSON:  c.Logging.JSON,
		Level: c.Logging.Level,
	}
}
