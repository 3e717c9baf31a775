package config

import (
	"github.com/HyphaGroup/agentwire/internal/session"
)

// SessionOptions converts the file into session options. Callers append
// their own options (launcher, resolver, recorder) after these.
func (c *Config) SessionOptions() []session.Option {
	a := c.Agent
	opts := []session.Option{
		session.WithExecutable(a.Executable),
		session.WithGracePeriod(c.GracePeriod()),
		session.WithSettleTimeout(c.SettleTimeout()),
		session.WithMaxPendingFrames(c.Stream.MaxPendingFrames),
	}

	if a.BaseURL != "" {
		opts = append(opts, session.WithBaseURL(a.BaseURL))
	}
	if a.APIKey != "" {
		opts = append(opts, session.WithAPIKey(a.APIKey))
	}
	if ac := c.AgentConfig(); ac != nil {
		opts = append(opts, session.WithConfig(ac))
	}
	if a.ConfigFile != "" {
		opts = append(opts, session.WithConfigFile(a.ConfigFile))
	}
	if a.Model != "" {
		opts = append(opts, session.WithModel(a.Model))
	}
	if a.WorkDir != "" {
		opts = append(opts, session.WithWorkDir(a.WorkDir))
	}
	if a.MCPConfigFile != "" {
		opts = append(opts, session.WithMCPConfigFile(a.MCPConfigFile))
	}
	if a.Thinking != nil {
		opts = append(opts, session.WithThinking(*a.Thinking))
	}
	if a.SkillsDir != "" {
		opts = append(opts, session.WithSkillsDir(a.SkillsDir))
	}
	if a.AgentFile != "" {
		opts = append(opts, session.WithAgentFile(a.AgentFile))
	}
	if len(a.Args) > 0 {
		opts = append(opts, session.WithArgs(a.Args...))
	}

	if c.Compat.MinVersion != "" {
		opts = append(opts, session.WithMinVersion(c.Compat.MinVersion))
	}
	if c.Compat.MinProtocol != "" {
		opts = append(opts, session.WithMinProtocol(c.Compat.MinProtocol))
	}
	if c.Compat.SkipInfo {
		opts = append(opts, session.WithSkipInfo())
	}

	if c.Approval.AutoApprove {
		opts = append(opts, session.WithAutoApprove())
	}
	if len(c.Approval.AllowPatterns) > 0 {
		opts = append(opts, session.WithAllowPatterns(c.Approval.AllowPatterns...))
	}
	return opts
}

// AgentConfig builds the inline agent configuration from the model and
// provider registries, or nil when neither is configured.
func (c *Config) AgentConfig() *session.AgentConfig {
	models := c.Agent.Models.agentModels()
	providers := c.Agent.Providers.agentProviders()
	if models == nil && providers == nil {
		return nil
	}
	def := c.Agent.Models.Default
	if def == "" {
		def = c.Agent.Model
	}
	return &session.AgentConfig{
		DefaultModel: def,
		Models:       models,
		Providers:    providers,
	}
}
