package session

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/HyphaGroup/agentwire/internal/approval"
	"github.com/HyphaGroup/agentwire/internal/transport"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

// DefaultSettleTimeout bounds how long Prompt and Close wait for an earlier
// call to finish.
const DefaultSettleTimeout = 2 * time.Second

// ProviderType names an LLM provider kind understood by the agent.
type ProviderType string

const (
	ProviderTypeKimi      ProviderType = "kimi"
	ProviderTypeOpenAI    ProviderType = "openai_legacy"
	ProviderTypeAnthropic ProviderType = "anthropic"
)

// LLMProvider is a provider entry of the agent configuration.
type LLMProvider struct {
	Type    ProviderType `json:"type"`
	BaseURL string       `json:"base_url"`
	APIKey  string       `json:"api_key,omitempty"`
}

// LLMModel is a model entry of the agent configuration.
type LLMModel struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	MaxContextSize int    `json:"max_context_size"`
}

// AgentConfig is passed to the agent as --config JSON.
type AgentConfig struct {
	DefaultModel string                 `json:"default_model,omitempty"`
	Models       map[string]LLMModel    `json:"models,omitempty"`
	Providers    map[string]LLMProvider `json:"providers,omitempty"`
}

// MCPClientConfig tunes the agent's MCP client.
type MCPClientConfig struct {
	ToolCallTimeoutMS int `json:"tool_call_timeout_ms,omitempty"`
}

// MCPConfig is passed to the agent as --mcp-config JSON.
type MCPConfig struct {
	Client     MCPClientConfig           `json:"client"`
	MCPServers map[string]MCPServerEntry `json:"mcpServers,omitempty"`
}

// MCPServerEntry is one MCP server the agent connects to.
type MCPServerEntry struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type option struct {
	exec    string
	args    []string
	envs    []string
	workDir string
	resume  string

	autoApprove bool
	resolver    approval.Resolver
	patterns    []string

	launcher    transport.Launcher
	baseArgs    []string
	minVersion  string
	minProtocol string
	skipInfo    bool
	grace       time.Duration
	settle      time.Duration
	maxPending  int

	recorder Recorder
	tap      wire.Tap
	logger   *slog.Logger
}

// Option configures a Session. Options apply in order; argument options
// append to the agent command line in call order.
type Option func(*option)

// WithExecutable sets the agent executable, "kimi" by default.
func WithExecutable(exec string) Option {
	return func(o *option) { o.exec = exec }
}

// WithBaseURL sets KIMI_BASE_URL for the agent.
func WithBaseURL(url string) Option {
	return func(o *option) { o.envs = append(o.envs, "KIMI_BASE_URL="+url) }
}

// WithAPIKey sets KIMI_API_KEY for the agent.
func WithAPIKey(key string) Option {
	return func(o *option) { o.envs = append(o.envs, "KIMI_API_KEY="+key) }
}

// WithConfig passes an inline agent configuration.
func WithConfig(cfg *AgentConfig) Option {
	return func(o *option) {
		data, err := json.Marshal(cfg)
		if err != nil {
			return
		}
		o.args = append(o.args, "--config", string(data))
	}
}

// WithConfigFile points the agent at its configuration file.
func WithConfigFile(path string) Option {
	return func(o *option) { o.args = append(o.args, "--config-file", path) }
}

// WithModel selects the model.
func WithModel(model string) Option {
	return func(o *option) { o.args = append(o.args, "--model", model) }
}

// WithWorkDir sets the agent's working directory.
func WithWorkDir(dir string) Option {
	return func(o *option) {
		o.workDir = dir
		o.args = append(o.args, "--work-dir", dir)
	}
}

// WithSession resumes an agent-side session by id.
func WithSession(id string) Option {
	return func(o *option) {
		o.resume = id
		o.args = append(o.args, "--session", id)
	}
}

// WithMCPConfigFile points the agent at an MCP configuration file.
func WithMCPConfigFile(path string) Option {
	return func(o *option) { o.args = append(o.args, "--mcp-config-file", path) }
}

// WithMCPConfig passes an inline MCP configuration.
func WithMCPConfig(cfg *MCPConfig) Option {
	return func(o *option) {
		data, err := json.Marshal(cfg)
		if err != nil {
			return
		}
		o.args = append(o.args, "--mcp-config", string(data))
	}
}

// WithAutoApprove lets the agent act without asking and approves anything
// it still asks about.
func WithAutoApprove() Option {
	return func(o *option) {
		o.autoApprove = true
		o.args = append(o.args, "--auto-approve")
	}
}

// WithThinking turns extended thinking on or off.
func WithThinking(on bool) Option {
	return func(o *option) {
		if on {
			o.args = append(o.args, "--thinking")
		} else {
			o.args = append(o.args, "--no-thinking")
		}
	}
}

// WithSkillsDir points the agent at a skills directory.
func WithSkillsDir(dir string) Option {
	return func(o *option) { o.args = append(o.args, "--skills-dir", dir) }
}

// WithAgentFile starts the agent from an agent specification file, which
// can declare custom tools and a system prompt.
func WithAgentFile(path string) Option {
	return func(o *option) { o.args = append(o.args, "--agent-file", path) }
}

// WithArgs appends raw agent arguments.
func WithArgs(args ...string) Option {
	return func(o *option) { o.args = append(o.args, args...) }
}

// WithApprovalResolver asks r about requests no rule decides.
func WithApprovalResolver(r approval.Resolver) Option {
	return func(o *option) { o.resolver = r }
}

// WithAllowPatterns approves actions matching any doublestar pattern.
func WithAllowPatterns(patterns ...string) Option {
	return func(o *option) { o.patterns = append(o.patterns, patterns...) }
}

// WithLauncher replaces the local process launcher, for containers and fakes.
func WithLauncher(l transport.Launcher) Option {
	return func(o *option) { o.launcher = l }
}

// WithBaseArgs sets arguments placed before every agent invocation,
// including the info query.
func WithBaseArgs(args ...string) Option {
	return func(o *option) { o.baseArgs = append(o.baseArgs, args...) }
}

// WithMinVersion rejects agents older than v.
func WithMinVersion(v string) Option {
	return func(o *option) { o.minVersion = v }
}

// WithMinProtocol rejects agents speaking an older wire protocol.
func WithMinProtocol(v string) Option {
	return func(o *option) { o.minProtocol = v }
}

// WithSkipInfo skips the info query before launch.
func WithSkipInfo() Option {
	return func(o *option) { o.skipInfo = true }
}

// WithGracePeriod sets each shutdown step's wait.
func WithGracePeriod(d time.Duration) Option {
	return func(o *option) { o.grace = d }
}

// WithSettleTimeout bounds the wait for an earlier call to finish.
func WithSettleTimeout(d time.Duration) Option {
	return func(o *option) { o.settle = d }
}

// WithMaxPendingFrames bounds the stream pending queue. 0 is unbounded.
func WithMaxPendingFrames(n int) Option {
	return func(o *option) { o.maxPending = n }
}

// WithRecorder persists sessions, turns and approvals.
func WithRecorder(r Recorder) Option {
	return func(o *option) { o.recorder = r }
}

// WithTap observes every raw wire line.
func WithTap(t wire.Tap) Option {
	return func(o *option) { o.tap = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *option) { o.logger = l }
}
