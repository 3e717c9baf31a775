package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// assertList compares string lists, treating nil and empty alike.
func assertList(t *testing.T, want, got []string, name string) {
	t.Helper()
	if len(want) == 0 {
		assert.Empty(t, got, name)
		return
	}
	assert.Equal(t, want, got, name)
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		wantExec string
		wantArgs []string
		wantEnvs []string
	}{
		{
			name:     "executable",
			opts:     []Option{WithExecutable("/usr/local/bin/kimi")},
			wantExec: "/usr/local/bin/kimi",
		},
		{
			name:     "base url and api key",
			opts:     []Option{WithBaseURL("https://api.example.com/v1"), WithAPIKey("sk-test")},
			wantEnvs: []string{"KIMI_BASE_URL=https://api.example.com/v1", "KIMI_API_KEY=sk-test"},
		},
		{
			name:     "inline config",
			opts:     []Option{WithConfig(&AgentConfig{DefaultModel: "k2"})},
			wantArgs: []string{"--config", `{"default_model":"k2"}`},
		},
		{
			name:     "config file",
			opts:     []Option{WithConfigFile("/etc/kimi.json")},
			wantArgs: []string{"--config-file", "/etc/kimi.json"},
		},
		{
			name:     "model",
			opts:     []Option{WithModel("kimi-k2")},
			wantArgs: []string{"--model", "kimi-k2"},
		},
		{
			name:     "work dir",
			opts:     []Option{WithWorkDir("/work")},
			wantArgs: []string{"--work-dir", "/work"},
		},
		{
			name:     "session",
			opts:     []Option{WithSession("sess-42")},
			wantArgs: []string{"--session", "sess-42"},
		},
		{
			name:     "mcp config file",
			opts:     []Option{WithMCPConfigFile("/etc/mcp.json")},
			wantArgs: []string{"--mcp-config-file", "/etc/mcp.json"},
		},
		{
			name:     "inline mcp config",
			opts:     []Option{WithMCPConfig(&MCPConfig{Client: MCPClientConfig{ToolCallTimeoutMS: 60000}})},
			wantArgs: []string{"--mcp-config", `{"client":{"tool_call_timeout_ms":60000}}`},
		},
		{
			name:     "auto approve",
			opts:     []Option{WithAutoApprove()},
			wantArgs: []string{"--auto-approve"},
		},
		{
			name:     "thinking on",
			opts:     []Option{WithThinking(true)},
			wantArgs: []string{"--thinking"},
		},
		{
			name:     "thinking off",
			opts:     []Option{WithThinking(false)},
			wantArgs: []string{"--no-thinking"},
		},
		{
			name:     "agent file",
			opts:     []Option{WithAgentFile("/agents/myagent.yaml")},
			wantArgs: []string{"--agent-file", "/agents/myagent.yaml"},
		},
		{
			name:     "skills dir",
			opts:     []Option{WithSkillsDir("/skills")},
			wantArgs: []string{"--skills-dir", "/skills"},
		},
		{
			name:     "raw args keep call order",
			opts:     []Option{WithModel("a"), WithArgs("--verbose", "--debug"), WithThinking(true)},
			wantArgs: []string{"--model", "a", "--verbose", "--debug", "--thinking"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var o option
			for _, opt := range tt.opts {
				opt(&o)
			}
			if tt.wantExec != "" {
				assert.Equal(t, tt.wantExec, o.exec)
			}
			assertList(t, tt.wantArgs, o.args, "args")
			assertList(t, tt.wantEnvs, o.envs, "envs")
		})
	}
}

func TestOptions_SideEffects(t *testing.T) {
	var o option
	for _, opt := range []Option{
		WithWorkDir("/work"),
		WithSession("sess-1"),
		WithAutoApprove(),
		WithAllowPatterns("read *"),
		WithAllowPatterns("mcp/*/read"),
		WithMaxPendingFrames(64),
	} {
		opt(&o)
	}

	assert.Equal(t, "/work", o.workDir)
	assert.Equal(t, "sess-1", o.resume)
	assert.True(t, o.autoApprove, "autoApprove not set")
	assert.Equal(t, []string{"read *", "mcp/*/read"}, o.patterns)
	assert.Equal(t, 64, o.maxPending)
}

func TestNew_Defaults(t *testing.T) {
	s := New()
	assert.Equal(t, "kimi", s.opts.exec)
	assert.Equal(t, DefaultSettleTimeout, s.opts.settle)
	assert.NotEmpty(t, s.ID(), "session id is empty")
	assert.Equal(t, StateUninitialized, s.State())

	resumed := New(WithSession("sess-9"))
	assert.Equal(t, "sess-9", resumed.ID())
}
