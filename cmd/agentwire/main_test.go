package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/agentwire/internal/approval"
	"github.com/HyphaGroup/agentwire/internal/config"
	"github.com/HyphaGroup/agentwire/internal/transport"
)

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		in   string
		want approval.Decision
	}{
		{"y\n", approval.Approve},
		{"YES\n", approval.Approve},
		{"s\n", approval.ApproveForSession},
		{"always\n", approval.ApproveForSession},
		{"\n", approval.Reject},
		{"n\n", approval.Reject},
		{"maybe\n", approval.Reject},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseAnswer(tt.in), "parseAnswer(%q)", tt.in)
	}
}

func TestTerminalResolver(t *testing.T) {
	r := newTerminalResolver(strings.NewReader("s\n"), io.Discard)
	d, err := r.Resolve(context.Background(), approval.Request{ID: "1", Sender: "shell", Action: "run command"})
	require.NoError(t, err)
	assert.Equal(t, approval.ApproveForSession, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err = r.Resolve(ctx, approval.Request{ID: "2", Action: "edit file"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, approval.Reject, d)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(usagef("bad %s", "input")), "usage error")
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "fix the bug", oneLine("fix\n  the   bug", 20))
	assert.Equal(t, "aaaaaaa...", oneLine(strings.Repeat("a", 30), 10))
}

func TestGateText(t *testing.T) {
	tests := []struct {
		name     string
		have     string
		min      string
		expected string
	}{
		{"no minimum", "0.82", "", ""},
		{"passing", "0.82", "0.80", "(ok, min 0.80)"},
		{"failing", "0.79", "0.80", "(BELOW min 0.80)"},
		{"unreadable", "nightly", "0.80", "(UNREADABLE, min 0.80)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, gateText(transport.Gate(tt.have, tt.min)))
		})
	}
}

func TestCommonFlags_LoadConfig(t *testing.T) {
	dir := t.TempDir()
	content := `{
		// overridden below
		"agent": {"executable": "agent-a", "model": "m1"},
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(content), 0o644))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c commonFlags
	c.register(fs)
	require.NoError(t, fs.Parse([]string{"--config-dir", dir, "--exec", "agent-b", "--verbose", "--trace", "out.zst"}))

	cfg, err := c.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "agent-b", cfg.Agent.Executable)
	assert.Equal(t, "m1", cfg.Agent.Model)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "out.zst", cfg.Trace.Path)
}

func TestCommonFlags_MissingConfigDir(t *testing.T) {
	c := commonFlags{configDir: filepath.Join(t.TempDir(), "missing")}
	_, err := c.loadConfig()
	assert.ErrorIs(t, err, config.ErrNotFound)
}
