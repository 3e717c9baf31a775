package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("valid config", func(t *testing.T) {
		path := writeConfig(t, tmpDir, `{
			// agent settings
			"agent": {
				"executable": "/opt/kimi/bin/kimi",
				"model": "k2",
				"work_dir": "/work",
			},
			/* gates */
			"compat": {"min_version": "0.60.0"},
			"approval": {"allow_patterns": ["read *", "list **"]},
			"stream": {"max_pending_frames": 128},
		}`)

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "/opt/kimi/bin/kimi", cfg.Agent.Executable)
		assert.Equal(t, "k2", cfg.Agent.Model)
		assert.Equal(t, "0.60.0", cfg.Compat.MinVersion)
		assert.Equal(t, []string{"read *", "list **"}, cfg.Approval.AllowPatterns)
		assert.Equal(t, 128, cfg.Stream.MaxPendingFrames)
		assert.Equal(t, path, cfg.Path)
	})

	t.Run("defaults applied", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `{}`)
		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "kimi", cfg.Agent.Executable)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, int64(500), cfg.GracePeriod().Milliseconds())
		assert.Equal(t, int64(2000), cfg.SettleTimeout().Milliseconds())
	})

	t.Run("invalid JSON", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `{"agent": `)
		_, err := LoadFile(path)
		assert.Error(t, err, "LoadFile() should fail on truncated JSON")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.jsonc"))
		assert.Error(t, err, "LoadFile() should fail on a missing file")
	})

	t.Run("api key from env", func(t *testing.T) {
		t.Setenv("AGENTWIRE_TEST_KEY", " sk-test \n")
		path := writeConfig(t, t.TempDir(), `{
			"agent": {
				"providers": {
					"providers": {"moonshot": {"type": "kimi", "base_url": "https://api.example.com/v1", "api_key_env": "AGENTWIRE_TEST_KEY"}}
				}
			}
		}`)
		cfg, err := LoadFile(path)
		require.NoError(t, err)
		p, ok := cfg.Agent.Providers.GetProvider("moonshot")
		require.True(t, ok, "provider moonshot not found")
		assert.Equal(t, "sk-test", p.APIKey)
	})
}

func TestFindConfigPath(t *testing.T) {
	t.Run("explicit dir", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, `{}`)
		path, err := FindConfigPath(dir)
		require.NoError(t, err)
		assert.Equal(t, FileName, filepath.Base(path))
	})

	t.Run("explicit dir without file", func(t *testing.T) {
		_, err := FindConfigPath(t.TempDir())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("explicit dir is not silently defaulted", func(t *testing.T) {
		_, err := Load(t.TempDir())
		assert.Error(t, err, "Load() with an explicit empty dir should fail")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
		{
			name:    "bad pattern",
			mutate:  func(c *Config) { c.Approval.AllowPatterns = []string{"run ["} },
			wantErr: "invalid pattern",
		},
		{
			name:    "negative grace",
			mutate:  func(c *Config) { c.Transport.GracePeriodMS = -1 },
			wantErr: "grace_period_ms",
		},
		{
			name:    "poll interval too short",
			mutate:  func(c *Config) { c.Skills.PollInterval = "100ms" },
			wantErr: "below 1s",
		},
		{
			name:    "poll interval unparsable",
			mutate:  func(c *Config) { c.Skills.PollInterval = "often" },
			wantErr: "skills.poll_interval",
		},
		{
			name:    "container without image",
			mutate:  func(c *Config) { c.Transport.Container.Enabled = true },
			wantErr: "transport.container",
		},
		{
			name: "unknown model",
			mutate: func(c *Config) {
				c.Agent.Models.Models["k2"] = ModelDefinition{Model: "kimi-k2"}
				c.Agent.Model = "k3"
			},
			wantErr: "agent.model",
		},
		{
			name: "unknown provider",
			mutate: func(c *Config) {
				c.Agent.Providers.Providers["moonshot"] = ProviderCredential{Type: "kimi"}
				c.Agent.Models.Models["k2"] = ModelDefinition{Model: "kimi-k2", Provider: "openai"}
			},
			wantErr: "unknown provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStripJSONComments(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"line comment", "{\"a\": 1 // one\n}", "{\"a\": 1 \n}"},
		{"block comment", "{/* x */\"a\": 1}", "{\"a\": 1}"},
		{"slashes in string", `{"url": "http://x//y"}`, `{"url": "http://x//y"}`},
		{"escaped quote", `{"s": "a\"//b"}`, `{"s": "a\"//b"}`},
		{"trailing comma object", `{"a": 1,}`, `{"a": 1}`},
		{"trailing comma array", "[1, 2,\n]", "[1, 2\n]"},
		{"block comment keeps lines", "{/*\n\n*/}", "{\n\n}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(StripJSONComments([]byte(tt.in))))
		})
	}
}
