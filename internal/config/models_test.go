package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() ModelRegistry {
	return ModelRegistry{
		Models: map[string]ModelDefinition{
			"k2":     {Model: "kimi-k2-0905", DisplayName: "Kimi K2", Provider: "moonshot", MaxContextSize: 262144},
			"sonnet": {Model: "claude-sonnet-4", DisplayName: "Sonnet", Provider: "anthropic", MaxContextSize: 200000},
		},
		Default: "k2",
	}
}

func TestModelRegistry_GetModel(t *testing.T) {
	r := testRegistry()

	m, ok := r.GetModel("k2")
	require.True(t, ok, "GetModel(k2) not found")
	assert.Equal(t, "kimi-k2-0905", m.Model)

	_, ok = r.GetModel("missing")
	assert.False(t, ok, "GetModel(missing) should not be found")
	assert.True(t, r.HasModel("sonnet"))
	assert.False(t, r.HasModel("opus"))
}

func TestModelRegistry_ListModels(t *testing.T) {
	r := testRegistry()
	models := r.ListModels()
	require.Len(t, models, 2)
	assert.Equal(t, "k2", models[0].Name)
	assert.Equal(t, "sonnet", models[1].Name)
}

func TestModelRegistry_ResolveModel(t *testing.T) {
	r := testRegistry()
	tests := []struct {
		in, want string
	}{
		{"k2", "kimi-k2-0905"},
		{"kimi-latest", "kimi-latest"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.ResolveModel(tt.in), "ResolveModel(%q)", tt.in)
	}
}

func TestConfig_AgentConfig(t *testing.T) {
	cfg := Default()
	require.Nil(t, cfg.AgentConfig(), "AgentConfig() should be nil without registries")

	cfg.Agent.Models = testRegistry()
	cfg.Agent.Providers = ProviderRegistry{
		Providers: map[string]ProviderCredential{
			"moonshot": {Type: "kimi", BaseURL: "https://api.example.com/v1", APIKey: "sk"},
		},
	}

	ac := cfg.AgentConfig()
	require.NotNil(t, ac)
	assert.Equal(t, "k2", ac.DefaultModel)
	assert.EqualValues(t, 200000, ac.Models["sonnet"].MaxContextSize)
	assert.Equal(t, "kimi", string(ac.Providers["moonshot"].Type))
}

func TestConfig_SessionOptions(t *testing.T) {
	cfg := Default()
	cfg.Agent.Model = "k2"
	cfg.Approval.AutoApprove = true
	cfg.Compat.SkipInfo = true

	// executable, grace, settle, max pending, model, skip info, auto approve
	assert.Len(t, cfg.SessionOptions(), 7)
}

func TestConfig_SessionOptions_AgentFile(t *testing.T) {
	cfg := Default()
	cfg.Agent.AgentFile = "agents/reviewer.yaml"

	// executable, grace, settle, max pending, agent file
	assert.Len(t, cfg.SessionOptions(), 5)
}
