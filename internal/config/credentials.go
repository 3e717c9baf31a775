package config

import (
	"os"
	"strings"

	"github.com/HyphaGroup/agentwire/internal/session"
)

// ProviderCredential is one LLM provider the agent may use.
type ProviderCredential struct {
	// Type is kimi, openai_legacy or anthropic.
	Type    string `json:"type"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
	// APIKeyEnv names an environment variable holding the key. It is read
	// at load time when APIKey is empty.
	APIKeyEnv   string `json:"api_key_env,omitempty"`
	Description string `json:"description,omitempty"`
}

// ProviderRegistry holds providers keyed by name.
type ProviderRegistry struct {
	Providers map[string]ProviderCredential `json:"providers"`
	Default   string                        `json:"default"`
}

// GetProvider returns a provider by name.
func (r *ProviderRegistry) GetProvider(name string) (*ProviderCredential, bool) {
	if p, ok := r.Providers[name]; ok {
		return &p, true
	}
	return nil, false
}

// GetDefaultProvider returns the default provider.
func (r *ProviderRegistry) GetDefaultProvider() (*ProviderCredential, bool) {
	if r.Default == "" {
		return nil, false
	}
	return r.GetProvider(r.Default)
}

// resolveKeys fills APIKey from APIKeyEnv.
func (r *ProviderRegistry) resolveKeys() {
	for name, p := range r.Providers {
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = strings.TrimSpace(os.Getenv(p.APIKeyEnv))
			r.Providers[name] = p
		}
	}
}

// agentProviders converts the registry for the agent's inline config.
func (r *ProviderRegistry) agentProviders() map[string]session.LLMProvider {
	if len(r.Providers) == 0 {
		return nil
	}
	out := make(map[string]session.LLMProvider, len(r.Providers))
	for name, p := range r.Providers {
		out[name] = session.LLMProvider{
			Type:    session.ProviderType(p.Type),
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
		}
	}
	return out
}
