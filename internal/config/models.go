package config

import (
	"cmp"
	"slices"

	"github.com/HyphaGroup/agentwire/internal/session"
)

// ModelDefinition represents a model configuration
type ModelDefinition struct {
	Model          string `json:"model"`
	DisplayName    string `json:"display_name,omitempty"`
	Provider       string `json:"provider"`
	MaxContextSize int    `json:"max_context_size"`
}

// ModelRegistry holds model configurations keyed by shorthand name
type ModelRegistry struct {
	Models  map[string]ModelDefinition `json:"models"`
	Default string                     `json:"default"`
}

// ModelInfo represents model information without provider secrets
type ModelInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Provider    string `json:"provider"`
}

// GetModel returns a model definition by shorthand name
func (r *ModelRegistry) GetModel(name string) (ModelDefinition, bool) {
	model, ok := r.Models[name]
	return model, ok
}

// HasModel checks if a model exists in the registry
func (r *ModelRegistry) HasModel(name string) bool {
	_, ok := r.Models[name]
	return ok
}

// ListModels returns model info for all models, sorted by name
func (r *ModelRegistry) ListModels() []ModelInfo {
	models := make([]ModelInfo, 0, len(r.Models))
	for name, def := range r.Models {
		models = append(models, ModelInfo{
			Name:        name,
			DisplayName: def.DisplayName,
			Provider:    def.Provider,
		})
	}
	slices.SortFunc(models, func(a, b ModelInfo) int { return cmp.Compare(a.Name, b.Name) })
	return models
}

// ResolveModel resolves a model shorthand name to the full model ID.
// If the name is already a full model ID (not in registry), returns it unchanged.
func (r *ModelRegistry) ResolveModel(name string) string {
	if model, ok := r.Models[name]; ok {
		return model.Model
	}
	return name
}

func (r *ModelRegistry) agentModels() map[string]session.LLMModel {
	if len(r.Models) == 0 {
		return nil
	}
	out := make(map[string]session.LLMModel, len(r.Models))
	for name, def := range r.Models {
		out[name] = session.LLMModel{
			Provider:       def.Provider,
			Model:          def.Model,
			MaxContextSize: def.MaxContextSize,
		}
	}
	return out
}
