package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/pkg/wire"
)

type modelsFile struct {
	Providers map[string]providerConfig `yaml:"providers"`
}

type providerConfig struct {
	Models []modelConfig `yaml:"models,omitempty"`
}

type modelConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name,omitempty"`
	Reasoning     bool   `yaml:"reasoning,omitempty"`
	ContextWindow int    `yaml:"contextWindow,omitempty"`
	MaxTokens     int    `yaml:"maxTokens,omitempty"`
}

// GetDefaultModelsPath returns the default models file path.
func GetDefaultModelsPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".parley", "models.yaml"), nil
}

// ResolveModelsPath returns the models file path, honoring PARLEY_MODELS_PATH if set.
func ResolveModelsPath() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PARLEY_MODELS_PATH")); override != "" {
		return override, nil
	}
	return GetDefaultModelsPath()
}

// LoadModels loads the selectable model table from a models.yaml file.
// Providers and their models are returned in a stable order.
func LoadModels(path string) ([]wire.ModelInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg modelsFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if len(cfg.Providers) == 0 {
		return nil, nil
	}

	providers := make([]string, 0, len(cfg.Providers))
	for provider := range cfg.Providers {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	models := make([]wire.ModelInfo, 0)
	for _, provider := range providers {
		pcfg := cfg.Providers[provider]
		provider = strings.TrimSpace(provider)
		if provider == "" {
			continue
		}
		for _, model := range pcfg.Models {
			id := strings.TrimSpace(model.ID)
			if id == "" {
				continue
			}
			name := strings.TrimSpace(model.Name)
			if name == "" {
				name = id
			}
			models = append(models, wire.ModelInfo{
				ID:            id,
				Name:          name,
				Provider:      provider,
				Reasoning:     model.Reasoning,
				ContextWindow: model.ContextWindow,
				MaxTokens:     model.MaxTokens,
			})
		}
	}

	return models, nil
}

// FallbackModels returns the built-in model table used when no models file
// exists.
func FallbackModels() []wire.ModelInfo {
	return []wire.ModelInfo{
		{ID: "scripted-echo", Name: "Scripted Echo", Provider: "local"},
	}
}
