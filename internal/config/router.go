package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Provider kinds supported by the model router.
const (
	ProviderAnthropicNative = "anthropic-native"
	ProviderAnthropicCompat = "anthropic-compat"
	ProviderOpenAICompat    = "openai-compat"
)

// RouterConfig is the model-router configuration, loaded from YAML or built
// from environment defaults.
type RouterConfig struct {
	Providers     map[string]ProviderConfig `yaml:"providers"`
	Models        []ModelConfig             `yaml:"models"`
	Roles         map[string]string         `yaml:"roles"`
	FallbackChain []string                  `yaml:"fallbackChain"`
}

// ProviderConfig describes one upstream LLM provider.
type ProviderConfig struct {
	Kind string `yaml:"kind"`

	// BaseURL overrides the provider endpoint. Required for compat kinds.
	BaseURL string `yaml:"baseUrl"`

	// APIKey credentials the provider. Environment expansion applies, so
	// "${OPENROUTER_API_KEY}" resolves at load time.
	APIKey string `yaml:"apiKey"`

	// OAuthToken is an Anthropic OAuth token (sk-ant-oat...). When both
	// credentials are set, the OAuth token wins.
	OAuthToken string `yaml:"oauthToken"`
}

// ModelConfig describes one routable model.
type ModelConfig struct {
	ID             string  `yaml:"id"`
	ModelName      string  `yaml:"modelName"`
	Provider       string  `yaml:"provider"`
	MaxTokens      int     `yaml:"maxTokens"`
	CostPer1MInput float64 `yaml:"costPer1MInput"`
	CostPer1MOut   float64 `yaml:"costPer1MOutput"`
}

// LoadRouterConfig reads and validates the router YAML at path. Environment
// variables in the file are expanded before parsing.
func LoadRouterConfig(path string) (*RouterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read router config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var rc RouterConfig
	if err := yaml.Unmarshal([]byte(expanded), &rc); err != nil {
		return nil, fmt.Errorf("failed to parse router config: %w", err)
	}

	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return &rc, nil
}

// DefaultRouterConfig builds a router config from environment credentials
// when no YAML file is configured.
func DefaultRouterConfig(cfg *Config) *RouterConfig {
	rc := &RouterConfig{
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Kind:       ProviderAnthropicNative,
				APIKey:     cfg.AnthropicAPIKey,
				OAuthToken: cfg.AnthropicOAuthToken,
			},
		},
		Models: []ModelConfig{
			{ID: "opus", ModelName: "claude-opus-4-20250514", Provider: "anthropic", MaxTokens: 8192},
			{ID: "sonnet", ModelName: "claude-sonnet-4-20250514", Provider: "anthropic", MaxTokens: 8192},
			{ID: "haiku", ModelName: "claude-3-5-haiku-20241022", Provider: "anthropic", MaxTokens: 4096},
		},
		Roles: map[string]string{
			"agent":    "sonnet",
			"observer": "haiku",
			"worker":   "haiku",
		},
		FallbackChain: []string{"sonnet", "haiku"},
	}

	if cfg.OpenRouterAPIKey != "" {
		rc.Providers["openrouter"] = ProviderConfig{
			Kind:    ProviderAnthropicCompat,
			BaseURL: "https://openrouter.ai/api",
			APIKey:  cfg.OpenRouterAPIKey,
		}
	}
	if cfg.DefaultModel != "" {
		rc.Roles["agent"] = cfg.DefaultModel
	}
	if cfg.ObserverModel != "" {
		rc.Roles["observer"] = cfg.ObserverModel
		rc.Roles["worker"] = cfg.ObserverModel
	}
	return rc
}

// Validate checks referential integrity between providers, models, and roles.
func (rc *RouterConfig) Validate() error {
	if len(rc.Providers) == 0 {
		return fmt.Errorf("router config: at least one provider is required")
	}
	if len(rc.Models) == 0 {
		return fmt.Errorf("router config: at least one model is required")
	}

	for key, p := range rc.Providers {
		switch p.Kind {
		case ProviderAnthropicNative:
		case ProviderAnthropicCompat, ProviderOpenAICompat:
			if p.BaseURL == "" {
				return fmt.Errorf("router config: provider %q of kind %s requires baseUrl", key, p.Kind)
			}
		default:
			return fmt.Errorf("router config: provider %q has unknown kind %q", key, p.Kind)
		}
	}

	ids := make(map[string]bool, len(rc.Models))
	for _, m := range rc.Models {
		if m.ID == "" || m.ModelName == "" {
			return fmt.Errorf("router config: model entries require id and modelName")
		}
		if ids[m.ID] {
			return fmt.Errorf("router config: duplicate model id %q", m.ID)
		}
		if _, ok := rc.Providers[m.Provider]; !ok {
			return fmt.Errorf("router config: model %q references unknown provider %q", m.ID, m.Provider)
		}
		ids[m.ID] = true
	}

	for role, id := range rc.Roles {
		if !ids[id] {
			return fmt.Errorf("router config: role %q maps to unknown model id %q", role, id)
		}
	}
	for _, id := range rc.FallbackChain {
		if !ids[id] {
			return fmt.Errorf("router config: fallback chain references unknown model id %q", id)
		}
	}
	return nil
}

// Model returns the model config for id.
func (rc *RouterConfig) Model(id string) (ModelConfig, bool) {
	for _, m := range rc.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}
