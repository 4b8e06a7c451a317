package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 3002 {
		t.Errorf("expected default port 3002, got %d", cfg.Port)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("expected default data dir, got %s", cfg.DataDir)
	}
	if cfg.BrainRole != "active" {
		t.Errorf("expected default role active, got %s", cfg.BrainRole)
	}
	if cfg.AgentName != "Baker" {
		t.Errorf("expected default agent name, got %s", cfg.AgentName)
	}
	if cfg.JobTimeout != 30*time.Minute {
		t.Errorf("expected 30m job timeout, got %v", cfg.JobTimeout)
	}
	if cfg.CORSOrigins != nil {
		t.Errorf("expected nil CORS origins, got %v", cfg.CORSOrigins)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8099")
	t.Setenv("BRAIN_ROLE", "pending")
	t.Setenv("BRAIN_VERSION", "v2.1.0")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("TASK_ALLOWED_PATHS", "/mnt/data,/tmp/work")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8099 {
		t.Errorf("expected port 8099, got %d", cfg.Port)
	}
	if cfg.BrainRole != "pending" {
		t.Errorf("expected role pending, got %s", cfg.BrainRole)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://a.example" {
		t.Errorf("unexpected CORS origins: %v", cfg.CORSOrigins)
	}
	if len(cfg.TaskAllowedPaths) != 2 || cfg.TaskAllowedPaths[1] != "/tmp/work" {
		t.Errorf("unexpected allowed paths: %v", cfg.TaskAllowedPaths)
	}
}

func TestLoad_InvalidRole(t *testing.T) {
	clearEnv(t)
	t.Setenv("BRAIN_ROLE", "standby")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid BRAIN_ROLE")
	}
}

func TestLoad_TransferDisabledForcesActive(t *testing.T) {
	clearEnv(t)
	t.Setenv("BRAIN_ROLE", "pending")
	t.Setenv("TRANSFER_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BrainRole != "active" {
		t.Errorf("expected forced active role, got %s", cfg.BrainRole)
	}
}

func TestDatabasePaths(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/bakerst"}

	if got := cfg.DatabasePath(); got != "/var/lib/bakerst/bakerst.db" {
		t.Errorf("unexpected db path: %s", got)
	}
	if got := cfg.GatewayDatabasePath(); got != "/var/lib/bakerst/gateway.db" {
		t.Errorf("unexpected gateway db path: %s", got)
	}
}

func TestLoadRouterConfig(t *testing.T) {
	t.Setenv("TEST_ROUTER_KEY", "sk-test-123456")

	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	content := `
providers:
  anthropic:
    kind: anthropic-native
    apiKey: ${TEST_ROUTER_KEY}
  openrouter:
    kind: anthropic-compat
    baseUrl: https://openrouter.ai/api
    apiKey: or-key
models:
  - id: sonnet-4
    modelName: claude-sonnet-4-20250514
    provider: anthropic
    maxTokens: 8192
  - id: haiku-4.5
    modelName: claude-haiku-4-5
    provider: openrouter
    maxTokens: 4096
roles:
  agent: sonnet-4
  observer: haiku-4.5
fallbackChain:
  - sonnet-4
  - haiku-4.5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rc, err := LoadRouterConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rc.Providers["anthropic"].APIKey != "sk-test-123456" {
		t.Errorf("expected env expansion, got %q", rc.Providers["anthropic"].APIKey)
	}
	if rc.Roles["agent"] != "sonnet-4" {
		t.Errorf("unexpected agent role: %s", rc.Roles["agent"])
	}
	if len(rc.FallbackChain) != 2 {
		t.Errorf("unexpected fallback chain: %v", rc.FallbackChain)
	}

	m, ok := rc.Model("haiku-4.5")
	if !ok || m.Provider != "openrouter" {
		t.Errorf("unexpected model lookup result: %+v ok=%v", m, ok)
	}
}

func TestRouterConfigValidate_Errors(t *testing.T) {
	cases := []struct {
		name string
		rc   RouterConfig
	}{
		{
			name: "no providers",
			rc:   RouterConfig{Models: []ModelConfig{{ID: "m", ModelName: "m", Provider: "p"}}},
		},
		{
			name: "compat without baseUrl",
			rc: RouterConfig{
				Providers: map[string]ProviderConfig{"p": {Kind: ProviderOpenAICompat}},
				Models:    []ModelConfig{{ID: "m", ModelName: "m", Provider: "p"}},
			},
		},
		{
			name: "unknown provider kind",
			rc: RouterConfig{
				Providers: map[string]ProviderConfig{"p": {Kind: "grpc"}},
				Models:    []ModelConfig{{ID: "m", ModelName: "m", Provider: "p"}},
			},
		},
		{
			name: "model references missing provider",
			rc: RouterConfig{
				Providers: map[string]ProviderConfig{"p": {Kind: ProviderAnthropicNative}},
				Models:    []ModelConfig{{ID: "m", ModelName: "m", Provider: "other"}},
			},
		},
		{
			name: "duplicate model id",
			rc: RouterConfig{
				Providers: map[string]ProviderConfig{"p": {Kind: ProviderAnthropicNative}},
				Models: []ModelConfig{
					{ID: "m", ModelName: "m1", Provider: "p"},
					{ID: "m", ModelName: "m2", Provider: "p"},
				},
			},
		},
		{
			name: "role maps to unknown model",
			rc: RouterConfig{
				Providers: map[string]ProviderConfig{"p": {Kind: ProviderAnthropicNative}},
				Models:    []ModelConfig{{ID: "m", ModelName: "m", Provider: "p"}},
				Roles:     map[string]string{"agent": "missing"},
			},
		},
		{
			name: "fallback references unknown model",
			rc: RouterConfig{
				Providers:     map[string]ProviderConfig{"p": {Kind: ProviderAnthropicNative}},
				Models:        []ModelConfig{{ID: "m", ModelName: "m", Provider: "p"}},
				FallbackChain: []string{"missing"},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.rc.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDefaultRouterConfig(t *testing.T) {
	cfg := &Config{
		AnthropicAPIKey:  "sk-ant-key",
		OpenRouterAPIKey: "or-key",
		DefaultModel:     "opus",
		ObserverModel:    "haiku",
	}

	rc := DefaultRouterConfig(cfg)

	if err := rc.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if rc.Roles["agent"] != "opus" {
		t.Errorf("expected DEFAULT_MODEL override, got %s", rc.Roles["agent"])
	}
	if rc.Roles["observer"] != "haiku" || rc.Roles["worker"] != "haiku" {
		t.Errorf("expected OBSERVER_MODEL override, got %v", rc.Roles)
	}
	if _, ok := rc.Providers["openrouter"]; !ok {
		t.Error("expected openrouter provider when OPENROUTER_API_KEY is set")
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "DATA_DIR", "AUTH_TOKEN", "AGENT_NAME", "CORS_ORIGINS",
		"BRAIN_ROLE", "BRAIN_VERSION", "ANTHROPIC_API_KEY", "ANTHROPIC_OAUTH_TOKEN",
		"OPENROUTER_API_KEY", "MODEL_ROUTER_CONFIG_PATH", "DEFAULT_MODEL",
		"OBSERVER_MODEL", "TASK_ALLOWED_PATHS", "NATS_URL", "OTEL_ENDPOINT",
		"LOG_LEVEL", "LOG_FORMAT", "DRAIN_TIMEOUT", "JOB_TIMEOUT", "TRANSFER_ENABLED",
	} {
		t.Setenv(key, "")
	}
}
