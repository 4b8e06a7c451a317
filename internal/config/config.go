// Package config loads process configuration from the environment and the
// model-router YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the environment-derived configuration for the brain process.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// DataDir holds the embedded databases (bakerst.db, gateway.db).
	DataDir string

	// AuthToken is the static bearer token. Empty disables auth.
	AuthToken string

	// AgentName is the assistant's display name used in the system prompt.
	AgentName string

	// CORSOrigins is the allowed origin list. Empty means dev-permissive.
	CORSOrigins []string

	// BrainRole is the startup role, "active" or "pending".
	BrainRole string

	// BrainVersion identifies this build in the transfer handshake.
	BrainVersion string

	// AnthropicAPIKey and AnthropicOAuthToken credential the default
	// provider. When both are set the OAuth token wins.
	AnthropicAPIKey     string
	AnthropicOAuthToken string

	// OpenRouterAPIKey credentials the anthropic-compat fallback provider.
	OpenRouterAPIKey string

	// RouterConfigPath points at the model-router YAML file. Empty uses the
	// built-in default config.
	RouterConfigPath string

	// DefaultModel and ObserverModel override the agent and observer role
	// mappings when set.
	DefaultModel  string
	ObserverModel string

	// TaskAllowedPaths are filesystem mounts workers may touch. Empty denies
	// all mounts.
	TaskAllowedPaths []string

	// NATSURL is the bus address.
	NATSURL string

	// OTELEndpoint is the OTLP gRPC collector. Empty disables tracing export.
	OTELEndpoint string

	// LogLevel and LogFormat configure the logger.
	LogLevel  string
	LogFormat string

	// DrainTimeout bounds how long the transfer handler waits for in-flight
	// turns before forcing shutdown.
	DrainTimeout time.Duration

	// JobTimeout is the default per-job execution timeout for workers.
	JobTimeout time.Duration

	// TransferEnabled gates the brain transfer protocol. Disabled forces the
	// role to active.
	TransferEnabled bool
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                envInt("PORT", 3002),
		DataDir:             envString("DATA_DIR", "./data"),
		AuthToken:           os.Getenv("AUTH_TOKEN"),
		AgentName:           envString("AGENT_NAME", "Baker"),
		CORSOrigins:         envList("CORS_ORIGINS"),
		BrainRole:           envString("BRAIN_ROLE", "active"),
		BrainVersion:        envString("BRAIN_VERSION", "dev"),
		AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicOAuthToken: os.Getenv("ANTHROPIC_OAUTH_TOKEN"),
		OpenRouterAPIKey:    os.Getenv("OPENROUTER_API_KEY"),
		RouterConfigPath:    os.Getenv("MODEL_ROUTER_CONFIG_PATH"),
		DefaultModel:        os.Getenv("DEFAULT_MODEL"),
		ObserverModel:       os.Getenv("OBSERVER_MODEL"),
		TaskAllowedPaths:    envList("TASK_ALLOWED_PATHS"),
		NATSURL:             envString("NATS_URL", "nats://localhost:4222"),
		OTELEndpoint:        os.Getenv("OTEL_ENDPOINT"),
		LogLevel:            envString("LOG_LEVEL", "info"),
		LogFormat:           envString("LOG_FORMAT", "json"),
		DrainTimeout:        envDuration("DRAIN_TIMEOUT", 60*time.Second),
		JobTimeout:          envDuration("JOB_TIMEOUT", 30*time.Minute),
		TransferEnabled:     envBool("TRANSFER_ENABLED", true),
	}

	if cfg.BrainRole != "active" && cfg.BrainRole != "pending" {
		return nil, fmt.Errorf("invalid BRAIN_ROLE %q: must be active or pending", cfg.BrainRole)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT %d", cfg.Port)
	}
	if !cfg.TransferEnabled {
		cfg.BrainRole = "active"
	}

	return cfg, nil
}

// DatabasePath returns the main store path under DataDir.
func (c *Config) DatabasePath() string {
	return c.DataDir + "/bakerst.db"
}

// GatewayDatabasePath returns the door-policy store path under DataDir.
func (c *Config) GatewayDatabasePath() string {
	return c.DataDir + "/gateway.db"
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
