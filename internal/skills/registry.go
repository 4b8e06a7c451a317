// Package skills owns tier 1-3 skills: it connects each enabled skill to its
// MCP transport, registers the sanitised tool names, and routes tool calls to
// the owning skill.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bakerst/bakerst/internal/brainerrors"
	"github.com/bakerst/bakerst/internal/mcp"
	"github.com/bakerst/bakerst/internal/router"
	"github.com/bakerst/bakerst/internal/store"
)

const maxToolNameLen = 128

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// SanitizeToolName maps an arbitrary tool name onto the allowed alphabet:
// runs of disallowed characters collapse to a single underscore, and the
// result is truncated to 128 characters.
func SanitizeToolName(name string) string {
	if toolNamePattern.MatchString(name) {
		return name
	}

	var b strings.Builder
	lastWasUnderscore := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
			lastWasUnderscore = false
		default:
			if !lastWasUnderscore {
				b.WriteByte('_')
				lastWasUnderscore = true
			}
		}
	}

	out := b.String()
	if out == "" {
		out = "_"
	}
	if len(out) > maxToolNameLen {
		out = out[:maxToolNameLen]
	}
	return out
}

// registeredTool binds one sanitised name to its owning skill.
type registeredTool struct {
	name    string
	skillID string
	tool    *mcp.Tool
}

// Registry connects skills to their MCP servers and dispatches tool calls.
type Registry struct {
	store  *store.Store
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*mcp.Client // skillID -> client
	owners  map[string]string     // sanitised tool name -> skillID
	tools   []registeredTool      // registration order
}

// NewRegistry creates an empty skill registry.
func NewRegistry(st *store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:   st,
		logger:  logger,
		clients: make(map[string]*mcp.Client),
		owners:  make(map[string]string),
	}
}

// LoadEnabled connects every enabled tier 1-3 skill. Connection failures are
// logged and skipped so one broken skill does not block startup.
func (r *Registry) LoadEnabled(ctx context.Context) error {
	enabled, err := r.store.ListSkills(ctx, true)
	if err != nil {
		return fmt.Errorf("list skills: %w", err)
	}

	for _, skill := range enabled {
		if skill.Tier < 1 {
			continue
		}
		if err := r.ConnectAndRegister(ctx, skill); err != nil {
			r.logger.Warn("skill connection failed, skipping",
				"skill", skill.ID, "tier", skill.Tier, "error", err)
		}
	}
	return nil
}

// ConnectAndRegister connects one skill and registers its tools. On a name
// conflict the first registration wins and the duplicate is skipped with a
// warning.
func (r *Registry) ConnectAndRegister(ctx context.Context, skill *store.Skill) error {
	cfg, err := serverConfig(skill)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	client := mcp.NewClient(cfg, r.logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect skill %s: %w", skill.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[skill.ID]; exists {
		client.Close()
		return fmt.Errorf("skill %s is already connected", skill.ID)
	}
	r.clients[skill.ID] = client

	for _, tool := range client.Tools() {
		name := SanitizeToolName(tool.Name)
		if owner, taken := r.owners[name]; taken {
			r.logger.Warn("tool name conflict, keeping first registration",
				"tool", name, "owner", owner, "skipped_skill", skill.ID)
			continue
		}
		r.owners[name] = skill.ID
		r.tools = append(r.tools, registeredTool{name: name, skillID: skill.ID, tool: tool})
	}

	r.logger.Info("skill registered",
		"skill", skill.ID, "tier", skill.Tier, "tools", len(client.Tools()))
	return nil
}

// DisconnectSkill closes the skill's transport and removes its tools.
func (r *Registry) DisconnectSkill(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[id]
	if !ok {
		return fmt.Errorf("skill %q: %w", id, brainerrors.ErrNotFound)
	}
	delete(r.clients, id)

	kept := r.tools[:0]
	for _, rt := range r.tools {
		if rt.skillID == id {
			delete(r.owners, rt.name)
			continue
		}
		kept = append(kept, rt)
	}
	r.tools = kept

	return client.Close()
}

// Shutdown closes every connected skill transport.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.Warn("skill close failed", "skill", id, "error", err)
		}
	}
	r.clients = make(map[string]*mcp.Client)
	r.owners = make(map[string]string)
	r.tools = nil
}

// HasTool reports whether a skill owns the named tool.
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[name]
	return ok
}

// AllTools returns the registered tool definitions in registration order.
func (r *Registry) AllTools() []router.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]router.ToolDefinition, 0, len(r.tools))
	for _, rt := range r.tools {
		defs = append(defs, router.ToolDefinition{
			Name:        rt.name,
			Description: rt.tool.Description,
			InputSchema: rt.tool.InputSchema,
		})
	}
	return defs
}

// Execute routes a tool call to its owning skill and returns the joined text
// blocks of the result.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	r.mu.RLock()
	skillID, ok := r.owners[name]
	client := r.clients[skillID]
	var original string
	for _, rt := range r.tools {
		if rt.name == name {
			original = rt.tool.Name
			break
		}
	}
	r.mu.RUnlock()

	if !ok || client == nil {
		return "", &brainerrors.ToolExecutionError{Tool: name, Msg: "no skill owns this tool"}
	}

	result, err := client.CallTool(ctx, original, input)
	if err != nil {
		return "", &brainerrors.ToolExecutionError{Tool: name, Msg: err.Error()}
	}
	if result.IsError {
		return "", &brainerrors.ToolExecutionError{Tool: name, Msg: result.Text()}
	}
	return result.Text(), nil
}

// serverConfig maps a skill row onto an MCP server config. Tier 1 uses the
// stdio transport, tiers 2 and 3 use HTTP.
func serverConfig(skill *store.Skill) (*mcp.ServerConfig, error) {
	cfg := &mcp.ServerConfig{
		ID:      skill.ID,
		Name:    skill.Name,
		Timeout: 30 * time.Second,
	}

	switch {
	case skill.Tier == 1:
		cfg.Transport = mcp.TransportStdio
		cfg.Command = skill.StdioCommand
		cfg.Args = skill.StdioArgs
		cfg.Env = skill.Config
	case skill.Tier >= 2:
		cfg.Transport = mcp.TransportHTTP
		cfg.URL = skill.HTTPURL
		cfg.Headers = skill.Config
	default:
		return nil, brainerrors.Validationf("skill %s: tier %d has no transport", skill.ID, skill.Tier)
	}

	return cfg, nil
}
