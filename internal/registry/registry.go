// Package registry composes the skill registry and the plugin registry into
// one tool dispatch surface. Skills are consulted first; a skill tool shadows
// a plugin tool with the same name.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bakerst/bakerst/internal/observability"
	"github.com/bakerst/bakerst/internal/plugins"
	"github.com/bakerst/bakerst/internal/router"
	"github.com/bakerst/bakerst/internal/skills"
)

// ExecuteResult wraps a tool's text output.
type ExecuteResult struct {
	Result string `json:"result"`
}

// Unified dispatches tool calls across skills and plugins.
type Unified struct {
	skills  *skills.Registry
	plugins []plugins.Provider
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewUnified creates the unified registry.
func NewUnified(sk *skills.Registry, providers []plugins.Provider, logger *slog.Logger, metrics *observability.Metrics) *Unified {
	return &Unified{
		skills:  sk,
		plugins: providers,
		logger:  logger,
		metrics: metrics,
	}
}

// HasTool reports whether any skill or plugin owns the named tool.
func (u *Unified) HasTool(name string) bool {
	if u.skills != nil && u.skills.HasTool(name) {
		return true
	}
	for _, p := range u.plugins {
		if p.HasTool(name) {
			return true
		}
	}
	return false
}

// AllToolDefinitions returns skill tools followed by plugin tools. A plugin
// tool whose name collides with a skill tool is omitted.
func (u *Unified) AllToolDefinitions() []router.ToolDefinition {
	var defs []router.ToolDefinition
	seen := make(map[string]bool)

	if u.skills != nil {
		for _, def := range u.skills.AllTools() {
			defs = append(defs, def)
			seen[def.Name] = true
		}
	}

	for _, p := range u.plugins {
		for _, def := range p.AllTools() {
			if seen[def.Name] {
				u.logger.Warn("plugin tool shadowed by skill", "tool", def.Name, "plugin", p.Name())
				continue
			}
			defs = append(defs, def)
			seen[def.Name] = true
		}
	}
	return defs
}

// Execute routes a tool call to its owner, skills first. The returned result
// carries the tool's joined text output, or a diagnostic string when the tool
// failed (the agent loop feeds both back to the model).
func (u *Unified) Execute(ctx context.Context, name string, input json.RawMessage) (*ExecuteResult, error) {
	if u.skills != nil && u.skills.HasTool(name) {
		out, err := u.skills.Execute(ctx, name, input)
		u.recordExecution(name, "skill", err)
		if err != nil {
			return &ExecuteResult{Result: fmt.Sprintf("tool %s failed: %v", name, err)}, nil
		}
		return &ExecuteResult{Result: out}, nil
	}

	for _, p := range u.plugins {
		if !p.HasTool(name) {
			continue
		}
		out, err := p.Execute(ctx, name, input)
		u.recordExecution(name, p.Name(), err)
		if err != nil {
			return &ExecuteResult{Result: fmt.Sprintf("tool %s failed: %v", name, err)}, nil
		}
		return &ExecuteResult{Result: out}, nil
	}

	return nil, fmt.Errorf("no skill or plugin owns tool %q", name)
}

// HandleTrigger fans a trigger out to every plugin.
func (u *Unified) HandleTrigger(ctx context.Context, trigger string, payload json.RawMessage) {
	for _, p := range u.plugins {
		if err := p.HandleTrigger(ctx, trigger, payload); err != nil {
			u.logger.Warn("plugin trigger failed",
				"plugin", p.Name(), "trigger", trigger, "error", err)
		}
	}
}

// Shutdown closes every skill transport.
func (u *Unified) Shutdown() {
	if u.skills != nil {
		u.skills.Shutdown()
	}
}

func (u *Unified) recordExecution(tool, owner string, err error) {
	if u.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	u.metrics.ToolExecutions.WithLabelValues(tool, owner, status).Inc()
}
