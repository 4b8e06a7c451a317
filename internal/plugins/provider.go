// Package plugins hosts in-process tool providers. Plugins sit behind the
// unified registry, below skills in dispatch order.
package plugins

import (
	"context"
	"encoding/json"

	"github.com/bakerst/bakerst/internal/router"
)

// Provider is one in-process tool provider.
type Provider interface {
	// Name identifies the plugin in logs.
	Name() string

	// AllTools returns the plugin's tool definitions.
	AllTools() []router.ToolDefinition

	// HasTool reports whether the plugin owns the named tool.
	HasTool(name string) bool

	// Execute runs the named tool and returns its text result.
	Execute(ctx context.Context, name string, input json.RawMessage) (string, error)

	// HandleTrigger processes an out-of-band event addressed to the plugin.
	// Plugins with no trigger surface return nil.
	HandleTrigger(ctx context.Context, trigger string, payload json.RawMessage) error
}

func schema(s string) json.RawMessage {
	return json.RawMessage(s)
}
