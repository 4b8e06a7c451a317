package plugins

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bakerst/bakerst/internal/brainerrors"
	"github.com/bakerst/bakerst/internal/router"
)

// UtilPlugin provides small self-contained tools that need no external
// services.
type UtilPlugin struct {
	now func() time.Time
}

// NewUtilPlugin creates the util plugin.
func NewUtilPlugin() *UtilPlugin {
	return &UtilPlugin{now: time.Now}
}

func (p *UtilPlugin) Name() string { return "util" }

func (p *UtilPlugin) AllTools() []router.ToolDefinition {
	return []router.ToolDefinition{
		{
			Name:        "util_time",
			Description: "Get the current date and time in UTC (RFC 3339).",
			InputSchema: schema(`{"type":"object","properties":{},"additionalProperties":false}`),
		},
		{
			Name:        "util_echo",
			Description: "Echo the given text back. Useful for testing tool wiring.",
			InputSchema: schema(`{"type":"object","properties":{"text":{"type":"string","description":"Text to echo"}},"required":["text"]}`),
		},
	}
}

func (p *UtilPlugin) HasTool(name string) bool {
	return name == "util_time" || name == "util_echo"
}

func (p *UtilPlugin) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	switch name {
	case "util_time":
		return p.now().UTC().Format(time.RFC3339), nil
	case "util_echo":
		var args struct {
			Text string `json:"text"`
		}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &args); err != nil {
				return "", brainerrors.Validationf("util_echo: invalid input: %v", err)
			}
		}
		return args.Text, nil
	default:
		return "", &brainerrors.ToolExecutionError{Tool: name, Msg: "unknown util tool"}
	}
}

func (p *UtilPlugin) HandleTrigger(ctx context.Context, trigger string, payload json.RawMessage) error {
	return nil
}
