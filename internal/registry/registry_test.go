package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/bakerst/bakerst/internal/plugins"
	"github.com/bakerst/bakerst/internal/router"
)

type fakePlugin struct {
	name  string
	tools map[string]string // tool name -> result
	err   error
}

func (f *fakePlugin) Name() string { return f.name }

func (f *fakePlugin) AllTools() []router.ToolDefinition {
	var defs []router.ToolDefinition
	for name := range f.tools {
		defs = append(defs, router.ToolDefinition{Name: name, InputSchema: json.RawMessage(`{}`)})
	}
	return defs
}

func (f *fakePlugin) HasTool(name string) bool {
	_, ok := f.tools[name]
	return ok
}

func (f *fakePlugin) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.tools[name], nil
}

func (f *fakePlugin) HandleTrigger(ctx context.Context, trigger string, payload json.RawMessage) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecute_RoutesToPlugin(t *testing.T) {
	p := &fakePlugin{name: "util", tools: map[string]string{"util_time": "2026-01-01T00:00:00Z"}}
	u := NewUnified(nil, []plugins.Provider{p}, testLogger(), nil)

	if !u.HasTool("util_time") {
		t.Fatal("HasTool(util_time) = false")
	}

	res, err := u.Execute(context.Background(), "util_time", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Result != "2026-01-01T00:00:00Z" {
		t.Errorf("result = %q", res.Result)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	u := NewUnified(nil, nil, testLogger(), nil)
	if _, err := u.Execute(context.Background(), "nope", nil); err == nil {
		t.Error("expected error for unowned tool")
	}
}

func TestExecute_PluginErrorBecomesDiagnosticResult(t *testing.T) {
	p := &fakePlugin{name: "broken", tools: map[string]string{"x": ""}, err: errors.New("kaput")}
	u := NewUnified(nil, []plugins.Provider{p}, testLogger(), nil)

	res, err := u.Execute(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Result, "kaput") {
		t.Errorf("result = %q, want diagnostic string", res.Result)
	}
}

func TestAllToolDefinitions_PluginOrderAndDedup(t *testing.T) {
	a := &fakePlugin{name: "a", tools: map[string]string{"shared": "from-a"}}
	b := &fakePlugin{name: "b", tools: map[string]string{"shared": "from-b", "only_b": "x"}}
	u := NewUnified(nil, []plugins.Provider{a, b}, testLogger(), nil)

	defs := u.AllToolDefinitions()
	names := make(map[string]int)
	for _, d := range defs {
		names[d.Name]++
	}
	if names["shared"] != 1 {
		t.Errorf("shared appears %d times, want 1", names["shared"])
	}
	if names["only_b"] != 1 {
		t.Errorf("only_b missing")
	}

	// First provider wins execution too.
	res, err := u.Execute(context.Background(), "shared", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Result != "from-a" {
		t.Errorf("result = %q, want from-a", res.Result)
	}
}
