package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bakerst/bakerst/internal/brainerrors"
)

type fakeTransport struct {
	connected bool
	calls     map[string]func(params any) (json.RawMessage, error)
}

func (f *fakeTransport) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeTransport) Close() error                      { f.connected = false; return nil }
func (f *fakeTransport) Connected() bool                   { return f.connected }
func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	return nil
}
func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	fn, ok := f.calls[method]
	if !ok {
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	return fn(params)
}

func newFakeClient(calls map[string]func(params any) (json.RawMessage, error)) *Client {
	c := NewClient(&ServerConfig{ID: "test", Transport: TransportStdio, Command: "true"}, nil)
	c.transport = &fakeTransport{calls: calls}
	return c
}

func TestClientConnect_HandshakeAndToolList(t *testing.T) {
	calls := map[string]func(params any) (json.RawMessage, error){
		"initialize": func(params any) (json.RawMessage, error) {
			return json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"weather","version":"2.0"}}`), nil
		},
		"tools/list": func(params any) (json.RawMessage, error) {
			return json.RawMessage(`{"tools":[{"name":"get_forecast","inputSchema":{"type":"object"}}]}`), nil
		},
	}
	c := newFakeClient(calls)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.ServerInfo().Name; got != "weather" {
		t.Errorf("server name = %q, want weather", got)
	}
	tools := c.Tools()
	if len(tools) != 1 || tools[0].Name != "get_forecast" {
		t.Errorf("tools = %+v, want one get_forecast", tools)
	}
}

func TestClientConnect_InitializeFailureClosesTransport(t *testing.T) {
	calls := map[string]func(params any) (json.RawMessage, error){
		"initialize": func(params any) (json.RawMessage, error) {
			return nil, errors.New("boom")
		},
	}
	c := newFakeClient(calls)
	c.transport.(*fakeTransport).connected = true

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if c.Connected() {
		t.Error("transport left connected after failed handshake")
	}
}

func TestClientCallTool(t *testing.T) {
	calls := map[string]func(params any) (json.RawMessage, error){
		"tools/call": func(params any) (json.RawMessage, error) {
			p := params.(CallToolParams)
			if p.Name != "get_forecast" {
				return nil, fmt.Errorf("unexpected tool %s", p.Name)
			}
			return json.RawMessage(`{"content":[{"type":"text","text":"sunny"},{"type":"text","text":"12C"}]}`), nil
		},
	}
	c := newFakeClient(calls)

	result, err := c.CallTool(context.Background(), "get_forecast", json.RawMessage(`{"city":"london"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := result.Text(); got != "sunny\n12C" {
		t.Errorf("text = %q, want joined blocks", got)
	}
}

func TestServerConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"valid stdio", ServerConfig{ID: "a", Transport: TransportStdio, Command: "node", Args: []string{"server.js"}}, false},
		{"missing command", ServerConfig{ID: "a", Transport: TransportStdio}, true},
		{"path traversal", ServerConfig{ID: "a", Transport: TransportStdio, Command: "../../bin/sh"}, true},
		{"shell metachars in args", ServerConfig{ID: "a", Transport: TransportStdio, Command: "node", Args: []string{"x; rm -rf /"}}, true},
		{"valid http", ServerConfig{ID: "a", Transport: TransportHTTP, URL: "https://skills.local/mcp"}, false},
		{"bad scheme", ServerConfig{ID: "a", Transport: TransportHTTP, URL: "ftp://skills.local"}, true},
		{"missing id", ServerConfig{Transport: TransportHTTP, URL: "http://x"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestStdioProcessLine_RoutesToPendingCall(t *testing.T) {
	tr := NewStdioTransport(&ServerConfig{ID: "a", Transport: TransportStdio, Command: "true"})
	ch := make(chan *JSONRPCResponse, 1)
	tr.pending[7] = ch

	tr.processLine(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`)

	select {
	case resp := <-ch:
		if string(resp.Result) != `{"ok":true}` {
			t.Errorf("result = %s", resp.Result)
		}
	default:
		t.Fatal("response not delivered")
	}
	if _, ok := tr.pending[7]; ok {
		t.Error("pending entry not removed")
	}
}

func TestStdioProcessLine_IgnoresGarbageAndUnknownIDs(t *testing.T) {
	tr := NewStdioTransport(&ServerConfig{ID: "a", Transport: TransportStdio, Command: "true"})
	tr.processLine(`not json`)
	tr.processLine(`{"jsonrpc":"2.0","id":99,"result":{}}`)
	tr.processLine(`{"jsonrpc":"2.0","method":"notifications/progress"}`)
}

func TestRegistrySearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("search"); got != "weather" {
			t.Errorf("search = %q, want weather", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"servers":[{"name":"weather-mcp"}]}`)
	}))
	defer srv.Close()

	rc := NewRegistryClient(srv.URL)
	body, err := rc.Search(context.Background(), "weather")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if string(body) != `{"servers":[{"name":"weather-mcp"}]}` {
		t.Errorf("body = %s", body)
	}
}

func TestRegistrySearch_LengthBounds(t *testing.T) {
	rc := NewRegistryClient("http://unused.local")

	for _, q := range []string{"", "a", string(make([]byte, 201))} {
		if _, err := rc.Search(context.Background(), q); !brainerrors.IsValidation(err) {
			t.Errorf("Search(%d chars) err = %v, want validation error", len(q), err)
		}
	}
}

func TestRegistrySearch_UpstreamFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	rc := NewRegistryClient(srv.URL)
	_, err := rc.Search(context.Background(), "weather")
	if !brainerrors.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}
