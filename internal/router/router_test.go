package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/bakerst/bakerst/internal/brainerrors"
	"github.com/bakerst/bakerst/internal/config"
	"github.com/bakerst/bakerst/internal/infra"
)

type fakeAdapter struct {
	chatFn   func(ctx context.Context, req *providerRequest) (*ChatResponse, error)
	streamFn func(ctx context.Context, req *providerRequest) (<-chan StreamEvent, error)
	calls    int
}

func (f *fakeAdapter) Chat(ctx context.Context, req *providerRequest) (*ChatResponse, error) {
	f.calls++
	return f.chatFn(ctx, req)
}

func (f *fakeAdapter) ChatStream(ctx context.Context, req *providerRequest) (<-chan StreamEvent, error) {
	f.calls++
	return f.streamFn(ctx, req)
}

func okResponse(text string) *ChatResponse {
	return &ChatResponse{
		Content:    []ContentBlock{{Type: BlockText, Text: text}},
		StopReason: StopEndTurn,
		Model:      "m",
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func newTestRouter(t *testing.T, adapters map[string]adapter) *Router {
	t.Helper()
	cfg := &config.RouterConfig{
		Providers: map[string]config.ProviderConfig{
			"primary":  {Kind: config.ProviderAnthropicNative, APIKey: "sk-ant-x"},
			"fallback": {Kind: config.ProviderOpenAICompat, BaseURL: "http://localhost:1234/v1"},
		},
		Models: []config.ModelConfig{
			{ID: "main", ModelName: "main-model", Provider: "primary", MaxTokens: 4096},
			{ID: "backup", ModelName: "backup-model", Provider: "fallback", MaxTokens: 4096},
		},
		Roles:         map[string]string{"agent": "main", "observer": "backup", "worker": "backup"},
		FallbackChain: []string{"main", "backup"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := New(cfg, logger, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.newAdapter = func(key string, pc config.ProviderConfig) (adapter, error) {
		a, ok := adapters[key]
		if !ok {
			t.Fatalf("unexpected adapter request for %q", key)
		}
		return a, nil
	}
	return r
}

func TestChat_ResolvesDefaultRole(t *testing.T) {
	primary := &fakeAdapter{chatFn: func(ctx context.Context, req *providerRequest) (*ChatResponse, error) {
		if req.Model != "main-model" {
			t.Fatalf("model = %q, want main-model", req.Model)
		}
		return okResponse("hi"), nil
	}}
	r := newTestRouter(t, map[string]adapter{"primary": primary})

	resp, err := r.Chat(context.Background(), &ChatParams{
		Messages: []Message{TextMessage("user", "hello")},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := resp.Text(); got != "hi" {
		t.Errorf("text = %q, want hi", got)
	}
}

func TestChat_UnknownRoleAndModel(t *testing.T) {
	r := newTestRouter(t, nil)

	_, err := r.Chat(context.Background(), &ChatParams{Role: "nonsense"})
	if !errors.Is(err, brainerrors.ErrUnknownRole) {
		t.Errorf("err = %v, want ErrUnknownRole", err)
	}

	_, err = r.Chat(context.Background(), &ChatParams{ModelOverride: "nonsense"})
	if !errors.Is(err, brainerrors.ErrUnknownModel) {
		t.Errorf("err = %v, want ErrUnknownModel", err)
	}
}

func TestChat_FallbackChainAndAuditOrder(t *testing.T) {
	primary := &fakeAdapter{chatFn: func(ctx context.Context, req *providerRequest) (*ChatResponse, error) {
		return nil, errors.New("primary failed")
	}}
	fallback := &fakeAdapter{chatFn: func(ctx context.Context, req *providerRequest) (*ChatResponse, error) {
		return okResponse("from backup"), nil
	}}
	r := newTestRouter(t, map[string]adapter{"primary": primary, "fallback": fallback})

	var audits []APICall
	r.SetOnAPICall(func(call APICall) { audits = append(audits, call) })

	resp, err := r.Chat(context.Background(), &ChatParams{
		Messages: []Message{TextMessage("user", "hello")},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := resp.Text(); got != "from backup" {
		t.Errorf("text = %q, want from backup", got)
	}

	if len(audits) != 2 {
		t.Fatalf("audits = %d, want 2", len(audits))
	}
	if audits[0].Provider != "primary" || audits[0].Error == "" {
		t.Errorf("first audit = %+v, want primary with error", audits[0])
	}
	if audits[1].Provider != "fallback" || audits[1].Error != "" {
		t.Errorf("second audit = %+v, want fallback success", audits[1])
	}
	if audits[1].InputTokens != 10 || audits[1].OutputTokens != 5 {
		t.Errorf("second audit tokens = %d/%d, want 10/5", audits[1].InputTokens, audits[1].OutputTokens)
	}
}

func TestChat_AllModelsFailed(t *testing.T) {
	fail := func(ctx context.Context, req *providerRequest) (*ChatResponse, error) {
		return nil, errors.New("boom")
	}
	r := newTestRouter(t, map[string]adapter{
		"primary":  &fakeAdapter{chatFn: fail},
		"fallback": &fakeAdapter{chatFn: fail},
	})

	_, err := r.Chat(context.Background(), &ChatParams{})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "all models failed: boom" {
		t.Errorf("err = %q, want all models failed: boom", got)
	}
}

func TestChat_InvalidShapeIsNotRetried(t *testing.T) {
	primary := &fakeAdapter{chatFn: func(ctx context.Context, req *providerRequest) (*ChatResponse, error) {
		return &ChatResponse{StopReason: StopEndTurn}, nil // nil content array
	}}
	fallback := &fakeAdapter{chatFn: func(ctx context.Context, req *providerRequest) (*ChatResponse, error) {
		return okResponse("should not run"), nil
	}}
	r := newTestRouter(t, map[string]adapter{"primary": primary, "fallback": fallback})

	_, err := r.Chat(context.Background(), &ChatParams{})
	if !errors.Is(err, brainerrors.ErrInvalidResponseShape) {
		t.Fatalf("err = %v, want ErrInvalidResponseShape", err)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback adapter called %d times, want 0", fallback.calls)
	}
}

func TestChat_DropsUnknownBlocks(t *testing.T) {
	primary := &fakeAdapter{chatFn: func(ctx context.Context, req *providerRequest) (*ChatResponse, error) {
		return &ChatResponse{
			Content: []ContentBlock{
				{Type: "server_tool_use", Name: "search"},
				{Type: BlockText, Text: "kept"},
				{Type: BlockToolUse}, // missing id and name
			},
			StopReason: StopEndTurn,
			Usage:      Usage{InputTokens: 1, OutputTokens: 1},
		}, nil
	}}
	r := newTestRouter(t, map[string]adapter{"primary": primary})

	resp, err := r.Chat(context.Background(), &ChatParams{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "kept" {
		t.Errorf("content = %+v, want single kept text block", resp.Content)
	}
}

func TestChatStream_BreakerFastFail(t *testing.T) {
	primary := &fakeAdapter{
		chatFn: func(ctx context.Context, req *providerRequest) (*ChatResponse, error) {
			return nil, errors.New("down")
		},
		streamFn: func(ctx context.Context, req *providerRequest) (<-chan StreamEvent, error) {
			t.Fatal("stream adapter must not be invoked while circuit is open")
			return nil, nil
		},
	}
	r := newTestRouter(t, map[string]adapter{"primary": primary})
	r.cfg.FallbackChain = nil

	for i := 0; i < 5; i++ {
		if _, err := r.Chat(context.Background(), &ChatParams{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	if state := r.breakers.Get("primary").State(); state != infra.CircuitOpen {
		t.Fatalf("breaker state = %s, want open", state)
	}

	_, err := r.ChatStream(context.Background(), &ChatParams{})
	if !errors.Is(err, infra.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if primary.calls != 5 {
		t.Errorf("adapter calls = %d, want 5", primary.calls)
	}
}

func TestChatStream_ForwardsDeltasAndValidatesDone(t *testing.T) {
	primary := &fakeAdapter{streamFn: func(ctx context.Context, req *providerRequest) (<-chan StreamEvent, error) {
		ch := make(chan StreamEvent, 3)
		ch <- StreamEvent{Type: EventTextDelta, Text: "hel"}
		ch <- StreamEvent{Type: EventTextDelta, Text: "lo"}
		ch <- StreamEvent{Type: EventMessageDone, Response: okResponse("hello")}
		close(ch)
		return ch, nil
	}}
	r := newTestRouter(t, map[string]adapter{"primary": primary})

	var audits []APICall
	r.SetOnAPICall(func(call APICall) { audits = append(audits, call) })

	events, err := r.ChatStream(context.Background(), &ChatParams{})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var text string
	var done *ChatResponse
	for ev := range events {
		switch ev.Type {
		case EventTextDelta:
			text += ev.Text
		case EventMessageDone:
			done = ev.Response
		}
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
	}
	if text != "hello" {
		t.Errorf("assembled text = %q, want hello", text)
	}
	if done == nil || done.Text() != "hello" {
		t.Errorf("done = %+v, want final response", done)
	}
	if len(audits) != 1 || audits[0].Error != "" {
		t.Errorf("audits = %+v, want one success", audits)
	}
	if state := r.breakers.Get("primary").State(); state != infra.CircuitClosed {
		t.Errorf("breaker state = %s, want closed", state)
	}
}

func TestChatStream_ErrorRecordsFailure(t *testing.T) {
	primary := &fakeAdapter{streamFn: func(ctx context.Context, req *providerRequest) (<-chan StreamEvent, error) {
		ch := make(chan StreamEvent, 2)
		ch <- StreamEvent{Type: EventTextDelta, Text: "partial"}
		ch <- StreamEvent{Err: errors.New("connection reset")}
		close(ch)
		return ch, nil
	}}
	r := newTestRouter(t, map[string]adapter{"primary": primary})

	events, err := r.ChatStream(context.Background(), &ChatParams{})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var sawErr bool
	for ev := range events {
		if ev.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("expected terminal error event")
	}
	stats := r.breakers.Get("primary").Stats()
	if stats.Failures != 1 {
		t.Errorf("breaker failures = %d, want 1", stats.Failures)
	}
}

func TestChatStream_TruncatedStreamIsInvalid(t *testing.T) {
	primary := &fakeAdapter{streamFn: func(ctx context.Context, req *providerRequest) (<-chan StreamEvent, error) {
		ch := make(chan StreamEvent, 1)
		ch <- StreamEvent{Type: EventTextDelta, Text: "partial"}
		close(ch) // no terminal event
		return ch, nil
	}}
	r := newTestRouter(t, map[string]adapter{"primary": primary})

	events, err := r.ChatStream(context.Background(), &ChatParams{})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	var last StreamEvent
	for ev := range events {
		last = ev
	}
	if !errors.Is(last.Err, brainerrors.ErrInvalidResponseShape) {
		t.Errorf("terminal err = %v, want ErrInvalidResponseShape", last.Err)
	}
}

func TestUpdateConfig_MergesRoles(t *testing.T) {
	r := newTestRouter(t, nil)

	if err := r.UpdateConfig(Updates{Roles: map[string]string{"observer": "main"}}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if got := r.cfg.Roles["observer"]; got != "main" {
		t.Errorf("observer role = %q, want main", got)
	}
	if got := r.cfg.Roles["agent"]; got != "main" {
		t.Errorf("agent role = %q, want main (unchanged)", got)
	}

	err := r.UpdateConfig(Updates{Roles: map[string]string{"agent": "missing"}})
	if err == nil {
		t.Error("expected validation error for unknown model id")
	}
}

func TestUseOAuthDetection(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	base := func(key, token string) *config.RouterConfig {
		return &config.RouterConfig{
			Providers: map[string]config.ProviderConfig{
				"anthropic": {Kind: config.ProviderAnthropicNative, APIKey: key, OAuthToken: token},
			},
			Models: []config.ModelConfig{{ID: "m", ModelName: "m", Provider: "anthropic"}},
			Roles:  map[string]string{"agent": "m"},
		}
	}

	r, err := New(base("sk-ant-api-key", ""), logger, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.UseOAuth() {
		t.Error("UseOAuth = true for plain api key")
	}

	r, err = New(base("", "sk-ant-oat01-abc"), logger, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !r.UseOAuth() {
		t.Error("UseOAuth = false for oauth token")
	}
}
