package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bakerst/bakerst/internal/agent"
	"github.com/bakerst/bakerst/internal/brain"
	"github.com/bakerst/bakerst/internal/brainerrors"
	"github.com/bakerst/bakerst/internal/plugins"
	"github.com/bakerst/bakerst/internal/scheduler"
	"github.com/bakerst/bakerst/internal/store"
)

type fakeChat struct {
	result *agent.ChatResult
	events []agent.Event
	err    error
	stream func(ctx context.Context) (<-chan agent.Event, error)
}

func (f *fakeChat) Chat(ctx context.Context, message string, opts agent.ChatOptions) (*agent.ChatResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeChat) ChatStream(ctx context.Context, message string, opts agent.ChatOptions) (<-chan agent.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.stream != nil {
		return f.stream(ctx)
	}
	ch := make(chan agent.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeDispatcher struct {
	jobID string
	err   error
	calls []*plugins.DispatchRequest
}

func (f *fakeDispatcher) DispatchJob(ctx context.Context, req *plugins.DispatchRequest) (string, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", f.err
	}
	return f.jobID, nil
}

type fakeRegistryProxy struct {
	payload []byte
	err     error
}

func (f *fakeRegistryProxy) Search(ctx context.Context, search string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

type testEnv struct {
	machine *brain.Machine
	chat    *fakeChat
	disp    *fakeDispatcher
	proxy   *fakeRegistryProxy
	store   *store.Store
	srv     *httptest.Server
}

func newEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		machine: brain.NewMachine(brain.StateActive, "v1", logger, nil),
		chat:    &fakeChat{result: &agent.ChatResult{Response: "Hello!", ConversationID: "c1"}},
		disp:    &fakeDispatcher{jobID: "job-1"},
		proxy:   &fakeRegistryProxy{payload: []byte(`{"servers":[]}`)},
		store:   st,
	}
	sched := scheduler.New(st, env.disp, logger)
	s := New(env.machine, env.chat, env.disp, st, sched, nil, env.proxy, nil, logger, opts)
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) request(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	return resp, payload
}

func TestPing(t *testing.T) {
	env := newEnv(t, Options{AgentName: "Baker", Version: "v1"})

	resp, body := env.request(t, http.MethodGet, "/ping", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]string
	json.Unmarshal(body, &out)
	if out["status"] != "ok" || out["agent"] != "Baker" {
		t.Errorf("body = %s", body)
	}
}

func TestPing_NotReadyWhilePending(t *testing.T) {
	env := newEnv(t, Options{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pending := brain.NewMachine(brain.StatePending, "v2", logger, nil)
	s := New(pending, env.chat, env.disp, env.store, nil, nil, env.proxy, nil, logger, Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestBrainState(t *testing.T) {
	env := newEnv(t, Options{})
	resp, body := env.request(t, http.MethodGet, "/brain/state", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]any
	json.Unmarshal(body, &out)
	if out["state"] != brain.StateActive || out["version"] != "v1" {
		t.Errorf("body = %s", body)
	}
}

func TestAuth(t *testing.T) {
	env := newEnv(t, Options{AuthToken: "secret"})

	// Bypass paths skip auth.
	resp, _ := env.request(t, http.MethodGet, "/ping", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/ping status = %d", resp.StatusCode)
	}

	resp, _ = env.request(t, http.MethodGet, "/jobs", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodGet, "/jobs", nil, map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodGet, "/jobs", nil, map[string]string{"Authorization": "Bearer secret"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newEnv(t, Options{CORSOrigins: []string{"https://app.example.com"}})

	req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/chat", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "DELETE") {
		t.Errorf("allow-methods = %q", resp.Header.Get("Access-Control-Allow-Methods"))
	}

	// Unlisted origins get no CORS headers.
	req, _ = http.NewRequest(http.MethodOptions, env.srv.URL+"/chat", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin got allow-origin %q", got)
	}
}

func TestDrainGate(t *testing.T) {
	env := newEnv(t, Options{})
	if err := env.machine.Transition(brain.StateDraining); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	resp, body := env.request(t, http.MethodPost, "/chat", chatRequest{Message: "hi"}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var out map[string]string
	json.Unmarshal(body, &out)
	if out["error"] != "service draining" || out["state"] != brain.StateDraining {
		t.Errorf("body = %s", body)
	}

	// Health and state stay reachable.
	resp, _ = env.request(t, http.MethodGet, "/ping", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/ping while draining = %d", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodGet, "/brain/state", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/brain/state while draining = %d", resp.StatusCode)
	}
}

func TestChat(t *testing.T) {
	env := newEnv(t, Options{})

	resp, body := env.request(t, http.MethodPost, "/chat", chatRequest{Message: "Hi"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out agent.ChatResult
	json.Unmarshal(body, &out)
	if out.Response != "Hello!" || out.ConversationID != "c1" {
		t.Errorf("body = %s", body)
	}

	resp, _ = env.request(t, http.MethodPost, "/chat", chatRequest{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message status = %d, want 400", resp.StatusCode)
	}
}

func TestChatStream_SSEFraming(t *testing.T) {
	env := newEnv(t, Options{})
	env.chat.events = []agent.Event{
		{Type: agent.EventDelta, Text: "Hel"},
		{Type: agent.EventDelta, Text: "lo"},
		{Type: agent.EventDone, ConversationID: "c1"},
	}

	resp, body := env.request(t, http.MethodPost, "/chat/stream", chatRequest{Message: "Hi"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}

	lines := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	if len(lines) != 3 {
		t.Fatalf("frames = %d: %q", len(lines), body)
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "data: ") {
			t.Fatalf("frame %q lacks data prefix", line)
		}
	}
	var last agent.Event
	json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &last)
	if last.Type != agent.EventDone || last.ConversationID != "c1" {
		t.Errorf("terminal frame = %+v", last)
	}
}

func TestChatWS_MirrorsStream(t *testing.T) {
	env := newEnv(t, Options{})
	env.chat.events = []agent.Event{
		{Type: agent.EventDelta, Text: "Hi"},
		{Type: agent.EventDone, ConversationID: "c1"},
	}

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(chatRequest{Message: "Hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var first, second agent.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second: %v", err)
	}
	if first.Type != agent.EventDelta || second.Type != agent.EventDone {
		t.Errorf("events = %+v, %+v", first, second)
	}
}

func TestChatWS_ClientGoneTurnStillFinishes(t *testing.T) {
	env := newEnv(t, Options{})

	// Unbuffered channel fed by a producer goroutine, like the real agent:
	// every event blocks until the handler receives it. The handler must keep
	// draining after the socket dies or the producer never finishes.
	producerDone := make(chan struct{})
	env.chat.stream = func(ctx context.Context) (<-chan agent.Event, error) {
		ch := make(chan agent.Event)
		go func() {
			defer close(producerDone)
			defer close(ch)
			filler := strings.Repeat("x", 4096)
			for i := 0; i < 200; i++ {
				ch <- agent.Event{Type: agent.EventDelta, Text: filler}
			}
			ch <- agent.Event{Type: agent.EventDone, ConversationID: "c1"}
		}()
		return ch, nil
	}

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteJSON(chatRequest{Message: "Hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var first agent.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	conn.Close()

	select {
	case <-producerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("turn goroutine still blocked after client disconnect")
	}
}

func TestWebhook(t *testing.T) {
	env := newEnv(t, Options{})

	resp, body := env.request(t, http.MethodPost, "/webhook",
		webhookRequest{Type: "command", Command: "echo hi"}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out map[string]string
	json.Unmarshal(body, &out)
	if out["jobId"] != "job-1" || out["status"] != "dispatched" {
		t.Errorf("body = %s", body)
	}
	if len(env.disp.calls) != 1 || env.disp.calls[0].Source != "webhook" {
		t.Errorf("dispatch calls = %+v", env.disp.calls)
	}

	env.disp.err = brainerrors.Validationf("unknown job type %q", "mystery")
	resp, _ = env.request(t, http.MethodPost, "/webhook", webhookRequest{Type: "mystery"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid type status = %d, want 400", resp.StatusCode)
	}
}

func TestConversationEndpoints(t *testing.T) {
	env := newEnv(t, Options{})
	ctx := context.Background()

	conv, err := env.store.CreateConversation(ctx, "test")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := env.store.AddMessage(ctx, conv.ID, store.RoleUser, "hi", 1); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	resp, body := env.request(t, http.MethodGet, "/conversations", nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), conv.ID) {
		t.Errorf("list = %d %s", resp.StatusCode, body)
	}

	resp, body = env.request(t, http.MethodGet, "/conversations/"+conv.ID+"/messages", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages status = %d", resp.StatusCode)
	}
	var out struct {
		Messages []*store.Message `json:"messages"`
	}
	json.Unmarshal(body, &out)
	if len(out.Messages) != 1 || out.Messages[0].Content != "hi" {
		t.Errorf("messages = %+v", out.Messages)
	}

	resp, _ = env.request(t, http.MethodGet, "/conversations/nope/messages", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing conversation status = %d, want 404", resp.StatusCode)
	}
}

func TestJobEndpoints(t *testing.T) {
	env := newEnv(t, Options{})
	ctx := context.Background()

	if err := env.store.CreateJob(ctx, &store.Job{JobID: "j1", Type: store.JobTypeCommand, Source: "test"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	resp, body := env.request(t, http.MethodGet, "/jobs?status=dispatched", nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "j1") {
		t.Errorf("list = %d %s", resp.StatusCode, body)
	}

	resp, body = env.request(t, http.MethodGet, "/jobs/j1/status", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var job store.Job
	json.Unmarshal(body, &job)
	if job.JobID != "j1" || job.Status != store.JobDispatched {
		t.Errorf("job = %+v", job)
	}

	resp, _ = env.request(t, http.MethodGet, "/jobs/missing/status", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", resp.StatusCode)
	}

	resp, _ = env.request(t, http.MethodGet, "/jobs?limit=zero", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	env := newEnv(t, Options{})

	name, expr, typ := "nightly", "0 3 * * *", "command"
	resp, body := env.request(t, http.MethodPost, "/schedules", scheduleRequest{
		Name: &name, Schedule: &expr, Type: &typ,
		Config: map[string]string{"command": "echo hi"},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", resp.StatusCode, body)
	}
	var created store.Schedule
	json.Unmarshal(body, &created)

	resp, _ = env.request(t, http.MethodGet, "/schedules/"+created.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get = %d", resp.StatusCode)
	}

	resp, body = env.request(t, http.MethodPost, "/schedules/"+created.ID+"/trigger", nil, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("trigger = %d: %s", resp.StatusCode, body)
	}
	var out map[string]string
	json.Unmarshal(body, &out)
	if out["jobId"] != "job-1" {
		t.Errorf("trigger body = %s", body)
	}

	bad := "nonsense"
	resp, _ = env.request(t, http.MethodPost, "/schedules", scheduleRequest{
		Name: &name, Schedule: &bad, Type: &typ,
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad cron status = %d, want 400", resp.StatusCode)
	}

	resp, _ = env.request(t, http.MethodDelete, "/schedules/"+created.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete = %d", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodGet, "/schedules/"+created.ID, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted get = %d, want 404", resp.StatusCode)
	}
}

func TestRegistrySearch(t *testing.T) {
	env := newEnv(t, Options{})

	resp, body := env.request(t, http.MethodGet, "/mcps/registry?search=weather", nil, nil)
	if resp.StatusCode != http.StatusOK || string(body) != `{"servers":[]}` {
		t.Errorf("search = %d %s", resp.StatusCode, body)
	}

	env.proxy.err = brainerrors.Validationf("search must be 2-200 characters")
	resp, _ = env.request(t, http.MethodGet, "/mcps/registry?search=a", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("short search status = %d, want 400", resp.StatusCode)
	}

	env.proxy.err = brainerrors.Transient(errors.New("upstream 502"))
	resp, _ = env.request(t, http.MethodGet, "/mcps/registry?search=weather", nil, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("transient status = %d, want 502", resp.StatusCode)
	}

	env.proxy.err = context.DeadlineExceeded
	resp, _ = env.request(t, http.MethodGet, "/mcps/registry?search=weather", nil, nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("timeout status = %d, want 504", resp.StatusCode)
	}
}
