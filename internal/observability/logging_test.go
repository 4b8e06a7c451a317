package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unparseable log line %q: %v", buf.String(), err)
	}
	return out
}

func TestLogger_RedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	key := "sk-ant-" + strings.Repeat("a", 30)
	logger.Info(context.Background(), "provider configured", "key", key)

	line := buf.String()
	if strings.Contains(line, key) {
		t.Fatalf("credential leaked: %s", line)
	}
	if !strings.Contains(line, "[REDACTED]") {
		t.Errorf("no redaction marker in %s", line)
	}
}

func TestLogger_RedactsErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	err := errors.New("auth failed: bearer " + strings.Repeat("x", 20))
	logger.Error(context.Background(), "request failed", "error", err)

	if strings.Contains(buf.String(), strings.Repeat("x", 20)) {
		t.Errorf("bearer token leaked: %s", buf.String())
	}
}

func TestLogger_AttachesContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithConversationID(ctx, "conv-1")
	ctx = WithJobID(ctx, "job-1")
	logger.Info(ctx, "turn started")

	out := logLine(t, &buf)
	if out["request_id"] != "req-1" || out["conversation_id"] != "conv-1" || out["job_id"] != "job-1" {
		t.Errorf("context fields missing: %v", out)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}
	logger.Warn(context.Background(), "shown")
	if buf.Len() == 0 {
		t.Error("warn suppressed at warn level")
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf})

	logger.Info(context.Background(), "hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("text format produced JSON: %s", buf.String())
	}
}
