package router

import (
	"context"
	"strings"

	"github.com/bakerst/bakerst/internal/brainerrors"
)

// providerRequest is the adapter-level request, with the model id already
// resolved to the provider's model name.
type providerRequest struct {
	Model     string
	System    []SystemBlock
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// adapter is one wire protocol. Implementations: anthropicAdapter (native
// and compat) and openAIAdapter (chat completions).
type adapter interface {
	Chat(ctx context.Context, req *providerRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req *providerRequest) (<-chan StreamEvent, error)
}

// classifyProviderError marks rate limits, 5xx responses, timeouts, and
// connection failures as transient so the fallback chain retries them.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	transient := strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host")

	if transient {
		return brainerrors.Transient(err)
	}
	return err
}
