package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// openAIAdapter speaks OpenAI-style chat completions against a custom base
// URL (local model servers, proxies). Created lazily on first use.
type openAIAdapter struct {
	client   *openai.Client
	provider string
}

func newOpenAIAdapter(provider, apiKey, baseURL string) *openAIAdapter {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	return &openAIAdapter{
		client:   openai.NewClientWithConfig(cfg),
		provider: provider,
	}
}

// Chat issues a non-streaming chat completion.
func (a *openAIAdapter) Chat(ctx context.Context, req *providerRequest) (*ChatResponse, error) {
	chatReq, err := a.buildRequest(req)
	if err != nil {
		return nil, err
	}

	response, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyProviderError(fmt.Errorf("%s: %w", a.provider, err))
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", a.provider)
	}

	choice := response.Choices[0]
	resp := &ChatResponse{
		Model:      response.Model,
		StopReason: mapFinishReason(string(choice.FinishReason)),
		Usage: Usage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
		},
	}
	if choice.Message.Content != "" {
		resp.Content = append(resp.Content, ContentBlock{Type: BlockText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.Content = append(resp.Content, ContentBlock{
			Type:  BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: normalizeToolInput(tc.Function.Arguments),
		})
	}
	return resp, nil
}

// ChatStream issues a streaming chat completion, assembling tool call
// argument fragments across deltas.
func (a *openAIAdapter) ChatStream(ctx context.Context, req *providerRequest) (<-chan StreamEvent, error) {
	chatReq, err := a.buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true

	stream, err := a.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyProviderError(fmt.Errorf("%s: %w", a.provider, err))
	}

	events := make(chan StreamEvent)

	go func() {
		defer close(events)
		defer stream.Close()

		resp := &ChatResponse{Model: req.Model, StopReason: StopEndTurn}
		var textBuf strings.Builder
		type pendingTool struct {
			id   string
			name string
			args strings.Builder
		}
		var tools []*pendingTool

		finish := func() {
			if textBuf.Len() > 0 {
				resp.Content = append(resp.Content, ContentBlock{Type: BlockText, Text: textBuf.String()})
			}
			for _, tool := range tools {
				resp.Content = append(resp.Content, ContentBlock{
					Type:  BlockToolUse,
					ID:    tool.id,
					Name:  tool.name,
					Input: normalizeToolInput(tool.args.String()),
				})
			}
			select {
			case events <- StreamEvent{Type: EventMessageDone, Response: resp}:
			case <-ctx.Done():
			}
		}

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				finish()
				return
			}
			if err != nil {
				select {
				case events <- StreamEvent{Err: classifyProviderError(fmt.Errorf("%s: %w", a.provider, err))}:
				case <-ctx.Done():
				}
				return
			}
			if chunk.Model != "" {
				resp.Model = chunk.Model
			}
			if chunk.Usage != nil {
				resp.Usage.InputTokens = chunk.Usage.PromptTokens
				resp.Usage.OutputTokens = chunk.Usage.CompletionTokens
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				textBuf.WriteString(choice.Delta.Content)
				select {
				case events <- StreamEvent{Type: EventTextDelta, Text: choice.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				for len(tools) <= idx {
					tools = append(tools, &pendingTool{})
				}
				if tc.ID != "" {
					tools[idx].id = tc.ID
				}
				if tc.Function.Name != "" {
					tools[idx].name = tc.Function.Name
				}
				tools[idx].args.WriteString(tc.Function.Arguments)
			}

			if choice.FinishReason != "" {
				resp.StopReason = mapFinishReason(string(choice.FinishReason))
			}
		}
	}()

	return events, nil
}

func (a *openAIAdapter) buildRequest(req *providerRequest) (openai.ChatCompletionRequest, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)

	if len(req.System) > 0 {
		var sys strings.Builder
		for i, blk := range req.System {
			if i > 0 {
				sys.WriteString("\n\n")
			}
			sys.WriteString(blk.Text)
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: sys.String(),
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, blk := range msg.Content {
				switch blk.Type {
				case BlockText:
					oaiMsg.Content += blk.Text
				case BlockToolUse:
					oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
						ID:   blk.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      blk.Name,
							Arguments: string(blk.Input),
						},
					})
				}
			}
			messages = append(messages, oaiMsg)
		default:
			// User and tool turns. Tool results map onto role=tool messages.
			var text string
			for _, blk := range msg.Content {
				switch blk.Type {
				case BlockText:
					text += blk.Text
				case BlockToolResult:
					messages = append(messages, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    blk.Content,
						ToolCallID: blk.ToolUseID,
					})
				}
			}
			if text != "" {
				messages = append(messages, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: text,
				})
			}
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}

	for _, tool := range req.Tools {
		var params map[string]any
		if err := json.Unmarshal(tool.InputSchema, &params); err != nil {
			return openai.ChatCompletionRequest{}, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}

	return chatReq, nil
}

func mapFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

func normalizeToolInput(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" || !json.Valid([]byte(args)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}
