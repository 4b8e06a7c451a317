package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicAdapter speaks the Anthropic Messages protocol, natively or
// against a compat endpoint (OpenRouter) via a custom base URL.
type anthropicAdapter struct {
	client   anthropic.Client
	provider string
}

// newAnthropicAdapter builds the adapter. When oauthToken is non-empty it is
// sent as a bearer credential instead of the API key.
func newAnthropicAdapter(provider, apiKey, oauthToken, baseURL string) (*anthropicAdapter, error) {
	var options []option.RequestOption
	switch {
	case oauthToken != "":
		options = append(options, option.WithAuthToken(oauthToken))
	case apiKey != "":
		options = append(options, option.WithAPIKey(apiKey))
	default:
		return nil, fmt.Errorf("provider %s: api key or oauth token is required", provider)
	}
	if strings.TrimSpace(baseURL) != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	return &anthropicAdapter{
		client:   anthropic.NewClient(options...),
		provider: provider,
	}, nil
}

// Chat issues a non-streaming Messages call.
func (a *anthropicAdapter) Chat(ctx context.Context, req *providerRequest) (*ChatResponse, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyProviderError(fmt.Errorf("%s: %w", a.provider, err))
	}

	resp := &ChatResponse{
		Model:      string(message.Model),
		StopReason: string(message.StopReason),
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
	for _, blk := range message.Content {
		switch blk.Type {
		case "text":
			resp.Content = append(resp.Content, ContentBlock{Type: BlockText, Text: blk.Text})
		case "tool_use":
			toolUse := blk.AsToolUse()
			input, err := json.Marshal(toolUse.Input)
			if err != nil {
				input = []byte("{}")
			}
			resp.Content = append(resp.Content, ContentBlock{
				Type:  BlockToolUse,
				ID:    toolUse.ID,
				Name:  toolUse.Name,
				Input: input,
			})
		}
		// Other block types are dropped by the router's validator.
	}
	return resp, nil
}

// ChatStream issues a streaming Messages call. The returned channel carries
// text deltas followed by one terminal message_done (or an error event) and
// is closed afterwards.
func (a *anthropicAdapter) ChatStream(ctx context.Context, req *providerRequest) (<-chan StreamEvent, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	events := make(chan StreamEvent)

	go func() {
		defer close(events)

		resp := &ChatResponse{Model: req.Model, StopReason: StopEndTurn}
		var textBuf strings.Builder
		var currentTool *ContentBlock
		var toolInput strings.Builder

		flushText := func() {
			if textBuf.Len() > 0 {
				resp.Content = append(resp.Content, ContentBlock{Type: BlockText, Text: textBuf.String()})
				textBuf.Reset()
			}
		}

		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case "message_start":
				messageStart := event.AsMessageStart()
				resp.Model = string(messageStart.Message.Model)
				resp.Usage.InputTokens = int(messageStart.Message.Usage.InputTokens)

			case "content_block_start":
				contentBlock := event.AsContentBlockStart().ContentBlock
				if contentBlock.Type == "tool_use" {
					flushText()
					toolUse := contentBlock.AsToolUse()
					currentTool = &ContentBlock{Type: BlockToolUse, ID: toolUse.ID, Name: toolUse.Name}
					toolInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						textBuf.WriteString(delta.Text)
						select {
						case events <- StreamEvent{Type: EventTextDelta, Text: delta.Text}:
						case <-ctx.Done():
							return
						}
					}
				case "input_json_delta":
					if currentTool != nil {
						toolInput.WriteString(delta.PartialJSON)
					}
				}

			case "content_block_stop":
				if currentTool != nil {
					input := toolInput.String()
					if input == "" {
						input = "{}"
					}
					currentTool.Input = json.RawMessage(input)
					resp.Content = append(resp.Content, *currentTool)
					currentTool = nil
				} else {
					flushText()
				}

			case "message_delta":
				messageDelta := event.AsMessageDelta()
				if messageDelta.Delta.StopReason != "" {
					resp.StopReason = string(messageDelta.Delta.StopReason)
				}
				if messageDelta.Usage.OutputTokens > 0 {
					resp.Usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
				}

			case "message_stop":
				flushText()
				select {
				case events <- StreamEvent{Type: EventMessageDone, Response: resp}:
				case <-ctx.Done():
				}
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case events <- StreamEvent{Err: classifyProviderError(fmt.Errorf("%s: %w", a.provider, err))}:
			case <-ctx.Done():
			}
			return
		}

		// Stream ended without message_stop. Surface what was assembled.
		flushText()
		select {
		case events <- StreamEvent{Type: EventMessageDone, Response: resp}:
		case <-ctx.Done():
		}
	}()

	return events, nil
}

func (a *anthropicAdapter) buildParams(req *providerRequest) (anthropic.MessageNewParams, error) {
	messages, err := a.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}

	for _, blk := range req.System {
		textBlock := anthropic.TextBlockParam{Type: "text", Text: blk.Text}
		if blk.Cache {
			textBlock.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = append(params.System, textBlock)
	}

	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		params.Tools = append(params.Tools, toolParam)
	}

	return params, nil
}

func (a *anthropicAdapter) convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		for _, blk := range msg.Content {
			switch blk.Type {
			case BlockText:
				if blk.Text != "" {
					content = append(content, anthropic.NewTextBlock(blk.Text))
				}
			case BlockToolUse:
				var input map[string]any
				if err := json.Unmarshal(blk.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", blk.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(blk.ID, input, blk.Name))
			case BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(blk.ToolUseID, blk.Content, blk.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}

		// Tool-result turns ride as user messages on the wire.
		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}
