package router

import "encoding/json"

// Content block types the router keeps. Unknown block types from adapters
// are dropped with a warning.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons surfaced to the agent loop.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ContentBlock is one element of a message or response body.
type ContentBlock struct {
	Type string `json:"type"`

	// Text, for type == text.
	Text string `json:"text,omitempty"`

	// ID, Name, Input, for type == tool_use.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolUseID, Content, IsError, for type == tool_result.
	ToolUseID string `json:"toolUseId,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// SystemBlock is one ordered element of the system prompt. Cache marks the
// block as provider-cacheable.
type SystemBlock struct {
	Text  string `json:"text"`
	Cache bool   `json:"cache,omitempty"`
}

// Message is one conversation turn sent to an adapter.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage builds a single-text-block message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolDefinition describes one callable tool. InputSchema is an opaque JSON
// Schema document.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ChatResponse is a validated adapter response.
type ChatResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stopReason"`
	Model      string         `json:"model"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the response's text blocks.
func (r *ChatResponse) Text() string {
	var out string
	for _, blk := range r.Content {
		if blk.Type == BlockText {
			out += blk.Text
		}
	}
	return out
}

// ToolUses returns the response's tool_use blocks in order.
func (r *ChatResponse) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, blk := range r.Content {
		if blk.Type == BlockToolUse {
			uses = append(uses, blk)
		}
	}
	return uses
}

// Stream event types.
const (
	EventTextDelta   = "text_delta"
	EventMessageDone = "message_done"
)

// StreamEvent is one element of a chatStream sequence: zero or more
// text_delta events followed by exactly one terminal message_done. A nil
// Response with a non-nil Err reports a stream failure.
type StreamEvent struct {
	Type     string
	Text     string
	Response *ChatResponse
	Err      error
}

// ChatParams are the inputs to Chat and ChatStream.
type ChatParams struct {
	// Role selects the model via the roles map. Defaults to "agent".
	Role string

	// ModelOverride bypasses role resolution when set.
	ModelOverride string

	System    []SystemBlock
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// APICall is the audit record passed to the OnAPICall callback after every
// adapter invocation.
type APICall struct {
	Provider     string
	Model        string
	DurationMs   int64
	InputTokens  int
	OutputTokens int
	Error        string
}
