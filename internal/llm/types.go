package llm

import (
	"context"
	"encoding/json"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a complete tool invocation request with reassembled arguments.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolSchema is the function-calling schema handed to the provider.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float32
}

// ToolCallDelta is one raw fragment of a streamed tool call. Index is the
// call's ordinal within the response; ID and Name arrive on the first
// fragment for an index, Arguments may be split across any number of them.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// Chunk is one unit of streamed provider output.
type Chunk struct {
	Text         string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Err          error
}

// Client is the provider boundary. The channel is closed when the stream
// ends; a Chunk with Err set is always the last one sent.
type Client interface {
	Complete(ctx context.Context, req Request) (<-chan Chunk, error)
}
