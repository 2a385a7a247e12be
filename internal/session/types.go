package session

import (
	"context"
	"encoding/json"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ToolCallRecord is written atomically with a tool execution outcome and
// never mutated afterward.
type ToolCallRecord struct {
	CallID    string          `json:"call_id"`
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id,omitempty"`
	ToolName  string          `json:"tool_name"`
	Params    json.RawMessage `json:"parameters,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  time.Duration   `json:"execution_time"`
	CreatedAt time.Time       `json:"created_at"`
}

// Backend is the durable tier under the in-memory cache. Every method may
// fail without taking the cache down: the cache degrades to memory-only.
type Backend interface {
	InsertMessage(ctx context.Context, msg Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	InsertToolCall(ctx context.Context, rec ToolCallRecord) error
	ListToolCalls(ctx context.Context, sessionID string, limit int) ([]ToolCallRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SweepBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
