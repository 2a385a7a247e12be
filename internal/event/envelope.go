package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Version is the current envelope protocol version.
const Version = "1"

type Type string

const (
	TypeStart     Type = "start"
	TypeDelta     Type = "delta"
	TypeEnd       Type = "end"
	TypeError     Type = "error"
	TypeToolCalls Type = "tool_calls"
	TypeCancelled Type = "cancelled"
)

// ToolCall is a finalized tool invocation request carried on a tool_calls
// envelope. Arguments are fully reassembled JSON by the time one of these
// exists.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Envelope is one unit of observable turn progress. Version, ID, Timestamp
// and Type are required on every envelope; the rest depends on the type.
type Envelope struct {
	Version   string         `json:"version"`
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Model     string         `json:"model,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func New(t Type, sessionID string) Envelope {
	return Envelope{
		Version:   Version,
		ID:        ulid.Make().String(),
		Timestamp: time.Now().UTC(),
		Type:      t,
		SessionID: sessionID,
	}
}

func Start(sessionID, model string) Envelope {
	e := New(TypeStart, sessionID)
	e.Model = model
	return e
}

// Delta carries one incremental content fragment.
func Delta(sessionID, fragment string) Envelope {
	e := New(TypeDelta, sessionID)
	e.Content = fragment
	return e
}

// End carries the fully reassembled content.
func End(sessionID, content string) Envelope {
	e := New(TypeEnd, sessionID)
	e.Content = content
	return e
}

func Error(sessionID, code string, err error) Envelope {
	e := New(TypeError, sessionID)
	e.ErrorCode = code
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func NewToolCalls(sessionID string, calls []ToolCall) Envelope {
	e := New(TypeToolCalls, sessionID)
	e.ToolCalls = calls
	return e
}

// Cancelled carries whatever partial content had streamed before the
// cancellation took effect.
func Cancelled(sessionID, partial string) Envelope {
	e := New(TypeCancelled, sessionID)
	e.Content = partial
	e.Reason = "cancelled"
	return e
}

// Terminal reports whether this envelope ends a turn. Every turn ends in
// exactly one terminal envelope.
func (e Envelope) Terminal() bool {
	switch e.Type {
	case TypeEnd, TypeError, TypeCancelled:
		return true
	}
	return false
}

func (e Envelope) Validate() error {
	if e.Version == "" {
		return fmt.Errorf("envelope version is required")
	}
	if e.ID == "" {
		return fmt.Errorf("envelope id is required")
	}
	if _, err := ulid.ParseStrict(e.ID); err != nil {
		return fmt.Errorf("malformed envelope id %q: %w", e.ID, err)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("envelope timestamp is required")
	}
	switch e.Type {
	case TypeStart, TypeDelta, TypeEnd, TypeError, TypeToolCalls, TypeCancelled:
	case "":
		return fmt.Errorf("envelope type is required")
	default:
		return fmt.Errorf("unrecognized envelope type %q", e.Type)
	}
	return nil
}
