package turn

import (
	"github.com/flitsinc/go-convo/internal/llm"
)

// Stage names match the turn state machine. Every terminal event carries the
// ordered trace of stages the turn passed through.
const (
	StageStart           = "start"
	StageValidateInput   = "validate_input"
	StageComposeMessages = "compose_messages"
	StageInvokeLLM       = "invoke_llm"
	StageExecuteTools    = "execute_tools"
	StageFormatResponse  = "format_response"
	StageEnd             = "end"
	StageCancelled       = "cancelled"
)

// State is the checkpointed conversation snapshot for one thread. Messages
// is the model-visible transcript, including tool results the session
// history does not carry. Pending holds in-flight tool call fragments when a
// turn was interrupted mid-accumulation.
type State struct {
	ThreadID  string                      `json:"thread_id"`
	SessionID string                      `json:"session_id"`
	Messages  []llm.Message               `json:"messages"`
	Pending   map[int]llm.PartialToolCall `json:"pending_tool_calls,omitempty"`
	Buffer    string                      `json:"buffer,omitempty"`
	NextStage string                      `json:"next_stage,omitempty"`
}
