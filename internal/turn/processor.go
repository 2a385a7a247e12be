package turn

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/checkpoint"
	"github.com/flitsinc/go-convo/internal/event"
	"github.com/flitsinc/go-convo/internal/idgen"
	"github.com/flitsinc/go-convo/internal/llm"
	"github.com/flitsinc/go-convo/internal/retrieval"
	"github.com/flitsinc/go-convo/internal/session"
	"github.com/flitsinc/go-convo/internal/stream"
	"github.com/flitsinc/go-convo/internal/tool"
)

const maxInputBytes = 64 * 1024

// Options are per-request overrides carried on a turn request.
type Options struct {
	Model       string         `json:"model,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float32        `json:"temperature,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Request is one user turn. ThreadID groups turns into a durable
// conversation; it defaults to the session id when empty.
type Request struct {
	ThreadID  string  `json:"thread_id,omitempty"`
	SessionID string  `json:"session_id"`
	Input     string  `json:"input"`
	Options   Options `json:"options,omitempty"`
}

// Processor drives one turn through the state machine and streams progress
// as event envelopes. All collaborators are injected; the processor holds no
// global state.
type Processor struct {
	LLM         llm.Client
	Tools       *tool.Registry
	Checkpoints CheckpointStore
	Sessions    *session.Cache
	Streams     *stream.Registry
	Retriever   retrieval.Retriever

	Model          string
	SystemPrompt   string
	HistoryLimit   int
	MaxToolRounds  int
	RetrievalLimit int
	Log            zerolog.Logger
}

// CheckpointStore is the store surface the processor uses. Save failures are
// logged and swallowed; an unreadable checkpoint falls back to session
// history.
type CheckpointStore interface {
	Save(ctx context.Context, threadID string, st any, metadata map[string]any) (int64, error)
	LoadLatest(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error)
}

// Run starts the turn and returns its event stream. The channel always
// delivers exactly one terminal envelope (end, error, or cancelled) and is
// closed immediately after it.
func (p *Processor) Run(ctx context.Context, req Request) <-chan event.Envelope {
	out := make(chan event.Envelope, 32)
	go func() {
		defer close(out)
		p.run(ctx, req, out)
	}()
	return out
}

func (p *Processor) run(ctx context.Context, req Request, out chan<- event.Envelope) {
	trace := []string{StageStart, StageValidateInput}
	turnID := idgen.New()

	if err := validate(req); err != nil {
		out <- p.terminalMeta(event.Error(req.SessionID, "invalid_request", err), turnID, trace)
		return
	}
	req.Input = strings.TrimSpace(req.Input)
	if req.ThreadID == "" {
		req.ThreadID = req.SessionID
	}

	h, err := p.Streams.Register(ctx, req.SessionID, turnID)
	if err != nil {
		out <- p.terminalMeta(event.Error(req.SessionID, "session_busy", err), turnID, trace)
		return
	}
	hctx := h.Context()

	start := event.Start(req.SessionID, p.model(req))
	start.Metadata = map[string]any{"turn_id": turnID, "thread_id": req.ThreadID}
	emit(h, out, start)

	trace = append(trace, StageComposeMessages)
	messages := p.compose(hctx, req)
	userMsg := p.Sessions.Append(hctx, req.SessionID, session.RoleUser, req.Input, req.Options.Metadata)

	maxRounds := p.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 5
	}

	for round := 0; ; round++ {
		if round >= maxRounds {
			p.saveCheckpoint(req, messages, nil, "", StageInvokeLLM, turnID, stream.StatusErrored)
			p.Streams.Release(h, stream.StatusErrored)
			out <- p.terminalMeta(event.Error(req.SessionID, "tool_round_limit",
				&ValidationError{Field: "tool rounds", Reason: "limit exceeded"}), turnID, trace)
			return
		}
		trace = append(trace, StageInvokeLLM)

		chunks, err := p.LLM.Complete(hctx, llm.Request{
			Model:       p.model(req),
			Messages:    messages,
			Tools:       p.toolSchemas(),
			MaxTokens:   req.Options.MaxTokens,
			Temperature: req.Options.Temperature,
		})
		if err != nil {
			p.saveCheckpoint(req, messages, nil, "", StageInvokeLLM, turnID, stream.StatusErrored)
			p.Streams.Release(h, stream.StatusErrored)
			out <- p.terminalMeta(event.Error(req.SessionID, "provider_error", err), turnID, trace)
			return
		}

		acc := llm.NewAccumulator()
		var buf strings.Builder
	receive:
		for {
			select {
			case <-h.Done():
				p.finishCancelled(hctx, req, h, out, messages, acc, buf.String(), turnID, trace)
				return
			case chunk, ok := <-chunks:
				if !ok {
					break receive
				}
				if chunk.Err != nil {
					p.finishProviderError(hctx, req, h, out, messages, acc, buf.String(), chunk.Err, turnID, trace)
					return
				}
				if chunk.Text != "" {
					buf.WriteString(chunk.Text)
					emit(h, out, event.Delta(req.SessionID, chunk.Text))
				}
				for _, d := range chunk.ToolCalls {
					acc.Add(d)
				}
			}
		}
		if h.Cancelled() {
			p.finishCancelled(hctx, req, h, out, messages, acc, buf.String(), turnID, trace)
			return
		}

		if acc.Pending() {
			calls := acc.Finalize()
			emit(h, out, event.NewToolCalls(req.SessionID, toEventCalls(calls)))
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: buf.String(), ToolCalls: calls})

			trace = append(trace, StageExecuteTools)
			messages = p.executeTools(hctx, req, userMsg.ID, calls, messages)
			continue
		}

		trace = append(trace, StageFormatResponse, StageEnd)
		final := buf.String()
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: final})
		p.Sessions.Append(hctx, req.SessionID, session.RoleAssistant, final, nil)
		p.saveCheckpoint(req, messages, nil, "", StageEnd, turnID, stream.StatusCompleted)

		p.Streams.Release(h, stream.StatusCompleted)
		out <- p.terminalMeta(event.End(req.SessionID, final), turnID, trace)
		return
	}
}

func (p *Processor) finishCancelled(ctx context.Context, req Request, h *stream.Handle, out chan<- event.Envelope,
	messages []llm.Message, acc *llm.Accumulator, partial, turnID string, trace []string) {
	trace = append(trace, StageCancelled)
	if partial != "" {
		p.Sessions.Append(context.WithoutCancel(ctx), req.SessionID, session.RoleAssistant, partial,
			map[string]any{"incomplete": true})
	}
	p.saveCheckpoint(req, messages, acc.Snapshot(), partial, StageCancelled, turnID, stream.StatusCancelled)
	p.Streams.Release(h, stream.StatusCancelled)
	out <- p.terminalMeta(event.Cancelled(req.SessionID, partial), turnID, trace)
}

func (p *Processor) finishProviderError(ctx context.Context, req Request, h *stream.Handle, out chan<- event.Envelope,
	messages []llm.Message, acc *llm.Accumulator, partial string, cause error, turnID string, trace []string) {
	if partial != "" {
		p.Sessions.Append(context.WithoutCancel(ctx), req.SessionID, session.RoleAssistant, partial,
			map[string]any{"incomplete": true})
	}
	p.saveCheckpoint(req, messages, acc.Snapshot(), partial, StageInvokeLLM, turnID, stream.StatusErrored)
	p.Streams.Release(h, stream.StatusErrored)
	out <- p.terminalMeta(event.Error(req.SessionID, "provider_error", cause), turnID, trace)
}

// executeTools runs the batch and folds each outcome back into the
// transcript as a tool-role message. Failures are content, not turn errors.
func (p *Processor) executeTools(ctx context.Context, req Request, userMessageID string, calls []llm.ToolCall, messages []llm.Message) []llm.Message {
	batch := make([]tool.Call, len(calls))
	for i, call := range calls {
		batch[i] = tool.Call{ID: call.ID, Name: call.Name, Arguments: call.Arguments}
	}
	execs := p.Tools.ExecuteAll(ctx, batch)
	for _, exec := range execs {
		resultJSON, err := json.Marshal(exec.Result)
		if err != nil {
			resultJSON = []byte(`{"ok":false,"error":"unencodable tool result"}`)
		}
		p.Sessions.RecordToolCall(ctx, session.ToolCallRecord{
			CallID:    exec.CallID,
			SessionID: req.SessionID,
			MessageID: userMessageID,
			ToolName:  exec.Name,
			Params:    exec.Arguments,
			Result:    resultJSON,
			Duration:  exec.Duration,
		})
		messages = append(messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    string(resultJSON),
			ToolCallID: exec.CallID,
			Name:       exec.Name,
		})
	}
	return messages
}

// compose builds the model-visible transcript: the latest checkpoint's
// messages when one is readable, otherwise system prompt plus session
// history; then retrieved context, then the new user input.
func (p *Processor) compose(ctx context.Context, req Request) []llm.Message {
	var messages []llm.Message
	if cp, err := p.Checkpoints.LoadLatest(ctx, req.ThreadID); err != nil {
		p.Log.Warn().Str("thread_id", req.ThreadID).Err(err).Msg("checkpoint load failed, composing from history")
	} else if cp != nil {
		var st State
		if err := json.Unmarshal(cp.State, &st); err != nil {
			p.Log.Warn().Str("thread_id", req.ThreadID).Err(err).Msg("checkpoint state unreadable, composing from history")
		} else {
			messages = st.Messages
		}
	}
	if messages == nil {
		if p.SystemPrompt != "" {
			messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: p.SystemPrompt})
		}
		limit := p.HistoryLimit
		if limit <= 0 {
			limit = 50
		}
		for _, msg := range p.Sessions.History(ctx, req.SessionID, limit) {
			if msg.Role != session.RoleUser && msg.Role != session.RoleAssistant {
				continue
			}
			messages = append(messages, llm.Message{Role: msg.Role, Content: msg.Content})
		}
	}

	if p.Retriever != nil {
		limit := p.RetrievalLimit
		if limit <= 0 {
			limit = 3
		}
		snippets, err := p.Retriever.Retrieve(ctx, req.Input, req.SessionID, limit)
		if err != nil {
			p.Log.Warn().Str("session_id", req.SessionID).Err(err).Msg("retrieval failed, continuing without context")
		} else if len(snippets) > 0 {
			var b strings.Builder
			b.WriteString("Relevant context:")
			for _, s := range snippets {
				b.WriteString("\n- ")
				b.WriteString(s.Text)
			}
			messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: b.String()})
		}
	}

	return append(messages, llm.Message{Role: llm.RoleUser, Content: req.Input})
}

// saveCheckpoint is best effort: a failed save is logged and never changes
// the turn's outcome.
func (p *Processor) saveCheckpoint(req Request, messages []llm.Message, pending map[int]llm.PartialToolCall,
	buffer, nextStage, turnID, status string) {
	st := State{
		ThreadID:  req.ThreadID,
		SessionID: req.SessionID,
		Messages:  messages,
		Pending:   pending,
		Buffer:    buffer,
		NextStage: nextStage,
	}
	_, err := p.Checkpoints.Save(context.Background(), req.ThreadID, st,
		map[string]any{"turn_id": turnID, "status": status})
	if err != nil {
		p.Log.Warn().Str("thread_id", req.ThreadID).Str("turn_id", turnID).Err(err).
			Msg("checkpoint save failed")
	}
}

// emit delivers a non-terminal envelope. Once cancellation has been
// requested the send gives up instead of blocking, so a consumer that
// stopped draining cannot wedge the turn open. Terminal envelopes are sent
// after Release, so the registry slot is free even if they are never read.
func emit(h *stream.Handle, out chan<- event.Envelope, e event.Envelope) {
	select {
	case out <- e:
	case <-h.Done():
	}
}

func (p *Processor) terminalMeta(e event.Envelope, turnID string, trace []string) event.Envelope {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata["turn_id"] = turnID
	e.Metadata["stages"] = trace
	return e
}

func (p *Processor) model(req Request) string {
	if req.Options.Model != "" {
		return req.Options.Model
	}
	return p.Model
}

func (p *Processor) toolSchemas() []llm.ToolSchema {
	tools := p.Tools.List()
	if len(tools) == 0 {
		return nil
	}
	out := make([]llm.ToolSchema, 0, len(tools))
	for _, t := range tools {
		out = append(out, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return out
}

func validate(req Request) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return &ValidationError{Field: "session_id", Reason: "required"}
	}
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return &ValidationError{Field: "input", Reason: "must not be empty"}
	}
	if len(input) > maxInputBytes {
		return &ValidationError{Field: "input", Reason: "exceeds maximum length"}
	}
	if !utf8.ValidString(input) {
		return &ValidationError{Field: "input", Reason: "must be valid UTF-8"}
	}
	return nil
}

func toEventCalls(calls []llm.ToolCall) []event.ToolCall {
	out := make([]event.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = event.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}
