package turn_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/checkpoint"
	"github.com/flitsinc/go-convo/internal/event"
	"github.com/flitsinc/go-convo/internal/llm"
	"github.com/flitsinc/go-convo/internal/retrieval"
	"github.com/flitsinc/go-convo/internal/session"
	"github.com/flitsinc/go-convo/internal/stream"
	"github.com/flitsinc/go-convo/internal/testutil"
	"github.com/flitsinc/go-convo/internal/tool"
	"github.com/flitsinc/go-convo/internal/turn"
)

// scriptedClient replays one chunk sequence per invocation and records every
// request it saw.
type scriptedClient struct {
	mu       sync.Mutex
	rounds   [][]llm.Chunk
	calls    int
	requests []llm.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	i := c.calls
	c.calls++
	c.mu.Unlock()
	if i >= len(c.rounds) {
		return nil, errors.New("no scripted response left")
	}
	ch := make(chan llm.Chunk, len(c.rounds[i]))
	for _, chunk := range c.rounds[i] {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) request(i int) llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

type env struct {
	proc   *turn.Processor
	store  *checkpoint.Store
	cache  *session.Cache
	stream *stream.Registry
	db     *sql.DB
}

func newEnv(t *testing.T, client llm.Client) *env {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)

	reg, err := tool.NewRegistry(tool.CalculatorTool(), tool.ClockTool())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	store := checkpoint.NewStore(db, zerolog.Nop())
	cache := session.NewCache(session.NewDurableStore(db), session.Config{}, zerolog.Nop())
	streams := stream.NewRegistry()

	return &env{
		proc: &turn.Processor{
			LLM:          client,
			Tools:        reg,
			Checkpoints:  store,
			Sessions:     cache,
			Streams:      streams,
			Model:        "gpt-4o-mini",
			SystemPrompt: "You are a helpful assistant.",
			Log:          zerolog.Nop(),
		},
		store:  store,
		cache:  cache,
		stream: streams,
		db:     db,
	}
}

func collect(t *testing.T, ch <-chan event.Envelope) []event.Envelope {
	t.Helper()
	var out []event.Envelope
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			t.Fatalf("timed out waiting for envelopes, got %d so far", len(out))
		}
	}
}

func terminals(envelopes []event.Envelope) []event.Envelope {
	var out []event.Envelope
	for _, e := range envelopes {
		if e.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

func TestCalculatorTurnEndToEnd(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.Chunk{
		{
			// Arguments fragmented across chunks, as providers stream them.
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "call-1", Name: "calculator", Arguments: `{"expr`}}},
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `ession":"2+2"}`}}},
			{FinishReason: llm.FinishToolCalls},
		},
		{
			{Text: "4"},
			{FinishReason: llm.FinishStop},
		},
	}}
	e := newEnv(t, client)
	ctx := context.Background()

	envelopes := collect(t, e.proc.Run(ctx, turn.Request{SessionID: "sess-1", Input: "what is 2+2"}))

	if envelopes[0].Type != event.TypeStart {
		t.Fatalf("expected start first, got %s", envelopes[0].Type)
	}
	term := terminals(envelopes)
	if len(term) != 1 {
		t.Fatalf("expected exactly one terminal envelope, got %d", len(term))
	}
	end := term[0]
	if end.Type != event.TypeEnd || end.Content != "4" {
		t.Fatalf("expected end with content 4, got %s %q", end.Type, end.Content)
	}
	if envelopes[len(envelopes)-1].ID != end.ID {
		t.Fatalf("terminal envelope must be last")
	}

	var toolCalls *event.Envelope
	for i := range envelopes {
		if envelopes[i].Type == event.TypeToolCalls {
			toolCalls = &envelopes[i]
		}
	}
	if toolCalls == nil || len(toolCalls.ToolCalls) != 1 {
		t.Fatalf("expected one tool_calls envelope with one call")
	}
	if toolCalls.ToolCalls[0].Name != "calculator" || string(toolCalls.ToolCalls[0].Arguments) != `{"expression":"2+2"}` {
		t.Fatalf("tool call not reassembled: %+v", toolCalls.ToolCalls[0])
	}

	stages, ok := end.Metadata["stages"].([]string)
	if !ok {
		t.Fatalf("expected stage trace on terminal metadata, got %T", end.Metadata["stages"])
	}
	want := []string{
		turn.StageStart, turn.StageValidateInput, turn.StageComposeMessages,
		turn.StageInvokeLLM, turn.StageExecuteTools, turn.StageInvokeLLM,
		turn.StageFormatResponse, turn.StageEnd,
	}
	if strings.Join(stages, ",") != strings.Join(want, ",") {
		t.Fatalf("stage trace mismatch:\n got %v\nwant %v", stages, want)
	}

	// The second invocation must carry the tool result back to the model.
	second := client.request(1)
	found := false
	for _, msg := range second.Messages {
		if msg.Role == llm.RoleTool && msg.ToolCallID == "call-1" && strings.Contains(msg.Content, `"4"`) {
			found = true
		}
	}
	if !found {
		t.Fatalf("tool result missing from follow-up request: %+v", second.Messages)
	}

	// Tool call record links back to the turn's user message.
	history := e.cache.History(ctx, "sess-1", 10)
	if len(history) != 2 || history[0].Role != session.RoleUser || history[1].Content != "4" {
		t.Fatalf("unexpected session history: %+v", history)
	}
	records, err := e.cache.ToolCalls(ctx, "sess-1", 10)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one tool call record, got %d (%v)", len(records), err)
	}
	if records[0].MessageID != history[0].ID {
		t.Fatalf("tool call record not linked to user message: %q vs %q", records[0].MessageID, history[0].ID)
	}

	// Checkpoint holds the full transcript through the final answer.
	cp, err := e.store.LoadLatest(ctx, "sess-1")
	if err != nil || cp == nil {
		t.Fatalf("expected checkpoint after turn: %v", err)
	}
	var st turn.State
	if err := json.Unmarshal(cp.State, &st); err != nil {
		t.Fatalf("decode checkpoint state: %v", err)
	}
	last := st.Messages[len(st.Messages)-1]
	if last.Role != llm.RoleAssistant || last.Content != "4" {
		t.Fatalf("checkpoint transcript incomplete: %+v", last)
	}
}

// blockingClient emits two fragments and then holds the stream open until
// its context is cancelled.
type blockingClient struct{}

func (c *blockingClient) Complete(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		ch <- llm.Chunk{Text: "Hel"}
		ch <- llm.Chunk{Text: "lo"}
		<-ctx.Done()
	}()
	return ch, nil
}

func TestCancelMidStreamEmitsOneCancelledTerminal(t *testing.T) {
	e := newEnv(t, &blockingClient{})
	ctx := context.Background()

	ch := e.proc.Run(ctx, turn.Request{SessionID: "sess-1", Input: "say hello slowly"})

	var envelopes []event.Envelope
	deltas := 0
	deadline := time.After(5 * time.Second)
	for deltas < 2 {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before two deltas")
			}
			envelopes = append(envelopes, ev)
			if ev.Type == event.TypeDelta {
				deltas++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for deltas")
		}
	}

	if !e.stream.Cancel("sess-1") {
		t.Fatalf("expected a live turn to cancel")
	}
	envelopes = append(envelopes, collect(t, ch)...)

	term := terminals(envelopes)
	if len(term) != 1 {
		t.Fatalf("expected exactly one terminal envelope, got %d", len(term))
	}
	cancelled := term[0]
	if cancelled.Type != event.TypeCancelled {
		t.Fatalf("expected cancelled terminal, got %s", cancelled.Type)
	}
	if cancelled.Content != "Hello" {
		t.Fatalf("expected partial content preserved, got %q", cancelled.Content)
	}
	if envelopes[len(envelopes)-1].ID != cancelled.ID {
		t.Fatalf("terminal envelope must be last")
	}

	history := e.cache.History(ctx, "sess-1", 10)
	if len(history) != 2 {
		t.Fatalf("expected user + partial assistant message, got %d", len(history))
	}
	partial := history[1]
	if partial.Role != session.RoleAssistant || partial.Content != "Hello" {
		t.Fatalf("partial message not persisted: %+v", partial)
	}
	if partial.Metadata["incomplete"] != true {
		t.Fatalf("partial message not tagged incomplete: %+v", partial.Metadata)
	}

	// The registry slot is free again.
	if _, err := e.stream.Register(ctx, "sess-1", "turn-next"); err != nil {
		t.Fatalf("expected session released after cancel: %v", err)
	}
}

// floodClient streams an unbounded run of fragments until its context is
// cancelled.
type floodClient struct {
	chunks int
}

func (c *floodClient) Complete(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for i := 0; i < c.chunks; i++ {
			select {
			case ch <- llm.Chunk{Text: "x"}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func TestAbandonedConsumerDoesNotWedgeSessionAfterCancel(t *testing.T) {
	e := newEnv(t, &floodClient{chunks: 100})
	ctx := context.Background()

	// Start a turn and never read its envelope channel.
	_ = e.proc.Run(ctx, turn.Request{SessionID: "sess-1", Input: "flood"})

	deadline := time.After(5 * time.Second)
	for e.stream.Lookup("sess-1") == nil {
		select {
		case <-deadline:
			t.Fatalf("turn never registered")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if !e.stream.Cancel("sess-1") {
		t.Fatalf("expected a live turn to cancel")
	}

	// The registry slot must free even though the envelope channel is full
	// and nobody will ever drain it.
	for {
		h, err := e.stream.Register(ctx, "sess-1", "turn-next")
		if err == nil {
			e.stream.Release(h, stream.StatusCompleted)
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session still busy after cancel: %v", err)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestProviderErrorMidStreamPreservesPartial(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.Chunk{
		{{Text: "par"}, {Text: "tial"}, {Err: errors.New("upstream connection reset")}},
	}}
	e := newEnv(t, client)
	ctx := context.Background()

	envelopes := collect(t, e.proc.Run(ctx, turn.Request{SessionID: "sess-1", Input: "hi"}))

	deltas := 0
	for _, ev := range envelopes {
		if ev.Type == event.TypeDelta {
			deltas++
		}
	}
	if deltas != 2 {
		t.Fatalf("expected both fragments streamed before the failure, got %d deltas", deltas)
	}
	term := terminals(envelopes)
	if len(term) != 1 || term[0].Type != event.TypeError || term[0].ErrorCode != "provider_error" {
		t.Fatalf("expected one provider_error terminal, got %+v", term)
	}

	history := e.cache.History(ctx, "sess-1", 10)
	if len(history) != 2 {
		t.Fatalf("expected user + partial assistant message, got %d", len(history))
	}
	partial := history[1]
	if partial.Role != session.RoleAssistant || partial.Content != "partial" {
		t.Fatalf("partial output not preserved: %+v", partial)
	}
	if partial.Metadata["incomplete"] != true {
		t.Fatalf("partial message not tagged incomplete: %+v", partial.Metadata)
	}

	if _, err := e.stream.Register(ctx, "sess-1", "turn-next"); err != nil {
		t.Fatalf("expected session released after mid-stream failure: %v", err)
	}
}

func TestValidationFailuresAreErrorTerminals(t *testing.T) {
	e := newEnv(t, &scriptedClient{})

	cases := []turn.Request{
		{SessionID: "", Input: "hi"},
		{SessionID: "sess-1", Input: "   "},
		{SessionID: "sess-1", Input: strings.Repeat("x", 64*1024+1)},
	}
	for _, req := range cases {
		envelopes := collect(t, e.proc.Run(context.Background(), req))
		if len(envelopes) != 1 {
			t.Fatalf("expected only the error envelope, got %d", len(envelopes))
		}
		if envelopes[0].Type != event.TypeError || envelopes[0].ErrorCode != "invalid_request" {
			t.Fatalf("expected invalid_request error, got %+v", envelopes[0])
		}
	}
}

func TestProviderFailureIsErrorTerminal(t *testing.T) {
	e := newEnv(t, &scriptedClient{}) // no rounds: Complete fails immediately
	envelopes := collect(t, e.proc.Run(context.Background(), turn.Request{SessionID: "sess-1", Input: "hi"}))

	term := terminals(envelopes)
	if len(term) != 1 || term[0].Type != event.TypeError || term[0].ErrorCode != "provider_error" {
		t.Fatalf("expected one provider_error terminal, got %+v", term)
	}
	// The session must be usable again afterwards.
	if _, err := e.stream.Register(context.Background(), "sess-1", "turn-next"); err != nil {
		t.Fatalf("expected session released after provider failure: %v", err)
	}
}

func TestCorruptCheckpointStartsFreshTurn(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.Chunk{
		{{Text: "hello"}, {FinishReason: llm.FinishStop}},
	}}
	e := newEnv(t, client)
	ctx := context.Background()

	// A previous deployment left an unreadable blob behind.
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_id, state, metadata, created_at)
		VALUES ('sess-1', 1, 'not json at all', NULL, '2026-01-01T00:00:00Z')
	`)
	if err != nil {
		t.Fatalf("insert corrupt checkpoint: %v", err)
	}

	envelopes := collect(t, e.proc.Run(ctx, turn.Request{SessionID: "sess-1", Input: "hi"}))
	term := terminals(envelopes)
	if len(term) != 1 || term[0].Type != event.TypeEnd || term[0].Content != "hello" {
		t.Fatalf("expected clean end despite unreadable checkpoint, got %+v", term)
	}
}

func TestSecondTurnOnBusySessionRejected(t *testing.T) {
	e := newEnv(t, &blockingClient{})
	ctx := context.Background()

	ch := e.proc.Run(ctx, turn.Request{SessionID: "sess-1", Input: "first"})
	// Wait for the first turn to actually register.
	deadline := time.After(5 * time.Second)
	for e.stream.Lookup("sess-1") == nil {
		select {
		case <-deadline:
			t.Fatalf("first turn never registered")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	envelopes := collect(t, e.proc.Run(ctx, turn.Request{SessionID: "sess-1", Input: "second"}))
	if len(envelopes) != 1 || envelopes[0].ErrorCode != "session_busy" {
		t.Fatalf("expected session_busy error, got %+v", envelopes)
	}

	e.stream.Cancel("sess-1")
	collect(t, ch)
}

func TestRetrievedContextInjectedBeforeUserMessage(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.Chunk{
		{{Text: "ok"}, {FinishReason: llm.FinishStop}},
	}}
	e := newEnv(t, client)
	mem := retrieval.NewMemory()
	mem.Add("The calculator tool evaluates arithmetic expressions.", "notes")
	e.proc.Retriever = mem

	collect(t, e.proc.Run(context.Background(), turn.Request{SessionID: "sess-1", Input: "tell me about the calculator tool"}))

	req := client.request(0)
	n := len(req.Messages)
	if n < 3 {
		t.Fatalf("expected system + context + user, got %d messages", n)
	}
	if req.Messages[n-1].Role != llm.RoleUser {
		t.Fatalf("user input must be last, got %s", req.Messages[n-1].Role)
	}
	ctxMsg := req.Messages[n-2]
	if ctxMsg.Role != llm.RoleSystem || !strings.Contains(ctxMsg.Content, "calculator tool evaluates") {
		t.Fatalf("retrieved context not injected before user message: %+v", ctxMsg)
	}
}
