package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI streams chat completions through the OpenAI API. Stream creation is
// retried once with backoff on retryable failures; mid-stream errors are
// surfaced to the caller as the final Chunk.
type OpenAI struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

func NewOpenAI(apiKey string) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	return &OpenAI{
		client:     openai.NewClient(apiKey),
		maxRetries: 2,
		retryDelay: time.Second,
	}, nil
}

func (c *OpenAI) Complete(ctx context.Context, req Request) (<-chan Chunk, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
	}
	applyMaxTokens(&chatReq, req.Model, req.MaxTokens)
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = c.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		perr := classify(lastErr)
		if !perr.Retryable {
			return nil, perr
		}
	}
	if lastErr != nil {
		return nil, classify(lastErr)
	}

	out := make(chan Chunk)
	go c.pump(ctx, stream, out)
	return out, nil
}

func (c *OpenAI) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Chunk) {
	defer close(out)
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			send(ctx, out, Chunk{Err: classify(err)})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		chunk := Chunk{
			Text:         choice.Delta.Content,
			FinishReason: string(choice.FinishReason),
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
				Index:     index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if chunk.Text == "" && len(chunk.ToolCalls) == 0 && chunk.FinishReason == "" {
			continue
		}
		if !send(ctx, out, chunk) {
			return
		}
	}
}

func send(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// applyMaxTokens normalizes the output-length parameter: reasoning model
// families reject max_tokens and take max_completion_tokens instead.
func applyMaxTokens(req *openai.ChatCompletionRequest, model string, max int) {
	if max <= 0 {
		return
	}
	if usesCompletionTokens(model) {
		req.MaxCompletionTokens = max
		return
	}
	req.MaxTokens = max
}

func usesCompletionTokens(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(schemas []ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}

func classify(err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		retryable := apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
		return &ProviderError{Status: apiErr.HTTPStatusCode, Retryable: retryable, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		retryable := reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
		return &ProviderError{Status: reqErr.HTTPStatusCode, Retryable: retryable, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Retryable: false, Err: err}
	}
	// Network-level failures without an HTTP status are worth one retry.
	return &ProviderError{Retryable: true, Err: err}
}
