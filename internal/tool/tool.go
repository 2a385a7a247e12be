package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// Result is the outcome of one tool execution. Failures are values, never
// panics or returned errors: a failed Result flows back into the
// conversation as content for the next model invocation.
type Result struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func Success(data any) Result {
	return Result{OK: true, Data: data}
}

func Errorf(format string, args ...any) Result {
	return Result{OK: false, Error: fmt.Sprintf(format, args...)}
}

func Error(err error) Result {
	if err == nil {
		return Result{OK: false, Error: "unknown error"}
	}
	return Result{OK: false, Error: err.Error()}
}

// Tool is one named capability the model can invoke. Schema returns the JSON
// Schema for the tool's parameters; Execute must capture every internal
// failure into the Result.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) Result
}

// Independent optionally marks a tool as safe to execute concurrently with
// other tools in the same batch. Calls stay sequential unless every call in
// the batch is independent.
type Independent interface {
	Independent() bool
}
