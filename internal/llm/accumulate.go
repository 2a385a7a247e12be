package llm

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/flitsinc/go-convo/internal/idgen"
)

// PartialToolCall is the in-flight accumulation state for one tool call,
// keyed by its ordinal index within the response. Arguments holds raw
// fragments concatenated in arrival order; nothing is parsed until the
// stream finalizes.
type PartialToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Accumulator reassembles tool calls from fragmented stream deltas. The
// upstream may split an argument string across any number of delta chunks;
// reconstruction only depends on arrival order per index, never on how the
// fragments were cut.
type Accumulator struct {
	calls map[int]*partial
}

type partial struct {
	id   string
	name string
	args strings.Builder
}

func NewAccumulator() *Accumulator {
	return &Accumulator{calls: map[int]*partial{}}
}

func (a *Accumulator) Add(d ToolCallDelta) {
	p := a.calls[d.Index]
	if p == nil {
		p = &partial{}
		a.calls[d.Index] = p
	}
	if d.ID != "" {
		p.id = d.ID
	}
	if d.Name != "" {
		p.name = d.Name
	}
	if d.Arguments != "" {
		p.args.WriteString(d.Arguments)
	}
}

func (a *Accumulator) Pending() bool {
	return len(a.calls) > 0
}

// Finalize parses the accumulated calls in index order and resets the
// accumulator. Empty argument strings become an empty JSON object; an
// invalid argument string is passed through as-is so the caller can turn it
// into an error-shaped tool result instead of aborting the turn.
func (a *Accumulator) Finalize() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		p := a.calls[i]
		args := strings.TrimSpace(p.args.String())
		if args == "" {
			args = "{}"
		}
		id := p.id
		if id == "" {
			id = idgen.New()
		}
		out = append(out, ToolCall{
			ID:        id,
			Name:      p.name,
			Arguments: json.RawMessage(args),
		})
	}
	a.calls = map[int]*partial{}
	return out
}

// Snapshot exports the in-flight state for checkpointing.
func (a *Accumulator) Snapshot() map[int]PartialToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	out := make(map[int]PartialToolCall, len(a.calls))
	for i, p := range a.calls {
		out[i] = PartialToolCall{ID: p.id, Name: p.name, Arguments: p.args.String()}
	}
	return out
}

// Restore rebuilds an accumulator from a checkpointed snapshot.
func Restore(snapshot map[int]PartialToolCall) *Accumulator {
	a := NewAccumulator()
	for i, p := range snapshot {
		a.Add(ToolCallDelta{Index: i, ID: p.ID, Name: p.Name, Arguments: p.Arguments})
	}
	return a
}
