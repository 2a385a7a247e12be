package llm

import (
	"encoding/json"
	"reflect"
	"testing"
)

func splitIntoChunks(s string, n int) []string {
	if n <= 1 || len(s) <= 1 {
		return []string{s}
	}
	if n > len(s) {
		n = len(s)
	}
	size := len(s) / n
	var out []string
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[i:end])
	}
	return out
}

func TestAccumulatorFragmentationInvariance(t *testing.T) {
	args := `{"expression":"2+2","precision":10,"note":"split me anywhere"}`

	var want map[string]any
	if err := json.Unmarshal([]byte(args), &want); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}

	for _, n := range []int{1, 2, 3, 7, len(args)} {
		acc := NewAccumulator()
		acc.Add(ToolCallDelta{Index: 0, ID: "call-1", Name: "calculator"})
		for _, frag := range splitIntoChunks(args, n) {
			acc.Add(ToolCallDelta{Index: 0, Arguments: frag})
		}

		calls := acc.Finalize()
		if len(calls) != 1 {
			t.Fatalf("n=%d: expected 1 call, got %d", n, len(calls))
		}
		if calls[0].ID != "call-1" || calls[0].Name != "calculator" {
			t.Fatalf("n=%d: identity lost: %+v", n, calls[0])
		}
		var got map[string]any
		if err := json.Unmarshal(calls[0].Arguments, &got); err != nil {
			t.Fatalf("n=%d: reassembled arguments unparseable: %v", n, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("n=%d: expected %v, got %v", n, want, got)
		}
	}
}

func TestAccumulatorMultipleCallsKeyedByIndex(t *testing.T) {
	acc := NewAccumulator()
	// Interleaved fragments for two parallel calls.
	acc.Add(ToolCallDelta{Index: 0, ID: "call-a", Name: "calculator"})
	acc.Add(ToolCallDelta{Index: 1, ID: "call-b", Name: "clock"})
	acc.Add(ToolCallDelta{Index: 0, Arguments: `{"expres`})
	acc.Add(ToolCallDelta{Index: 1, Arguments: `{"timezone"`})
	acc.Add(ToolCallDelta{Index: 0, Arguments: `sion":"1+1"}`})
	acc.Add(ToolCallDelta{Index: 1, Arguments: `:"UTC"}`})

	calls := acc.Finalize()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID != "call-a" || string(calls[0].Arguments) != `{"expression":"1+1"}` {
		t.Fatalf("call 0 mismatch: %+v", calls[0])
	}
	if calls[1].ID != "call-b" || string(calls[1].Arguments) != `{"timezone":"UTC"}` {
		t.Fatalf("call 1 mismatch: %+v", calls[1])
	}
}

func TestAccumulatorEmptyArgumentsBecomeEmptyObject(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(ToolCallDelta{Index: 0, ID: "call-1", Name: "clock"})
	calls := acc.Finalize()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if string(calls[0].Arguments) != "{}" {
		t.Fatalf("expected empty object, got %q", calls[0].Arguments)
	}
	if acc.Pending() {
		t.Fatalf("expected accumulator reset after finalize")
	}
}

func TestAccumulatorSnapshotRestoreRoundTrip(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(ToolCallDelta{Index: 0, ID: "call-1", Name: "calculator", Arguments: `{"expr`})
	acc.Add(ToolCallDelta{Index: 0, Arguments: `ession":`})

	snapshot := acc.Snapshot()
	restored := Restore(snapshot)
	restored.Add(ToolCallDelta{Index: 0, Arguments: `"2+2"}`})

	calls := restored.Finalize()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if string(calls[0].Arguments) != `{"expression":"2+2"}` {
		t.Fatalf("restored accumulation broken: %q", calls[0].Arguments)
	}
}
