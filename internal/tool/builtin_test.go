package tool

import (
	"context"
	"encoding/json"
	"testing"
)

func TestCalculatorExpressions(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"2+2", "4"},
		{"2 + 3 * 4", "14"},
		{"(2 + 3) * 4", "20"},
		{"10 / 4", "2.5"},
		{"-3 + 5", "2"},
		{"2 * (1 + (2 - 3))", "0"},
	}
	calc := CalculatorTool()
	for _, tc := range cases {
		args, _ := json.Marshal(CalculatorParams{Expression: tc.expr})
		result := calc.Execute(context.Background(), args)
		if !result.OK {
			t.Fatalf("%s: unexpected failure: %s", tc.expr, result.Error)
		}
		data := result.Data.(map[string]any)
		if data["result"] != tc.want {
			t.Fatalf("%s: expected %s, got %v", tc.expr, tc.want, data["result"])
		}
	}
}

func TestCalculatorRejectsBadExpressions(t *testing.T) {
	calc := CalculatorTool()
	for _, expr := range []string{"", "2+", "1/0", "(1+2", "2**3", "hello"} {
		args, _ := json.Marshal(CalculatorParams{Expression: expr})
		result := calc.Execute(context.Background(), args)
		if result.OK {
			t.Fatalf("expected failure for %q", expr)
		}
	}
}

func TestClockDefaultsToUTC(t *testing.T) {
	clock := ClockTool()
	result := clock.Execute(context.Background(), json.RawMessage(`{}`))
	if !result.OK {
		t.Fatalf("unexpected failure: %s", result.Error)
	}
	data := result.Data.(map[string]any)
	if data["timezone"] != "UTC" {
		t.Fatalf("expected UTC default, got %v", data["timezone"])
	}

	result = clock.Execute(context.Background(), json.RawMessage(`{"timezone":"Not/AZone"}`))
	if result.OK {
		t.Fatalf("expected failure for unknown timezone")
	}
}
