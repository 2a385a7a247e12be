package retrieval_test

import (
	"context"
	"testing"

	"github.com/flitsinc/go-convo/internal/retrieval"
)

func TestRetrieveRanksByOverlap(t *testing.T) {
	mem := retrieval.NewMemory()
	mem.Add("The calculator tool evaluates arithmetic expressions.", "notes/calculator")
	mem.Add("The clock tool reports the current time in a timezone.", "notes/clock")
	mem.Add("Sessions expire from the memory tier after the idle TTL.", "notes/sessions")

	got, err := mem.Retrieve(context.Background(), "how does the calculator tool work", "sess-1", 2)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) == 0 {
		t.Fatalf("expected at least one snippet")
	}
	if got[0].Source != "notes/calculator" {
		t.Fatalf("expected calculator doc ranked first, got %q", got[0].Source)
	}
	if len(got) > 2 {
		t.Fatalf("limit not respected: %d", len(got))
	}
	if got[0].Score <= 0 || got[0].Score > 1 {
		t.Fatalf("score out of range: %f", got[0].Score)
	}
}

func TestRetrieveNoMatchesIsEmptyNotError(t *testing.T) {
	mem := retrieval.NewMemory()
	mem.Add("The calculator tool evaluates arithmetic expressions.", "notes/calculator")

	got, err := mem.Retrieve(context.Background(), "zzzzz qqqqq", "sess-1", 3)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no snippets, got %+v", got)
	}
}

func TestRetrieveEmptyQuery(t *testing.T) {
	mem := retrieval.NewMemory()
	mem.Add("anything", "src")

	got, err := mem.Retrieve(context.Background(), "", "sess-1", 3)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for empty query, got %+v", got)
	}
}
