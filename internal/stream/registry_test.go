package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/flitsinc/go-convo/internal/stream"
)

func TestRegisterOnePerSession(t *testing.T) {
	reg := stream.NewRegistry()
	ctx := context.Background()

	h, err := reg.Register(ctx, "sess-1", "turn-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Register(ctx, "sess-1", "turn-2"); err == nil {
		t.Fatalf("expected second registration on same session to fail")
	}
	if _, err := reg.Register(ctx, "sess-2", "turn-3"); err != nil {
		t.Fatalf("other session must be independent: %v", err)
	}

	reg.Release(h, stream.StatusCompleted)
	if _, err := reg.Register(ctx, "sess-1", "turn-4"); err != nil {
		t.Fatalf("register after release: %v", err)
	}
}

func TestCancelSetsFlagAndClosesDone(t *testing.T) {
	reg := stream.NewRegistry()
	h, err := reg.Register(context.Background(), "sess-1", "turn-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if h.Cancelled() {
		t.Fatalf("fresh handle must not be cancelled")
	}

	if !reg.Cancel("sess-1") {
		t.Fatalf("expected cancel to find the live turn")
	}
	if !h.Cancelled() {
		t.Fatalf("expected cancelled flag set")
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected Done closed after cancel")
	}

	// Second cancel on the same live turn is still true; it is live.
	if !reg.Cancel("sess-1") {
		t.Fatalf("cancel while still live should report true")
	}
}

func TestCancelUnknownOrFinishedReturnsFalse(t *testing.T) {
	reg := stream.NewRegistry()
	if reg.Cancel("never-seen") {
		t.Fatalf("unknown session must report false")
	}

	h, err := reg.Register(context.Background(), "sess-1", "turn-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Release(h, stream.StatusCompleted)
	if reg.Cancel("sess-1") {
		t.Fatalf("finished turn must report false")
	}
}

func TestStatusTransitions(t *testing.T) {
	reg := stream.NewRegistry()
	if _, ok := reg.Status("sess-1"); ok {
		t.Fatalf("unknown session has no status")
	}

	h, err := reg.Register(context.Background(), "sess-1", "turn-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if status, ok := reg.Status("sess-1"); !ok || status != stream.StatusRunning {
		t.Fatalf("expected running, got %q", status)
	}

	reg.Cancel("sess-1")
	if status, _ := reg.Status("sess-1"); status != stream.StatusCancelled {
		t.Fatalf("expected cancelled while winding down, got %q", status)
	}

	reg.Release(h, stream.StatusCancelled)
	if status, _ := reg.Status("sess-1"); status != stream.StatusCancelled {
		t.Fatalf("expected terminal cancelled, got %q", status)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected no live turns, got %d", reg.Len())
	}
}

func TestHandleContextInheritsParentCancellation(t *testing.T) {
	reg := stream.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	h, err := reg.Register(ctx, "sess-1", "turn-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	cancel()
	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatalf("expected handle context cancelled with parent")
	}
	// Parent cancellation is not a client cancel request.
	if h.Cancelled() {
		t.Fatalf("parent cancellation must not set the client-cancel flag")
	}
}
