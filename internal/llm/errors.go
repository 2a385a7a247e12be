package llm

import "fmt"

// ProviderError wraps an upstream LLM failure with enough classification for
// the caller's retry policy.
type ProviderError struct {
	Status    int
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm provider error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("llm provider error: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
