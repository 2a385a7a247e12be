package turn

import "fmt"

// ValidationError rejects a turn request before any model work happens. It
// always produces an error-typed terminal event, never a panic.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
