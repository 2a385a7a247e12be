package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"
)

// Call is one finalized tool invocation request routed to the registry.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Execution pairs a call with its outcome and measured duration.
type Execution struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
	Result    Result
	Duration  time.Duration
}

// Registry resolves tools by name and validates arguments against each
// tool's parameter schema before execution. It is an explicit object passed
// by reference, never a package-level singleton.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	validator map[string]*jsonschema.Schema
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:     map[string]Tool{},
		validator: map[string]*jsonschema.Schema{},
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(t.Schema()))); err != nil {
		return fmt.Errorf("add schema for %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	r.tools[name] = t
	r.validator[name] = compiled
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Execute runs one call. Every failure mode (unknown tool, invalid
// arguments, schema violation, handler panic) lands in the Result.
func (r *Registry) Execute(ctx context.Context, call Call) Execution {
	exec := Execution{CallID: call.ID, Name: call.Name, Arguments: call.Arguments}

	r.mu.RLock()
	t, ok := r.tools[call.Name]
	validator := r.validator[call.Name]
	r.mu.RUnlock()
	if !ok {
		exec.Result = Errorf("unknown tool %q", call.Name)
		return exec
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		exec.Result = Errorf("arguments for %s are not valid JSON: %v", call.Name, err)
		return exec
	}
	if err := validator.Validate(decoded); err != nil {
		exec.Result = Errorf("arguments for %s rejected by schema: %v", call.Name, err)
		return exec
	}

	started := time.Now()
	exec.Result = t.Execute(ctx, args)
	exec.Duration = time.Since(started)
	return exec
}

// ExecuteAll runs a batch. Sequential by default because later model
// reasoning may depend on earlier results; concurrent only when every call's
// tool reports itself independent.
func (r *Registry) ExecuteAll(ctx context.Context, calls []Call) []Execution {
	out := make([]Execution, len(calls))
	if len(calls) > 1 && r.allIndependent(calls) {
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			i, call := i, call
			g.Go(func() error {
				out[i] = r.Execute(gctx, call)
				return nil
			})
		}
		_ = g.Wait()
		return out
	}
	for i, call := range calls {
		out[i] = r.Execute(ctx, call)
	}
	return out
}

func (r *Registry) allIndependent(calls []Call) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, call := range calls {
		t, ok := r.tools[call.Name]
		if !ok {
			return false
		}
		ind, ok := t.(Independent)
		if !ok || !ind.Independent() {
			return false
		}
	}
	return true
}
