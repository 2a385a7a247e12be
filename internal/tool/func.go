package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

type funcTool[P any] struct {
	name        string
	description string
	schema      json.RawMessage
	independent bool
	fn          func(ctx context.Context, p P) Result
}

// Func builds a Tool from a typed handler, reflecting the parameter struct
// into a JSON Schema.
func Func[P any](name, description string, fn func(ctx context.Context, p P) Result) Tool {
	return &funcTool[P]{
		name:        name,
		description: description,
		schema:      reflectSchema[P](),
		fn:          fn,
	}
}

// IndependentFunc is Func for tools whose calls never depend on the results
// of other calls in the same batch.
func IndependentFunc[P any](name, description string, fn func(ctx context.Context, p P) Result) Tool {
	t := Func(name, description, fn).(*funcTool[P])
	t.independent = true
	return t
}

func (t *funcTool[P]) Name() string            { return t.name }
func (t *funcTool[P]) Description() string     { return t.description }
func (t *funcTool[P]) Schema() json.RawMessage { return t.schema }
func (t *funcTool[P]) Independent() bool       { return t.independent }

func (t *funcTool[P]) Execute(ctx context.Context, args json.RawMessage) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Errorf("tool %s panicked: %v", t.name, r)
		}
	}()

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var p P
	if err := json.Unmarshal(args, &p); err != nil {
		return Errorf("invalid arguments for %s: %v", t.name, err)
	}
	return t.fn(ctx, p)
}

func reflectSchema[P any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var p P
	schema := reflector.Reflect(&p)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("reflect tool schema: %v", err))
	}
	return data
}
