// Package tools defines the capability registry the agent calls into:
// named tools with a JSON-schema parameter contract and a handler.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes a tool call. args has already been validated
// against the tool's parameter schema.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable capability. A Tool is immutable once
// registered.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	schema *jsonschema.Schema
}

// Registry holds available tools. Registration happens at startup;
// lookups and execution are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Duplicate names and parameter schemas that do
// not compile are rejected.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: handler is required", t.Name)
	}

	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	schema, err := compileSchema("tools/"+t.Name, params)
	if err != nil {
		return fmt.Errorf("register tool %q: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool %q: already registered", t.Name)
	}
	r.tools[t.Name] = &Tool{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  params,
		Handler:     t.Handler,
		schema:      schema,
	}
	return nil
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool list in the function-calling format the
// LLM clients accept, sorted by name so prompts are stable.
func (r *Registry) Definitions() []map[string]any {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return defs
}

// Execute validates args against the tool's schema and runs its
// handler. It returns *ErrToolUnavailable for unknown names,
// *InvalidArgumentsError for schema violations, and *ExecutionError
// when the handler fails or panics.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result string, err error) {
	t := r.Get(name)
	if t == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := validateArgs(t.schema, args); err != nil {
		return "", &InvalidArgumentsError{ToolName: name, Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			err = &ExecutionError{ToolName: name, Err: fmt.Errorf("panic: %v\n%s", p, debug.Stack())}
		}
	}()

	out, err := t.Handler(ctx, args)
	if err != nil {
		return "", &ExecutionError{ToolName: name, Err: err}
	}
	return out, nil
}

// compileSchema compiles a JSON schema expressed as Go values. name
// only has to be unique within one compiler.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	url := "https://sidekick.invalid/schemas/" + name + ".json"
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateArgs round-trips args through JSON so the validator sees the
// same number and slice types a decoder would produce.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not JSON-encodable: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

// CompileSchema is exported for packages that validate model output
// against a schema outside of tool calls.
func CompileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	return compileSchema(name, doc)
}

// ValidateJSON checks raw JSON against a compiled schema.
func ValidateJSON(schema *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
