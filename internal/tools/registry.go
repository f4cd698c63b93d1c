package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relaykit/agentcore/internal/envelope"
)

// Actor is the per-tool contract from §4.4: a stable name, an advertised
// definition, pre-execution argument validation, a sandbox requirement
// flag, a timeout, and the execution itself.
type Actor interface {
	Name() string
	Definition() envelope.ToolDefinition
	ValidateArgs(args json.RawMessage) error
	RequiresSandbox() bool
	Timeout() time.Duration
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry maintains the catalog of registered tool actors and their
// compiled input schemas. Grounded on the teacher's ToolRegistry, with
// schema compilation (santhosh-tekuri/jsonschema/v5) added at registration
// time so malformed schemas fail fast instead of at first dispatch.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Actor
	schemas map[string]*jsonschema.Schema
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Actor),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool actor, compiling its advertised input schema. A
// schema compile failure rejects registration outright: the teacher's
// registry defers that cost to first call, but a bad schema can never
// validate any arguments, so there is no reason to accept the tool.
func (r *Registry) Register(actor Actor) error {
	if actor == nil {
		return fmt.Errorf("tools: cannot register nil actor")
	}
	name := actor.Name()
	if name == "" {
		return fmt.Errorf("tools: actor has empty name")
	}

	def := actor.Definition()
	schemaJSON := def.InputSchema
	if len(schemaJSON) == 0 {
		schemaJSON = json.RawMessage(`{"type":"object"}`)
	}

	compiled, err := compileSchema(name, schemaJSON)
	if err != nil {
		return fmt.Errorf("tools: compiling schema for %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = actor
	r.schemas[name] = compiled
	return nil
}

func compileSchema(name string, schemaJSON json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	resourceName := "tool:" + name
	if err := compiler.AddResource(resourceName, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile(resourceName)
}

// Unregister removes a tool actor by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns the registered actor for name, if any.
func (r *Registry) Get(name string) (Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.tools[name]
	return a, ok
}

// ValidateArgs validates args against the compiled schema for name and, once
// the schema passes, always runs the actor's own ValidateArgs for checks a
// JSON schema cannot express (cross-field invariants, external state).
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	actor, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return NewError(ErrNotFound, name, "tool not registered", nil)
	}

	if schema != nil {
		var decoded any
		raw := args
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return NewError(ErrValidation, name, "arguments are not valid JSON: "+err.Error(), err)
		}
		if err := schema.Validate(decoded); err != nil {
			return NewError(ErrValidation, name, "arguments failed schema validation: "+err.Error(), err)
		}
	}

	if err := actor.ValidateArgs(args); err != nil {
		return NewError(ErrValidation, name, err.Error(), err)
	}
	return nil
}

// Definitions returns every registered tool's advertised definition, in the
// shape the prompt loop hands to the LLM provider.
func (r *Registry) Definitions() []envelope.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]envelope.ToolDefinition, 0, len(r.tools))
	for _, a := range r.tools {
		defs = append(defs, a.Definition())
	}
	return defs
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
