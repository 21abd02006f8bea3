// Package toolregistry implements the Tool Registry: a
// name-keyed mapping from a tool's schema to its dispatcher, merging builtin
// tools with the MCP pool's namespaced tools into one surface the Response
// Processor calls through uniformly. The Spec shape and handler-dispatch
// pattern follow this codebase's broader agent-runtime conventions, adapted
// from RPC-style dispatch to direct in-process dispatch since these tools
// run in the same process as the caller.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Dispatcher executes one tool call and returns its raw JSON result plus
// whether the result represents a tool-level error.
type Dispatcher func(ctx context.Context, args json.RawMessage) (result json.RawMessage, success bool, err error)

// Spec describes one registered tool's metadata and schema.
type Spec struct {
	// Name is the tool identifier as presented to the model (namespaced for
	// MCP tools, e.g. "mcp_web_search"; unqualified for builtins, e.g.
	// "read_file").
	Name string
	// Description is shown to the model in the tool catalog.
	Description string
	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema json.RawMessage
	// Source identifies where the tool came from: "builtin" or
	// "mcp:<qualified_name>".
	Source string
	// Tags carries optional metadata labels (policy, UI grouping).
	Tags []string
	// TerminatesRun marks a tool whose successful execution ends the run
	// immediately after its result is emitted, without a follow-up planner
	// turn. An explicit attribute rather than name-matching on "ask" or
	// "complete".
	TerminatesRun bool
}

// entry pairs a Spec with its compiled validator and dispatcher.
type entry struct {
	spec       Spec
	validator  *jsonschema.Schema
	dispatcher Dispatcher
}

// ErrUnknownTool is returned by Call/Get for a tool name with no registered
// entry.
var ErrUnknownTool = fmt.Errorf("toolregistry: unknown tool")

// Registry is the process-wide name -> {schema, dispatcher} table.
// Safe for concurrent use: builtins register once at startup, MCP tools are
// refreshed per run via ReplaceNamespace.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	// namespaces tracks which tool names belong to which MCP namespace, so
	// ReplaceNamespace can evict stale entries from a previous run without
	// touching builtins or other namespaces.
	namespaces map[string]map[string]struct{}
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		entries:    map[string]entry{},
		namespaces: map[string]map[string]struct{}{},
	}
}

// RegisterBuiltin adds a statically-known tool (source "builtin"). Returns
// an error if the schema fails to compile or the name is already taken by
// another builtin.
func (r *Registry) RegisterBuiltin(spec Spec, dispatcher Dispatcher) error {
	spec.Source = "builtin"
	r.mu.RLock()
	existing, taken := r.entries[spec.Name]
	r.mu.RUnlock()
	if taken && existing.spec.Source == "builtin" {
		return fmt.Errorf("toolregistry: builtin %s already registered", spec.Name)
	}
	return r.register(spec, dispatcher, "")
}

// ReplaceNamespace swaps all tools previously registered under namespace
// (an MCP qualified_name) for a new set, for the given run's MCP pool
// initialization. This keeps the registry correct across runs that
// configure different MCP servers without leaking stale tool names forward.
// The swap is not atomic: the old entries are evicted first and the new
// ones are then registered one at a time, so a concurrent reader can see the
// namespace empty or partly filled, and on an error the tools registered
// before it stay in place.
func (r *Registry) ReplaceNamespace(namespace string, specs []Spec, dispatchers map[string]Dispatcher) error {
	r.mu.Lock()
	for name := range r.namespaces[namespace] {
		delete(r.entries, name)
	}
	delete(r.namespaces, namespace)
	r.mu.Unlock()

	names := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		dispatcher, ok := dispatchers[spec.Name]
		if !ok {
			return fmt.Errorf("toolregistry: no dispatcher for %s", spec.Name)
		}
		if err := r.register(spec, dispatcher, namespace); err != nil {
			return err
		}
		names[spec.Name] = struct{}{}
	}
	r.mu.Lock()
	r.namespaces[namespace] = names
	r.mu.Unlock()
	return nil
}

func (r *Registry) register(spec Spec, dispatcher Dispatcher, namespace string) error {
	var validator *jsonschema.Schema
	if len(spec.InputSchema) > 0 {
		compiled, err := compileSchema(spec.Name, spec.InputSchema)
		if err != nil {
			return fmt.Errorf("toolregistry: compile schema for %s: %w", spec.Name, err)
		}
		validator = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[spec.Name] = entry{spec: spec, validator: validator, dispatcher: dispatcher}
	if namespace != "" {
		if r.namespaces[namespace] == nil {
			r.namespaces[namespace] = map[string]struct{}{}
		}
		r.namespaces[namespace][spec.Name] = struct{}{}
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	resourceName := "tool:" + name
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(resourceName)
}

// Get returns the Spec for name, or ErrUnknownTool.
func (r *Registry) Get(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return e.spec, nil
}

// List returns every registered Spec, builtins and current-namespace MCP
// tools alike.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.spec)
	}
	return out
}

// Validate checks args against the tool's input schema, returning a
// jsonschema.ValidationError-wrapping error on failure. Tools with no
// InputSchema accept any arguments.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if e.validator == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("toolregistry: decode arguments for %s: %w", name, err)
	}
	if err := e.validator.Validate(doc); err != nil {
		return fmt.Errorf("toolregistry: validate arguments for %s: %w", name, err)
	}
	return nil
}

// Call validates args and dispatches the named tool. Callers that already
// validated may skip re-validating by calling Dispatch directly.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, bool, error) {
	if err := r.Validate(name, args); err != nil {
		return nil, false, err
	}
	return r.Dispatch(ctx, name, args)
}

// Dispatch invokes the named tool's dispatcher without re-validating.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, bool, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return e.dispatcher(ctx, args)
}
