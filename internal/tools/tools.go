// Package tools implements the tool registry and dispatch boundary:
// mapping a tool name to a handler plus an advertised JSON Schema, and
// invoking handlers with a shared per-request context.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	gjsonschema "github.com/google/jsonschema-go/jsonschema"

	"github.com/wharflab/mcplsp/internal/doctracker"
	"github.com/wharflab/mcplsp/internal/lspclient"
	"github.com/wharflab/mcplsp/internal/policy"
)

// ErrUnknownTool is returned by Dispatch when no tool is registered
// under the requested name.
var ErrUnknownTool = errors.New("tools: unknown tool")

// ErrAlreadyRegistered is returned by Register for a duplicate name.
var ErrAlreadyRegistered = errors.New("tools: tool already registered")

// ErrInvalidArguments is a non-transient dispatch error: the call's
// arguments failed schema validation.
var ErrInvalidArguments = errors.New("tools: arguments failed schema validation")

// ToolContext is the shared state a handler needs: the LSP client and
// document tracker for the current south-side session, the policy
// gate, and the workspace identity. One ToolContext is handed to
// NewDispatcher and shared by every call; handlers must not retain it
// past their call.
type ToolContext struct {
	LSP    *lspclient.Client
	Docs   *doctracker.Tracker
	Policy *policy.Gate

	WorkspaceRoot string
	WorkspaceURI  string
}

// Handler is a pure function of (context, arguments) returning owned
// text or a tagged error. Handlers never write to North/South
// transports directly; they go through ToolContext's collaborators.
type Handler func(ctx context.Context, tc *ToolContext, arguments map[string]any) (string, error)

// Info is the advertised shape of a tool, as returned by List.
type Info struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Definition is what Register needs to add a tool to the registry.
type Definition struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     Handler
}

type registeredTool struct {
	def      Definition
	resolved *gjsonschema.Resolved
}

// Registry is a name -> {handler, schema} map. It is safe for
// concurrent use, though in this design only the main thread ever
// calls Dispatch.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register compiles def's schema and inserts it under def.Name.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("tools: definition has empty name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tools: %s: handler is nil", def.Name)
	}

	resolved, err := compileSchema(def.Schema)
	if err != nil {
		return fmt.Errorf("tools: %s: compile schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, def.Name)
	}
	r.tools[def.Name] = &registeredTool{def: def, resolved: resolved}
	return nil
}

func compileSchema(schema map[string]any) (*gjsonschema.Resolved, error) {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var s gjsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s.Resolve(nil)
}

// GetHandler looks up a tool's handler by name.
func (r *Registry) GetHandler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return t.def.Handler, true
}

// List produces a snapshot of every tool's advertised schema in
// arbitrary order; callers must not rely on ordering.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Info{Name: t.def.Name, Description: t.def.Description, Schema: t.def.Schema})
	}
	return out
}

// Dispatcher runs a registered handler against a validated argument
// object, sharing one ToolContext across every call.
type Dispatcher struct {
	registry *Registry
	ctx      *ToolContext
}

func NewDispatcher(registry *Registry, tc *ToolContext) *Dispatcher {
	return &Dispatcher{registry: registry, ctx: tc}
}

// Dispatch validates rawArguments against the tool's schema, then
// invokes its handler. A validation failure or a handler error are
// both returned as plain errors; the caller (the server state machine)
// is responsible for classifying transient south errors via
// lspclient.IsTransientSouthError and wrapping everything else as
// isError:true tool content.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, rawArguments json.RawMessage) (string, error) {
	d.registry.mu.RLock()
	t, ok := d.registry.tools[name]
	d.registry.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	arguments, err := decodeArguments(rawArguments)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	if t.resolved != nil {
		if err := t.resolved.Validate(arguments); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}

	return t.def.Handler(ctx, d.ctx, arguments)
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
