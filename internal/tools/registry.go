package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/conductor/internal/provider"
)

// ErrUnknownTool is returned for dispatch to an unregistered name.
var ErrUnknownTool = errors.New("unknown tool")

// Registry is the dispatch table: tool name to implementation, with compiled
// input schemas for argument validation.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	order   []string
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
	}
}

// Register adds a tool, compiling its input schema. Re-registering a name
// replaces the previous implementation.
func (r *Registry) Register(t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return errors.New("tool has no name")
	}

	schema, err := compileSchema(def.Schema())
	if err != nil {
		return fmt.Errorf("tool %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = t
	r.schemas[def.Name] = schema
	r.logger.Debug("tool registered", "tool", def.Name)
	return nil
}

// compileSchema compiles the provider-facing input schema for validation.
func compileSchema(s provider.ToolSchema) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(s.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal input schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Schemas returns the provider-facing schemas for the given names, skipping
// unknown ones. A nil names slice means every registered tool.
func (r *Registry) Schemas(names []string) []provider.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if names == nil {
		names = r.order
	}
	out := make([]provider.ToolSchema, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out = append(out, t.Definition().Schema())
		}
	}
	return out
}

// Validate checks args against the named tool's input schema. A missing
// required parameter or a type mismatch is reported as a validation error;
// an unknown tool is ErrUnknownTool.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	// Round-trip through JSON so numbers take the decoder's representation
	// the compiled schema expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("unmarshal args: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}

// SortedNames returns registered names in lexical order, for stable display.
func (r *Registry) SortedNames() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}
