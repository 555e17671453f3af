package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/threadwell/loom/pkg/message"
	"github.com/threadwell/loom/pkg/provider"
)

// Parameter defines a single tool input parameter
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Handler executes a tool invocation. It must honor context
// cancellation; a returned error becomes an error-typed result, not a
// thread failure.
type Handler func(ctx context.Context, input map[string]interface{}) (string, error)

// Definition describes one registered tool
type Definition struct {
	Name             string
	Description      string
	Parameters       []Parameter
	RequiresApproval bool
	Handler          Handler
}

// Registry holds tool definitions and their compiled input schemas
type Registry struct {
	defs    map[string]Definition
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// NewRegistry creates an empty tool registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		defs:    make(map[string]Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger,
	}
}

// Register adds a tool definition and compiles its input schema
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition has no name")
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema for tool %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	r.defs[def.Name] = def
	r.schemas[def.Name] = schema

	r.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Get retrieves a definition by name
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	return def, ok
}

// Names returns all registered tool names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a tool input against the tool's compiled schema
func (r *Registry) Validate(name string, input map[string]interface{}) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}

	if input == nil {
		input = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		msg := "invalid tool input:"
		for _, desc := range result.Errors() {
			msg += " " + desc.String() + ";"
		}
		return fmt.Errorf("%s", msg)
	}

	return nil
}

// Specs builds the wire tool specs for the given allow-list. Unknown
// names are skipped; a nil allow-list exposes every registered tool.
func (r *Registry) Specs(allow []string) []provider.ToolSpec {
	names := allow
	if names == nil {
		names = r.Names()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]provider.ToolSpec, 0, len(names))
	for _, name := range names {
		def, ok := r.defs[name]
		if !ok {
			continue
		}
		specs = append(specs, provider.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: inputSchemaMap(def),
		})
	}
	return specs
}

// Factory returns a Factory backed by this registry. Unknown tools and
// inputs failing schema validation return an error, which the caller
// records as a malformed request block.
func (r *Registry) Factory(opts ExecOptions) Factory {
	return func(req message.ToolRequest) (Tool, error) {
		def, ok := r.Get(req.ToolName)
		if !ok {
			return nil, fmt.Errorf("tool not found: %s", req.ToolName)
		}
		if err := r.Validate(req.ToolName, req.Input); err != nil {
			return nil, err
		}
		return NewExec(req, def, opts), nil
	}
}

// compileSchema builds a JSON schema from the definition's parameters
func compileSchema(def Definition) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(inputSchemaMap(def)))
}

// inputSchemaMap converts a definition's parameters into a JSON schema map
func inputSchemaMap(def Definition) map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		properties[param.Name] = map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
