// Package catalog is the executor's view over the tool layer. It
// enumerates tools as descriptors, compiles their input schemas once, and
// dispatches calls by aiName. The catalog is process-wide read-mostly
// state: registration happens at startup, runs only read.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/planexec/planexec/pkg/models"
)

// DefaultProvider labels tools that declare no provider.
const DefaultProvider = "local"

// CallInfo carries run correlation into tool dispatch.
type CallInfo struct {
	RunID     string
	StepIndex int
}

// Tool is one callable tool.
type Tool interface {
	// AIName is the stable catalog identifier.
	AIName() string

	// Description summarizes the tool for the planning manifest.
	Description() string

	// InputSchema returns the JSON Schema for the tool's arguments, or nil
	// when the tool accepts anything.
	InputSchema() json.RawMessage

	// Execute runs the tool. In-band failures are reported through the
	// result envelope; the error return is for dispatch-level faults only.
	Execute(ctx context.Context, args map[string]any) (models.ToolResult, error)
}

// Metadata optionally enriches a tool with a provider label and free-form
// metadata. Tools that do not implement it default to the local provider.
type Metadata interface {
	Provider() string
	Meta() map[string]any
}

// Catalog holds registered tools with compiled schemas.
type Catalog struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	ordered []string
}

type entry struct {
	tool     Tool
	compiled *jsonschema.Schema
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{tools: make(map[string]*entry)}
}

// Register adds a tool, compiling its input schema. Registering a tool
// whose schema does not compile fails; a duplicate aiName is replaced.
func (c *Catalog) Register(tool Tool) error {
	var compiled *jsonschema.Schema
	if raw := tool.InputSchema(); len(raw) > 0 {
		schema, err := jsonschema.CompileString(tool.AIName()+"_input", string(raw))
		if err != nil {
			return fmt.Errorf("compile input schema for %s: %w", tool.AIName(), err)
		}
		compiled = schema
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[tool.AIName()]; !exists {
		c.ordered = append(c.ordered, tool.AIName())
	}
	c.tools[tool.AIName()] = &entry{tool: tool, compiled: compiled}
	return nil
}

// Lookup returns the descriptor for one aiName.
func (c *Catalog) Lookup(aiName string) (models.ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tools[aiName]
	if !ok {
		return models.ToolDescriptor{}, false
	}
	return describe(e.tool), true
}

// Tools returns descriptors for every registered tool in registration
// order, without metadata.
func (c *Catalog) Tools() []models.ToolDescriptor {
	detailed := c.ToolsDetailed()
	for i := range detailed {
		detailed[i].Meta = nil
	}
	return detailed
}

// ToolsDetailed returns descriptors including tool metadata.
func (c *Catalog) ToolsDetailed() []models.ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(c.ordered))
	for _, name := range c.ordered {
		if e, ok := c.tools[name]; ok {
			out = append(out, describe(e.tool))
		}
	}
	return out
}

func describe(t Tool) models.ToolDescriptor {
	d := models.ToolDescriptor{
		AIName:      t.AIName(),
		Description: t.Description(),
		InputSchema: t.InputSchema(),
		Provider:    DefaultProvider,
	}
	if m, ok := t.(Metadata); ok {
		if p := m.Provider(); p != "" {
			d.Provider = p
		}
		d.Meta = m.Meta()
	}
	return d
}

// Provider returns the provider label for an aiName, defaulting to local
// for unknown tools so concurrency accounting always has a bucket.
func (c *Catalog) Provider(aiName string) string {
	d, ok := c.Lookup(aiName)
	if !ok || d.Provider == "" {
		return DefaultProvider
	}
	return d.Provider
}

// ValidateArgs checks args against the tool's compiled input schema.
// A tool without a schema accepts anything. The returned slice holds
// human-readable validation errors; empty means valid.
func (c *Catalog) ValidateArgs(aiName string, args map[string]any) ([]string, error) {
	c.mu.RLock()
	e, ok := c.tools[aiName]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("catalog: unknown tool %q", aiName)
	}
	if e.compiled == nil {
		return nil, nil
	}

	// The validator wants plain JSON values, so round-trip the map.
	buf, err := json.Marshal(args)
	if err != nil {
		return []string{fmt.Sprintf("arguments are not JSON-encodable: %v", err)}, nil
	}
	var doc any
	if err := json.Unmarshal(buf, &doc); err != nil {
		return []string{err.Error()}, nil
	}

	if err := e.compiled.Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return flattenValidation(ve), nil
		}
		return []string{err.Error()}, nil
	}
	return nil, nil
}

func flattenValidation(ve *jsonschema.ValidationError) []string {
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	sort.Strings(msgs)
	return msgs
}

// Call dispatches the tool by aiName. Unknown tools and dispatch faults
// are reported in-band through the result envelope so the scheduler has a
// single result path.
func (c *Catalog) Call(ctx context.Context, aiName string, args map[string]any, info CallInfo) models.ToolResult {
	c.mu.RLock()
	e, ok := c.tools[aiName]
	c.mu.RUnlock()
	if !ok {
		return models.ErrResult(models.CodeNotFound, "tool not found: "+aiName)
	}

	result, err := e.tool.Execute(ctx, args)
	if err != nil {
		return models.ErrResult("TOOL_ERROR", fmt.Sprintf("%s: %v", aiName, err))
	}
	return result
}

// SchemaDeclares reports whether the tool's input schema declares a
// top-level property with the given name. Used to detect the optional
// schedule argument.
func (c *Catalog) SchemaDeclares(aiName, property string) bool {
	c.mu.RLock()
	e, ok := c.tools[aiName]
	c.mu.RUnlock()
	if !ok || e.tool.InputSchema() == nil {
		return false
	}
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(e.tool.InputSchema(), &schema); err != nil {
		return false
	}
	_, declared := schema.Properties[property]
	return declared
}
