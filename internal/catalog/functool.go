package catalog

import (
	"context"
	"encoding/json"

	"github.com/planexec/planexec/pkg/models"
)

// FuncTool adapts a plain function into a Tool. Used for built-in tools
// and test doubles.
type FuncTool struct {
	Name        string
	Desc        string
	Schema      json.RawMessage
	ProviderTag string
	Metadata    map[string]any
	Fn          func(ctx context.Context, args map[string]any) (models.ToolResult, error)
}

// AIName returns the catalog identifier.
func (t *FuncTool) AIName() string { return t.Name }

// Description returns the manifest summary.
func (t *FuncTool) Description() string { return t.Desc }

// InputSchema returns the argument schema.
func (t *FuncTool) InputSchema() json.RawMessage { return t.Schema }

// Provider returns the provider label.
func (t *FuncTool) Provider() string { return t.ProviderTag }

// Meta returns the tool metadata.
func (t *FuncTool) Meta() map[string]any { return t.Metadata }

// Execute invokes the wrapped function.
func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (models.ToolResult, error) {
	return t.Fn(ctx, args)
}
