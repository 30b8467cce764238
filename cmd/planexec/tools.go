package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/planexec/planexec/internal/catalog"
	"github.com/planexec/planexec/pkg/models"
)

// registerBuiltinTools installs the bundled demo tools. Real deployments
// register their own catalog on top of (or instead of) these.
func registerBuiltinTools(cat *catalog.Catalog) error {
	tools := []catalog.Tool{
		&catalog.FuncTool{
			Name: "echo",
			Desc: "Echo a message back to the user.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"message": {"type": "string", "description": "Text to echo back"}
				},
				"required": ["message"]
			}`),
			ProviderTag: "local",
			Fn: func(ctx context.Context, args map[string]any) (models.ToolResult, error) {
				message, _ := args["message"].(string)
				return models.OKResult(map[string]any{"message": message}), nil
			},
		},
		&catalog.FuncTool{
			Name: "time_now",
			Desc: "Report the current date and time.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"timezone": {"type": "string", "description": "IANA timezone name, defaults to local"}
				}
			}`),
			ProviderTag: "local",
			Fn: func(ctx context.Context, args map[string]any) (models.ToolResult, error) {
				now := time.Now()
				if tz, _ := args["timezone"].(string); tz != "" {
					loc, err := time.LoadLocation(tz)
					if err != nil {
						return models.ErrResult("ARGS_INVALID", fmt.Sprintf("unknown timezone %q", tz)), nil
					}
					now = now.In(loc)
				}
				return models.OKResult(map[string]any{
					"iso":   now.Format(time.RFC3339),
					"human": now.Format("2006-01-02 15:04:05 MST"),
				}), nil
			},
		},
		&catalog.FuncTool{
			Name: "remind",
			Desc: "Deliver a reminder message, optionally at a future time.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"message": {"type": "string", "description": "Reminder text"},
					"schedule": {
						"type": "object",
						"description": "When to deliver; omit for immediately",
						"properties": {
							"targetISO": {"type": "string", "description": "RFC3339 delivery time"},
							"text": {"type": "string", "description": "Natural language time, e.g. 'in 5 minutes'"}
						}
					}
				},
				"required": ["message"]
			}`),
			ProviderTag: "local",
			Fn: func(ctx context.Context, args map[string]any) (models.ToolResult, error) {
				message, _ := args["message"].(string)
				return models.OKResult(map[string]any{"delivered": message}), nil
			},
		},
	}
	for _, tool := range tools {
		if err := cat.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
