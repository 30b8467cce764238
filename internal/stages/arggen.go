package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/planexec/planexec/pkg/models"
)

const argGenSystem = `You produce the final JSON arguments for one tool
call. Respect the tool's input schema exactly. Ground values in the
objective, the draft arguments, and the results of earlier steps. Reply
via the emit_args function only.`

// ArgGenInput parameterizes argument synthesis for one step.
type ArgGenInput struct {
	Objective    string
	Tool         models.ToolDescriptor
	Step         models.Step
	Recent       []models.StepResult
	Ancestors    []models.StepResult
	Conversation []models.ChatMessage

	// ReuseAllowed lets an identical prior call's args be returned
	// without an LLM round-trip. Disabled during retry passes.
	ReuseAllowed bool
}

// GenerateArgs synthesizes final arguments from the draft. On stage error
// the caller falls back to the draft args and reports arggen_error.
// The bool result reports whether a cached identical call was reused.
func (s *Stages) GenerateArgs(ctx context.Context, in ArgGenInput) (map[string]any, bool, error) {
	draftJSON, _ := json.Marshal(in.Step.DraftArgs)
	cacheKey := digest(in.Tool.AIName, in.Objective, string(draftJSON), condenseResults(in.Ancestors, 200))

	if in.ReuseAllowed {
		s.argMu.Lock()
		cached, ok := s.argCache[cacheKey]
		s.argMu.Unlock()
		if ok {
			return cloneArgs(cached), true, nil
		}
	}

	schema := wrapArgsSchema(in.Tool.InputSchema)

	prompt := fmt.Sprintf("Objective: %s\n\nTool: %s — %s\nStep intent: %s\nDraft arguments: %s\n",
		in.Objective, in.Tool.AIName, in.Tool.Description, in.Step.NextStep, string(draftJSON))
	if ctxBlock := condenseResults(in.Ancestors, 400); ctxBlock != "" {
		prompt += "\nResults this step depends on:\n" + ctxBlock
	}
	if recent := condenseResults(in.Recent, 200); recent != "" {
		prompt += "\nRecent results:\n" + recent
	}

	messages := system(argGenSystem, in.Conversation...)
	messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: prompt})

	var out struct {
		Args map[string]any `json:"args"`
	}
	if err := s.callFunc(ctx, "arggen", "emit_args", schema, messages, &out); err != nil {
		return nil, false, err
	}
	if out.Args == nil {
		out.Args = map[string]any{}
	}

	s.argMu.Lock()
	s.argCache[cacheKey] = cloneArgs(out.Args)
	s.argMu.Unlock()
	return out.Args, false, nil
}

const fixArgsSystem = `The previous arguments failed schema validation.
Produce corrected arguments that satisfy the schema. Reply via the
fix_args function only.`

// FixArgs runs the one-shot remediation call after a validation failure.
func (s *Stages) FixArgs(ctx context.Context, tool models.ToolDescriptor, args, draft map[string]any, validationErrors []string) (map[string]any, error) {
	argsJSON, _ := json.Marshal(args)
	draftJSON, _ := json.Marshal(draft)
	errsJSON, _ := json.Marshal(validationErrors)

	prompt := fmt.Sprintf(
		"Tool: %s\nSchema: %s\nCurrent arguments: %s\nDraft arguments: %s\nValidator errors: %s",
		tool.AIName, string(tool.InputSchema), string(argsJSON), string(draftJSON), string(errsJSON))

	messages := system(fixArgsSystem, models.ChatMessage{Role: models.RoleUser, Content: prompt})

	var out struct {
		Args map[string]any `json:"args"`
	}
	if err := s.callFunc(ctx, "fixargs", "fix_args", wrapArgsSchema(tool.InputSchema), messages, &out); err != nil {
		return nil, err
	}
	if out.Args == nil {
		out.Args = map[string]any{}
	}
	return out.Args, nil
}

// wrapArgsSchema nests the tool's input schema under an "args" property so
// the forced function call always returns a single well-known envelope.
func wrapArgsSchema(inputSchema json.RawMessage) json.RawMessage {
	inner := json.RawMessage(`{"type": "object"}`)
	if len(inputSchema) > 0 {
		inner = inputSchema
	}
	wrapped, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": map[string]any{"args": json.RawMessage(inner)},
		"required":   []string{"args"},
	})
	return wrapped
}

func cloneArgs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
