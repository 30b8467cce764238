package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planexec/planexec/internal/llm"
	"github.com/planexec/planexec/pkg/models"
)

// NoToolsSummary is the canonical summary for runs the judge decides need
// no tool calls.
const NoToolsSummary = "本次任务判定无需调用工具。"

var judgeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"need": {"type": "boolean", "description": "Whether any tool call is required to fulfil the objective."},
		"summary": {"type": "string", "description": "One-sentence justification. If no tools are needed, a direct answer to the objective."},
		"toolNames": {"type": "array", "items": {"type": "string"}, "description": "Names of tools likely useful for the objective."}
	},
	"required": ["need", "summary"]
}`)

const judgeSystem = `You decide whether a user objective requires calling external tools.
Answer via the judge_tools function only. Prefer need=false for greetings,
small talk, and questions answerable from general knowledge. When tools are
needed, list the most relevant tool names from the manifest.`

// JudgeInput parameterizes the tool-necessity judgement.
type JudgeInput struct {
	Objective    string
	Manifest     []models.ToolDescriptor
	Conversation []models.ChatMessage

	// ForceNeedTools skips the LLM call and injects need=true.
	ForceNeedTools bool

	// Hint is an optional caller-provided judge overlay.
	Hint string
}

// Judge runs the tool-necessity judgement. A stage error yields OK=false;
// the caller short-circuits the run with a JUDGE_FAILED summary.
func (s *Stages) Judge(ctx context.Context, in JudgeInput) models.JudgeVerdict {
	if in.ForceNeedTools {
		return models.JudgeVerdict{Need: true, OK: true, Summary: "forced"}
	}

	var manifest strings.Builder
	for _, d := range in.Manifest {
		fmt.Fprintf(&manifest, "- %s: %s\n", d.AIName, d.Description)
	}

	messages := system(judgeSystem, in.Conversation...)
	if in.Hint != "" {
		messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: in.Hint})
	}
	messages = append(messages, models.ChatMessage{
		Role: models.RoleUser,
		Content: fmt.Sprintf("Objective: %s\n\nAvailable tools:\n%s\nDecide via judge_tools.",
			in.Objective, manifest.String()),
	})

	var verdict struct {
		Need      bool     `json:"need"`
		Summary   string   `json:"summary"`
		ToolNames []string `json:"toolNames"`
	}
	if err := s.callFunc(ctx, "judge", "judge_tools", judgeSchema, messages, &verdict); err != nil {
		return models.JudgeVerdict{OK: false, Summary: err.Error()}
	}

	return models.JudgeVerdict{
		Need:      verdict.Need,
		Summary:   verdict.Summary,
		ToolNames: verdict.ToolNames,
		OK:        true,
	}
}

const preThoughtSystem = `Sketch, in at most five short lines, how you would
accomplish the objective with the listed tools. Plain prose, no JSON.`

// PreThought produces a short plan-in-prose appended to the planner
// prompt. Errors degrade to an empty string.
func (s *Stages) PreThought(ctx context.Context, objective string, manifest []models.ToolDescriptor, conversation []models.ChatMessage) string {
	var tools strings.Builder
	for _, d := range manifest {
		fmt.Fprintf(&tools, "- %s: %s\n", d.AIName, d.Description)
	}
	messages := system(preThoughtSystem, conversation...)
	messages = append(messages, models.ChatMessage{
		Role:    models.RoleUser,
		Content: fmt.Sprintf("Objective: %s\n\nTools:\n%s", objective, tools.String()),
	})

	msg, err := s.call(ctx, "prethought", llm.Request{Messages: messages})
	if err != nil || msg == nil {
		return ""
	}
	return strings.TrimSpace(msg.Content)
}
