package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planexec/planexec/internal/llm"
	"github.com/planexec/planexec/pkg/models"
)

var evaluateSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"success": {"type": "boolean", "description": "Whether the executed steps achieved the objective."},
		"summary": {"type": "string", "description": "Short verdict explanation."},
		"incomplete": {"type": "boolean", "description": "True when the objective needs operations no executed step covered."},
		"failedSteps": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"stepId": {"type": "string"},
					"displayIndex": {"type": "integer"},
					"aiName": {"type": "string"},
					"reason": {"type": "string"}
				},
				"required": ["stepId"]
			}
		}
	},
	"required": ["success", "summary"]
}`)

const evaluateSystem = `You evaluate whether a plan execution achieved the
user objective. Judge only from the recorded step results. Name every step
that failed or produced unusable output in failedSteps, using the exact
stepId values shown. Reply via the evaluate_run function only.`

// Evaluate runs the post-execution verdict. Errors are returned so the
// orchestrator can log and bypass the repair loop.
func (s *Stages) Evaluate(ctx context.Context, objective string, plan *models.Plan, results []models.StepResult) (*models.Evaluation, error) {
	var steps strings.Builder
	if plan != nil {
		for _, st := range plan.Steps {
			fmt.Fprintf(&steps, "- %s (#%d) %s: %s\n", st.StepID, st.DisplayIndex, st.AIName, st.NextStep)
		}
	}

	prompt := fmt.Sprintf("Objective: %s\n\nPlanned steps:\n%s\nRecorded results:\n%s",
		objective, steps.String(), condenseResults(results, 400))

	messages := system(evaluateSystem, models.ChatMessage{Role: models.RoleUser, Content: prompt})

	verdict := &models.Evaluation{}
	if err := s.callFunc(ctx, "evaluate", "evaluate_run", evaluateSchema, messages, verdict); err != nil {
		return nil, err
	}
	return verdict, nil
}

var completenessSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"isComplete": {"type": "boolean"},
		"summary": {"type": "string"},
		"supplements": {
			"type": "array",
			"items": {"type": "string"},
			"description": "Missing operations, one short imperative each."
		}
	},
	"required": ["isComplete"]
}`)

const completenessSystem = `You check whether the executed steps fully
cover the objective. When operations are missing, list them as short
imperative supplements. Reply via the check_completeness function only.`

// CheckTaskCompleteness runs the reflection gate on incomplete runs.
func (s *Stages) CheckTaskCompleteness(ctx context.Context, objective string, results []models.StepResult) (*models.Reflection, error) {
	prompt := fmt.Sprintf("Objective: %s\n\nCompleted steps and results:\n%s",
		objective, condenseResults(results, 400))
	messages := system(completenessSystem, models.ChatMessage{Role: models.RoleUser, Content: prompt})

	verdict := &models.Reflection{}
	if err := s.callFunc(ctx, "reflect", "check_completeness", completenessSchema, messages, verdict); err != nil {
		return nil, err
	}
	return verdict, nil
}

const summarizeSystem = `Write the final reply to the user: a concise
natural-language summary of what was attempted and what the results mean
for their objective. Mention failures honestly. No JSON, no markdown
headers.`

// Summarize produces the run's final natural-language summary from its
// history records.
func (s *Stages) Summarize(ctx context.Context, objective string, records []models.RunEvent) (string, error) {
	var b strings.Builder
	for _, rec := range records {
		switch rec.Type {
		case models.EventJudge:
			if rec.Judge != nil {
				fmt.Fprintf(&b, "judge: need=%v %s\n", rec.Judge.Need, rec.Judge.Summary)
			}
		case models.EventEvaluation:
			if rec.Evaluation != nil {
				fmt.Fprintf(&b, "evaluation: success=%v %s\n", rec.Evaluation.Success, rec.Evaluation.Summary)
			}
		}
	}
	var results []models.StepResult
	for _, rec := range records {
		if rec.Type == models.EventToolResult && rec.ToolResult != nil {
			results = append(results, *rec.ToolResult)
		}
		if rec.Type == models.EventToolResultGroup && rec.Group != nil {
			for _, member := range rec.Group.Events {
				if member.ToolResult != nil {
					results = append(results, *member.ToolResult)
				}
			}
		}
	}

	prompt := fmt.Sprintf("Objective: %s\n\nRun notes:\n%s\nStep results:\n%s",
		objective, b.String(), condenseResults(results, 400))
	messages := system(summarizeSystem, models.ChatMessage{Role: models.RoleUser, Content: prompt})

	msg, err := s.call(ctx, "summarize", llm.Request{Messages: messages})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(msg.Content), nil
}
