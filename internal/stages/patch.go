package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planexec/planexec/pkg/models"
)

// Patch actions returned by the plan-patch hook.
const (
	PatchActionStop     = "stop"
	PatchActionPatch    = "patch"
	PatchActionContinue = "continue"
)

// Patch operation kinds.
const (
	PatchOpAppend  = "append"
	PatchOpReplace = "replace"
	PatchOpDelete  = "delete"
)

// PatchOp is one structural edit to the remaining plan.
type PatchOp struct {
	// Op is append, replace, or delete.
	Op string `json:"op"`

	// Steps holds the new steps for append.
	Steps []models.Step `json:"steps,omitempty"`

	// TargetStepID names the step for replace and delete.
	TargetStepID string `json:"targetStepId,omitempty"`

	// Step is the replacement step for replace.
	Step *models.Step `json:"step,omitempty"`
}

// PatchDecision is the plan-patch hook's verdict.
type PatchDecision struct {
	// Action is patch, stop, or continue. Unknown actions are treated as
	// continue.
	Action string `json:"action"`

	Reason string `json:"reason,omitempty"`

	// IsComplete accompanies stop when the objective is already met.
	IsComplete bool `json:"isComplete,omitempty"`

	Operations []PatchOp `json:"operations,omitempty"`
}

var planPatchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["patch", "stop", "continue"]},
		"reason": {"type": "string"},
		"isComplete": {"type": "boolean"},
		"operations": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"op": {"type": "string", "enum": ["append", "replace", "delete"]},
					"steps": {"type": "array", "items": {
						"type": "object",
						"properties": {
							"aiName": {"type": "string"},
							"nextStep": {"type": "string"},
							"reason": {"type": "array", "items": {"type": "string"}},
							"draftArgs": {"type": "object"},
							"dependsOnStepIds": {"type": "array", "items": {"type": "string"}}
						},
						"required": ["aiName"]
					}},
					"targetStepId": {"type": "string"},
					"step": {"type": "object",
						"properties": {
							"aiName": {"type": "string"},
							"nextStep": {"type": "string"},
							"reason": {"type": "array", "items": {"type": "string"}},
							"draftArgs": {"type": "object"},
							"dependsOnStepIds": {"type": "array", "items": {"type": "string"}}
						},
						"required": ["aiName"]
					}
				},
				"required": ["op"]
			}
		}
	},
	"required": ["action"]
}`)

const planPatchSystem = `A step of the running plan failed. Decide how to
proceed:
- "continue": the failure does not endanger the objective.
- "stop": further steps are pointless; set isComplete if the objective is
  already satisfied.
- "patch": edit the remaining plan. Allowed operations: append new steps at
  the tail, replace a not-yet-started step, delete a not-yet-started step.
At most one appended step may retry the failed tool. Reply via the
plan_patch function only.`

// PatchInput parameterizes the plan-patch hook invocation.
type PatchInput struct {
	Objective string
	Plan      *models.Plan

	// AtIndex/AtStepID/AIName identify the failing step.
	AtIndex  int
	AtStepID string
	AIName   string

	// LastResult is the failing tool result.
	LastResult models.ToolResult

	// Ancestors holds results of the failing step's ancestors only; the
	// hook never sees unrelated context.
	Ancestors []models.StepResult
}

// MaybePlanPatch invokes the hook LLM call. Errors degrade to continue.
func (s *Stages) MaybePlanPatch(ctx context.Context, in PatchInput) (*PatchDecision, error) {
	var steps strings.Builder
	for _, st := range in.Plan.Steps {
		status := ""
		if st.Skip {
			status = " (skipped)"
		}
		fmt.Fprintf(&steps, "- %s (#%d) %s: %s%s\n", st.StepID, st.DisplayIndex, st.AIName, st.NextStep, status)
	}
	lastJSON, _ := json.Marshal(in.LastResult)

	prompt := fmt.Sprintf(
		"Objective: %s\n\nPlan:\n%s\nFailed step: %s (#%d, tool %s)\nFailure result: %s\n",
		in.Objective, steps.String(), in.AtStepID, in.AtIndex+1, in.AIName, string(lastJSON))
	if anc := condenseResults(in.Ancestors, 300); anc != "" {
		prompt += "\nAncestor results:\n" + anc
	}

	messages := system(planPatchSystem, models.ChatMessage{Role: models.RoleUser, Content: prompt})

	decision := &PatchDecision{}
	if err := s.callFunc(ctx, "patch", "plan_patch", planPatchSchema, messages, decision); err != nil {
		return nil, err
	}
	switch decision.Action {
	case PatchActionStop, PatchActionPatch, PatchActionContinue:
	default:
		decision.Action = PatchActionContinue
	}
	return decision, nil
}
